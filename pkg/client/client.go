// Package client is the Go SDK for the maestro AMP API.
// See doc.go for an overview and examples.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aimaestro/maestro/pkg/amp"
)

// APIError is a structured error returned by a maestro host. Code follows
// the wire taxonomy (unauthorized, not_found, name_taken, ...).
type APIError struct {
	Status      int      `json:"-"`
	Code        string   `json:"error"`
	Message     string   `json:"message"`
	Field       string   `json:"field,omitempty"`
	Hint        string   `json:"hint,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RegisterRequest enrolls an agent with the protocol. PublicKeyPEM must be
// an Ed25519 public key in SPKI PEM form; GenerateKeyPair in pkg/amp
// produces a suitable pair.
type RegisterRequest struct {
	Name         string         `json:"name"`
	PublicKeyPEM string         `json:"public_key"`
	KeyAlgorithm string         `json:"key_algorithm,omitempty"`
	Tenant       string         `json:"tenant,omitempty"`
	Alias        string         `json:"alias,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RegisterResult is the outcome of a registration. APIKey is delivered
// exactly once; the host stores only its hash.
type RegisterResult struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	Address      string `json:"address"`
	Fingerprint  string `json:"fingerprint"`
	Tenant       string `json:"tenant"`
	APIKey       string `json:"api_key"`
	ReRegistered bool   `json:"re_registered"`
}

// SendRequest is one message. To accepts a full AMP address or a bare agent
// name on the caller's own provider. Type defaults to notification and
// Priority to normal on the host side.
type SendRequest struct {
	To        string         `json:"to"`
	Subject   string         `json:"subject"`
	Message   string         `json:"message"`
	Type      string         `json:"type,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	InReplyTo string         `json:"in_reply_to,omitempty"`
}

// SendResult reports where a message ended up: delivered to a mailbox,
// forwarded to a peer, or queued for relay pickup.
type SendResult struct {
	Status string `json:"status"`
	Method string `json:"method"`
	ID     string `json:"id"`
	To     string `json:"to"`
	Note   string `json:"error,omitempty"`
}

// Resolution is the public record for one AMP address.
type Resolution struct {
	Address      string `json:"address"`
	Name         string `json:"name"`
	Alias        string `json:"alias,omitempty"`
	PublicKeyPEM string `json:"public_key_pem"`
	Fingerprint  string `json:"fingerprint"`
	Online       bool   `json:"online"`
}

// PendingMessage is one relayed message waiting for acknowledgement.
type PendingMessage struct {
	Envelope           amp.Envelope    `json:"envelope"`
	Payload            json.RawMessage `json:"payload"`
	SenderPublicKeyHex string          `json:"sender_public_key_hex,omitempty"`
	QueuedAt           time.Time       `json:"queued_at"`
	ExpiresAt          time.Time       `json:"expires_at"`
}

// PendingList is the relay queue snapshot for the calling agent.
type PendingList struct {
	Count    int              `json:"count"`
	Messages []PendingMessage `json:"messages"`
}

// ReadReceipt is the ack envelope generated by MarkRead.
type ReadReceipt struct {
	Envelope amp.Envelope `json:"envelope"`
	Payload  amp.Payload  `json:"payload"`
}

// DirectoryEntry is one row of a host's public agent directory.
type DirectoryEntry struct {
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	Alias       string `json:"alias,omitempty"`
	Address     string `json:"address,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// KeyRotation carries the replacement API key from RotateKey.
type KeyRotation struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// KeypairRotation carries the replacement signing keys from RotateKeypair.
// PrivateKeyPEM is delivered once and never stored by the host.
type KeypairRotation struct {
	AgentID       string `json:"agent_id"`
	Fingerprint   string `json:"fingerprint"`
	PublicKeyPEM  string `json:"public_key_pem"`
	PrivateKeyPEM string `json:"private_key_pem"`
}

// Host is one entry of a host's peer directory.
type Host struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Type        string     `json:"type"`
	Aliases     []string   `json:"aliases,omitempty"`
	Enabled     bool       `json:"enabled"`
	Description string     `json:"description,omitempty"`
	SyncedAt    *time.Time `json:"syncedAt,omitempty"`
}

// AddHostRequest introduces a peer to the local host directory.
type AddHostRequest struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name,omitempty"`
	URL         string   `json:"url"`
	Aliases     []string `json:"aliases,omitempty"`
	Description string   `json:"description,omitempty"`
}

// SyncFailure names a peer that could not be synced and why.
type SyncFailure struct {
	Host  string `json:"host"`
	Error string `json:"error"`
}

// SyncOutcome summarises one full mesh sync pass.
type SyncOutcome struct {
	Synced []string      `json:"synced"`
	Failed []SyncFailure `json:"failed"`
}

// HealthInfo is the host liveness report.
type HealthInfo struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// ProviderInfo describes which provider a host serves.
type ProviderInfo struct {
	Provider string `json:"provider"`
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

// Option customises a Client.
type Option func(*Client) error

// Client talks to one maestro host. Create it with New and configure it
// with Options. All methods are safe for concurrent use.
type Client struct {
	hostBase   string
	httpClient *http.Client
	cache      *resolverCache

	mu     sync.Mutex
	apiKey string
}

// WithHTTPClient replaces the default HTTP client (10 s timeout). Use this
// to plug in custom transports, proxies, or instrumentation.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithAPIKey authenticates every request with the given agent API key.
// Required for Send, Pending, Ack, and the identity endpoints.
func WithAPIKey(key string) Option {
	return func(c *Client) error {
		c.apiKey = key
		return nil
	}
}

// WithCacheTTL caches Resolve results for ttl, cutting repeated lookups of
// the same address to one HTTP call.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl <= 0 {
			return fmt.Errorf("cache TTL must be positive")
		}
		c.cache = newResolverCache(ttl)
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification. Only use
// this against a host serving a self-signed development certificate.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 10 * time.Second,
		}
		return nil
	}
}

// New creates a Client connected to hostBase.
//
//	c, err := client.New("http://localhost:4301",
//	    client.WithAPIKey(apiKey),
//	    client.WithCacheTTL(60*time.Second),
//	)
func New(hostBase string, opts ...Option) (*Client, error) {
	c := &Client{
		hostBase:   strings.TrimRight(hostBase, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(hostBase string, opts ...Option) *Client {
	c, err := New(hostBase, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// SetAPIKey swaps the API key at runtime, e.g. after RotateKey.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	c.apiKey = key
	c.mu.Unlock()
}

// Health reports host liveness. No authentication required.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var out HealthInfo
	if err := c.getJSON(ctx, "/v1/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Info reports the provider domain the host serves. Empty until the host
// has adopted an organization.
func (c *Client) Info(ctx context.Context) (*ProviderInfo, error) {
	var out ProviderInfo
	if err := c.getJSON(ctx, "/v1/info", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register enrolls an agent and returns its address, fingerprint, and API
// key. Re-registering the same name with the same key returns the existing
// identity with a fresh API key; a different key yields a name_taken
// APIError whose Suggestions list free alternatives.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if req.KeyAlgorithm == "" {
		req.KeyAlgorithm = "Ed25519"
	}
	var out RegisterResult
	if err := c.postJSON(ctx, "/v1/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send routes one message. The host signs the envelope with the agent's
// stored key when it holds one, resolves the recipient locally, across the
// mesh, or by relay queue, and reports which path the message took.
// Requires WithAPIKey.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	payload := map[string]any{
		"type":    req.Type,
		"message": req.Message,
	}
	if req.Type == "" {
		payload["type"] = amp.TypeNotification
	}
	if req.Context != nil {
		payload["context"] = req.Context
	}

	body := map[string]any{
		"to":      req.To,
		"subject": req.Subject,
		"payload": payload,
	}
	if req.Priority != "" {
		body["priority"] = req.Priority
	}
	if req.InReplyTo != "" {
		body["in_reply_to"] = req.InReplyTo
	}

	var out SendResult
	if err := c.postJSON(ctx, "/v1/route", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resolve looks up one agent by AMP address, bare name, alias, or
// fingerprint and returns its public key and liveness. Results are cached
// when the client was built with WithCacheTTL.
func (c *Client) Resolve(ctx context.Context, identifier string) (*Resolution, error) {
	if c.cache != nil {
		if res, ok := c.cache.get(identifier); ok {
			return res, nil
		}
	}

	var out Resolution
	if err := c.getJSON(ctx, "/v1/agents/resolve/"+url.PathEscape(identifier), &out); err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.set(identifier, &out)
	}
	return &out, nil
}

// Directory lists the protocol-registered agents of the host.
func (c *Client) Directory(ctx context.Context) ([]DirectoryEntry, error) {
	var out struct {
		Agents []DirectoryEntry `json:"agents"`
	}
	if err := c.getJSON(ctx, "/v1/agents", &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Pending lists the caller's queued messages, oldest first, without
// removing them. limit 0 returns everything up to the host's cap.
func (c *Client) Pending(ctx context.Context, limit int) (*PendingList, error) {
	path := "/v1/messages/pending"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out PendingList
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ack acknowledges one pending message, moving it into the inbox.
func (c *Client) Ack(ctx context.Context, messageID string) error {
	path := "/v1/messages/pending?id=" + url.QueryEscape(messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.hostBase+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	_, err = c.do(req)
	return err
}

// AckBatch acknowledges up to 100 pending messages in one call and returns
// how many were actually removed. Unknown ids are skipped silently.
func (c *Client) AckBatch(ctx context.Context, messageIDs []string) (int, error) {
	var out struct {
		Acknowledged int `json:"acknowledged"`
	}
	body := map[string]any{"message_ids": messageIDs}
	if err := c.postJSON(ctx, "/v1/messages/pending", body, &out); err != nil {
		return 0, err
	}
	return out.Acknowledged, nil
}

// MarkRead marks an inbox message read and returns the read receipt the
// host sent back to the original sender.
func (c *Client) MarkRead(ctx context.Context, messageID string) (*ReadReceipt, error) {
	var out ReadReceipt
	path := "/v1/messages/" + url.PathEscape(messageID) + "/read"
	if err := c.postJSON(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me returns the caller's own agent record as the host stores it.
func (c *Client) Me(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/v1/agents/me", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateMe changes the caller's own label, alias, avatar, tags, metadata,
// or preferences. Other fields are rejected by the host.
func (c *Client) UpdateMe(ctx context.Context, patch map[string]any) error {
	payload, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal patch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.hostBase+"/v1/agents/me", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	_, err = c.do(req)
	return err
}

// Unregister drops the caller's protocol identity and revokes every API
// key issued for it. The agent record itself survives on the host.
func (c *Client) Unregister(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.hostBase+"/v1/agents/me", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	_, err = c.do(req)
	return err
}

// RotateKey issues a fresh API key and revokes the current one. The
// client's own key is updated in place on success.
func (c *Client) RotateKey(ctx context.Context) (*KeyRotation, error) {
	var out KeyRotation
	if err := c.postJSON(ctx, "/v1/auth/rotate-key", nil, &out); err != nil {
		return nil, err
	}
	c.SetAPIKey(out.APIKey)
	return &out, nil
}

// RotateKeypair replaces the agent's Ed25519 signing keys. The address is
// unchanged; the fingerprint is not. Store the returned private key
// securely, the host keeps only the public half.
func (c *Client) RotateKeypair(ctx context.Context) (*KeypairRotation, error) {
	var out KeypairRotation
	if err := c.postJSON(ctx, "/v1/auth/rotate-keys", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeKey invalidates the current API key without issuing a new one.
func (c *Client) RevokeKey(ctx context.Context) error {
	return c.postJSON(ctx, "/v1/auth/revoke-key", nil, nil)
}

// Hosts lists the peer directory of the host, including the host itself.
func (c *Client) Hosts(ctx context.Context) ([]Host, error) {
	var out struct {
		Hosts []Host `json:"hosts"`
	}
	if err := c.getJSON(ctx, "/hosts", &out); err != nil {
		return nil, err
	}
	return out.Hosts, nil
}

// AddHost introduces a peer to the host's directory. alreadyKnown reports
// whether the peer was present before the call.
func (c *Client) AddHost(ctx context.Context, req AddHostRequest) (host *Host, alreadyKnown bool, err error) {
	var out struct {
		Host         *Host `json:"host"`
		AlreadyKnown bool  `json:"alreadyKnown"`
	}
	if err := c.postJSON(ctx, "/hosts", req, &out); err != nil {
		return nil, false, err
	}
	return out.Host, out.AlreadyKnown, nil
}

// SyncPeers triggers a full mesh sync pass and reports which peers
// answered.
func (c *Client) SyncPeers(ctx context.Context) (*SyncOutcome, error) {
	var out SyncOutcome
	if err := c.postJSON(ctx, "/hosts/sync", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// getJSON performs a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.hostBase+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// postJSON performs a POST with an optional JSON body and decodes the JSON
// response into out when out is non-nil.
func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	var rd io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hostBase+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// do executes an HTTP request, attaching the API key if present. Error
// responses carrying the wire taxonomy come back as *APIError.
func (c *Client) do(req *http.Request) ([]byte, error) {
	c.mu.Lock()
	key := c.apiKey
	c.mu.Unlock()
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr APIError
		if jerr := json.Unmarshal(body, &apiErr); jerr == nil && apiErr.Code != "" {
			apiErr.Status = resp.StatusCode
			return nil, &apiErr
		}
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// --- simple in-memory resolver cache ---

type cacheEntry struct {
	result    *Resolution
	expiresAt time.Time
}

type resolverCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newResolverCache(ttl time.Duration) *resolverCache {
	return &resolverCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (rc *resolverCache) get(key string) (*Resolution, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	e, ok := rc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.result, true
}

func (rc *resolverCache) set(key string, result *Resolution) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.entries[key] = &cacheEntry{result: result, expiresAt: time.Now().Add(rc.ttl)}
}
