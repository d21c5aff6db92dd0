// Package hosts persists the mesh host list (hosts.json) and the adopted
// organization (organization.json). Exactly one stored host has type "self";
// every other entry is a peer. A single process-wide mutex serializes all
// read-modify-write cycles; the peer mesh only mutates through these
// lock-protected calls.
package hosts

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/store"
)

const hostsFile = "hosts.json"

// Host types.
const (
	TypeSelf   = "self"
	TypeRemote = "remote"
)

var (
	// ErrNotFound is returned when no host matches the identifier.
	ErrNotFound = errors.New("hosts: not found")
	// ErrSelfImmutable is returned on attempts to delete the self host.
	ErrSelfImmutable = errors.New("hosts: self host cannot be deleted")
)

var hostIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Host is one entry of the mesh host list.
type Host struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Type        string     `json:"type"`
	Aliases     []string   `json:"aliases,omitempty"`
	Enabled     bool       `json:"enabled"`
	Description string     `json:"description,omitempty"`
	SyncedAt    *time.Time `json:"syncedAt,omitempty"`
	SyncSource  string     `json:"syncSource,omitempty"`
	Tailscale   bool       `json:"tailscale,omitempty"`
}

// ErrValidation wraps host-list validation failures so handlers can
// distinguish them from I/O errors.
type ErrValidation struct {
	Msg string
}

func (e ErrValidation) Error() string { return e.Msg }

// Patch carries the mutable fields of UpdateHost. Nil fields are untouched.
type Patch struct {
	Name        *string
	URL         *string
	Enabled     *bool
	Description *string
	Aliases     *[]string
}

// Store owns hosts.json and organization.json under the data directory.
type Store struct {
	dataDir string
	log     *zap.Logger

	mu    sync.Mutex
	cache []Host // nil until first load

	orgMu     sync.Mutex
	orgCache  *Organization
	orgLoaded bool
}

// NewStore returns a Store rooted at dataDir.
func NewStore(dataDir string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{dataDir: dataDir, log: log}
}

func (s *Store) hostsPath() string { return filepath.Join(s.dataDir, hostsFile) }

// load reads hosts.json into the cache if not already loaded. Caller holds mu.
func (s *Store) load() error {
	if s.cache != nil {
		return nil
	}
	var hosts []Host
	if err := store.LoadJSON(s.hostsPath(), &hosts); err != nil {
		if os.IsNotExist(err) {
			s.cache = []Host{}
			return nil
		}
		return fmt.Errorf("load hosts: %w", err)
	}
	s.cache = hosts
	return nil
}

// save writes the cache back to disk. Caller holds mu.
func (s *Store) save() error {
	if err := store.SaveJSON(s.hostsPath(), s.cache, 0o644); err != nil {
		return fmt.Errorf("save hosts: %w", err)
	}
	return nil
}

// GetHosts returns a copy of the full host list.
func (s *Store) GetHosts() ([]Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	out := make([]Host, len(s.cache))
	copy(out, s.cache)
	return out, nil
}

// GetSelfHost returns the unique entry with type "self".
func (s *Store) GetSelfHost() (*Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	for i := range s.cache {
		if s.cache[i].Type == TypeSelf {
			h := s.cache[i]
			return &h, nil
		}
	}
	return nil, fmt.Errorf("%w: no self host configured", ErrNotFound)
}

// EnabledPeers returns every enabled remote host.
func (s *Store) EnabledPeers() ([]Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	var out []Host
	for _, h := range s.cache {
		if h.Type == TypeRemote && h.Enabled {
			out = append(out, h)
		}
	}
	return out, nil
}

// EnsureSelfHost seeds the self entry on first run. Existing self entries are
// left alone except for the URL, which follows config.
func (s *Store) EnsureSelfHost(id, name, rawURL string) (*Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	for i := range s.cache {
		if s.cache[i].Type == TypeSelf {
			if rawURL != "" && s.cache[i].URL != rawURL {
				s.cache[i].URL = rawURL
				if err := s.save(); err != nil {
					return nil, err
				}
			}
			h := s.cache[i]
			return &h, nil
		}
	}

	self := Host{
		ID:      id,
		Name:    name,
		URL:     rawURL,
		Type:    TypeSelf,
		Enabled: true,
		Aliases: urlAliases(rawURL),
	}
	if err := validateHost(&self); err != nil {
		return nil, err
	}
	s.cache = append(s.cache, self)
	if err := s.save(); err != nil {
		return nil, err
	}
	s.log.Info("seeded self host", zap.String("host_id", id), zap.String("url", rawURL))
	return &self, nil
}

// AddHost appends a remote host after validation and identifier dedup.
// added=false with nil error means the host (or one sharing an identifier)
// is already known; the list is unchanged.
func (s *Store) AddHost(h Host) (added bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(h)
}

func (s *Store) addLocked(h Host) (bool, error) {
	if err := s.load(); err != nil {
		return false, err
	}
	if h.Type == "" {
		h.Type = TypeRemote
	}
	if err := validateHost(&h); err != nil {
		return false, err
	}
	h.Aliases = mergeAliases(h.Aliases, urlAliases(h.URL))

	incoming := identifierSet(h)
	for i := range s.cache {
		if identifiersOverlap(identifierSet(s.cache[i]), incoming) {
			return false, nil
		}
	}

	s.cache = append(s.cache, h)
	if err := s.save(); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateHost applies a patch to the host with the given id.
func (s *Store) UpdateHost(id string, patch Patch) (*Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	for i := range s.cache {
		if s.cache[i].ID != id {
			continue
		}
		h := &s.cache[i]
		if patch.Name != nil {
			h.Name = *patch.Name
		}
		if patch.URL != nil {
			h.URL = *patch.URL
			h.Aliases = mergeAliases(h.Aliases, urlAliases(*patch.URL))
		}
		if patch.Enabled != nil {
			h.Enabled = *patch.Enabled
		}
		if patch.Description != nil {
			h.Description = *patch.Description
		}
		if patch.Aliases != nil {
			h.Aliases = mergeAliases(*patch.Aliases, nil)
		}
		if err := validateHost(h); err != nil {
			return nil, err
		}
		if err := s.save(); err != nil {
			return nil, err
		}
		out := *h
		return &out, nil
	}
	return nil, ErrNotFound
}

// MarkSynced stamps syncedAt/syncSource after a successful peer sync.
func (s *Store) MarkSynced(id, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	for i := range s.cache {
		if s.cache[i].ID == id {
			now := time.Now().UTC()
			s.cache[i].SyncedAt = &now
			if source != "" {
				s.cache[i].SyncSource = source
			}
			return s.save()
		}
	}
	return ErrNotFound
}

// DeleteHost removes a remote host. The self entry is immutable.
func (s *Store) DeleteHost(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	for i := range s.cache {
		if s.cache[i].ID != id {
			continue
		}
		if s.cache[i].Type == TypeSelf {
			return ErrSelfImmutable
		}
		s.cache = append(s.cache[:i], s.cache[i+1:]...)
		return s.save()
	}
	return ErrNotFound
}

// FindHostByAnyIdentifier matches a host by id, URL, or any alias.
func (s *Store) FindHostByAnyIdentifier(ident string) (*Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	needle := normalizeIdentifier(ident)
	for i := range s.cache {
		if _, ok := identifierSet(s.cache[i])[needle]; ok {
			h := s.cache[i]
			return &h, nil
		}
	}
	return nil, ErrNotFound
}

// ClearCache drops the in-memory copy so the next read reloads from disk.
func (s *Store) ClearCache() {
	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()

	s.orgMu.Lock()
	s.orgCache = nil
	s.orgLoaded = false
	s.orgMu.Unlock()
}

// ── identifier handling ─────────────────────────────────────────────────────

func validateHost(h *Host) error {
	if h.ID == "" {
		return ErrValidation{Msg: "host id is required"}
	}
	if !hostIDPattern.MatchString(h.ID) {
		return ErrValidation{Msg: fmt.Sprintf("host id %q contains invalid characters", h.ID)}
	}
	if h.Type != TypeSelf && h.Type != TypeRemote {
		return ErrValidation{Msg: fmt.Sprintf("host type %q must be self or remote", h.Type)}
	}
	if h.URL != "" {
		u, err := url.Parse(h.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return ErrValidation{Msg: fmt.Sprintf("host url %q is not an absolute URL", h.URL)}
		}
	}
	return nil
}

// identifierSet returns every normalized form under which a host is known:
// id, url, scheme-stripped url, and each alias. Used for mesh dedup so two
// entries can never share an identifier.
func identifierSet(h Host) map[string]struct{} {
	set := make(map[string]struct{}, 4+len(h.Aliases)*2)
	add := func(v string) {
		if n := normalizeIdentifier(v); n != "" {
			set[n] = struct{}{}
		}
	}
	add(h.ID)
	add(h.URL)
	for _, a := range h.Aliases {
		add(a)
	}
	return set
}

func identifiersOverlap(a, b map[string]struct{}) bool {
	for k := range b {
		if _, ok := a[k]; ok {
			return true
		}
	}
	return false
}

// normalizeIdentifier lowercases and strips scheme and trailing slashes so
// "http://Host:4301/" and "host:4301" compare equal.
func normalizeIdentifier(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

// urlAliases derives the alias forms of a URL: the normalized host:port and
// the bare hostname.
func urlAliases(rawURL string) []string {
	if rawURL == "" {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	aliases := []string{strings.ToLower(u.Host)}
	if host := u.Hostname(); host != "" && !strings.EqualFold(host, u.Host) {
		aliases = append(aliases, strings.ToLower(host))
	}
	return aliases
}

// mergeAliases unions two alias lists, dropping duplicates after
// normalization while keeping first-seen spelling.
func mergeAliases(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, v := range append(append([]string{}, a...), b...) {
		n := normalizeIdentifier(v)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, v)
	}
	return out
}
