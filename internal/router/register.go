package router

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/pkg/address"
	"github.com/aimaestro/maestro/pkg/amp"
)

// RegisterRequest is the body of a register call. PublicKey is PEM SPKI
// Ed25519; UserKey is the optional bearer credential, accepted as an opaque
// string and recorded in the audit trail.
type RegisterRequest struct {
	Name         string         `json:"name"`
	PublicKey    string         `json:"public_key"`
	KeyAlgorithm string         `json:"key_algorithm,omitempty"`
	Tenant       string         `json:"tenant,omitempty"`
	Alias        string         `json:"alias,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	Delivery     string         `json:"delivery,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	UserKey string `json:"-"`
}

// RegisterResult is the success body of a register call. APIKey is returned
// exactly once.
type RegisterResult struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	Address      string `json:"address"`
	Fingerprint  string `json:"fingerprint"`
	Tenant       string `json:"tenant,omitempty"`
	APIKey       string `json:"api_key"`
	ReRegistered bool   `json:"re_registered,omitempty"`
}

// Register creates (or re-keys) an AMP agent on this host. The host must
// have adopted an organization first. A name collision with the same key
// fingerprint re-issues the API key for the existing agent; a collision with
// a different fingerprint fails with three naming suggestions.
func (r *Router) Register(req RegisterRequest) (*RegisterResult, error) {
	org, err := r.hosts.GetOrganization()
	if err != nil {
		return nil, E(CodeInternal, "load organization: %v", err)
	}
	if org == nil {
		e := E(CodeOrganizationNotSet, "this host has not adopted an organization")
		e.Hint = "set the host organization before registering agents"
		return nil, e
	}

	if strings.TrimSpace(req.Name) == "" {
		return nil, E(CodeMissingField, "name is required").WithField("name")
	}
	name := registry.NormalizeName(req.Name)
	if err := registry.ValidateName(name); err != nil {
		return nil, E(CodeInvalidField, "%v", err).WithField("name")
	}

	if req.PublicKey == "" {
		return nil, E(CodeMissingField, "public_key is required").WithField("public_key")
	}
	if req.KeyAlgorithm != "" && !strings.EqualFold(req.KeyAlgorithm, "Ed25519") {
		return nil, E(CodeInvalidField, "key_algorithm %q is not supported, use Ed25519", req.KeyAlgorithm).WithField("key_algorithm")
	}
	pubHex, err := amp.ExtractPublicKeyHex(req.PublicKey)
	if err != nil {
		return nil, E(CodeInvalidField, "public_key: %v", err).WithField("public_key")
	}
	fingerprint, err := amp.Fingerprint(pubHex)
	if err != nil {
		return nil, E(CodeInvalidField, "public_key: %v", err).WithField("public_key")
	}

	tenant := req.Tenant
	if tenant == "" {
		tenant = org.Organization
	}

	existing, err := r.agents.GetAgentByNameAnyHost(name)
	switch {
	case err == nil:
		if existing.AMPRegistered() && existing.AMPIdentity.Fingerprint == fingerprint {
			return r.reRegister(existing, tenant)
		}
		e := E(CodeNameTaken, "the name %q is already registered with a different key", name)
		e.Suggestions = registry.SuggestNames(name)
		return nil, e
	case errors.Is(err, registry.ErrNotFound):
		// free name
	default:
		return nil, E(CodeInternal, "look up name: %v", err)
	}

	self, err := r.hosts.GetSelfHost()
	if err != nil {
		return nil, E(CodeInternal, "load self host: %v", err)
	}
	addr := address.Format(name, req.Scope, address.ProviderDomain(org.Organization))

	spec := registry.Agent{
		Name:     name,
		Alias:    req.Alias,
		HostID:   self.ID,
		Metadata: registerMetadata(req),
	}
	created, err := r.agents.CreateAgent(spec)
	if err != nil {
		if errors.Is(err, registry.ErrNameTaken) {
			e := E(CodeNameTaken, "the name %q is already registered", name)
			e.Suggestions = registry.SuggestNames(name)
			return nil, e
		}
		var ve registry.ErrValidation
		if errors.As(err, &ve) {
			return nil, E(CodeInvalidField, "%s", ve.Msg).WithField(ve.Field)
		}
		return nil, E(CodeInternal, "create agent: %v", err)
	}

	if err := r.keys.SavePublicKey(created.ID, req.PublicKey); err != nil {
		return nil, E(CodeInternal, "save public key: %v", err)
	}
	if _, err := r.agents.MarkAgentAMPRegistered(created.ID, registry.AMPIdentity{
		Fingerprint:  fingerprint,
		PublicKeyHex: pubHex,
		AMPAddress:   addr,
		Tenant:       tenant,
	}); err != nil {
		return nil, E(CodeInternal, "attach AMP identity: %v", err)
	}

	token, _, err := r.keys.IssueAPIKey(created.ID, tenant, addr)
	if err != nil {
		return nil, E(CodeInternal, "issue API key: %v", err)
	}

	r.log.Info("agent registered",
		zap.String("agent_id", created.ID),
		zap.String("name", name),
		zap.String("address", addr),
		zap.String("fingerprint", fingerprint))
	r.record("agent.register", addr, created.ID, map[string]any{
		"fingerprint": fingerprint,
		"tenant":      tenant,
	})
	r.emit("agent.registered", map[string]any{
		"agent_id":    created.ID,
		"name":        name,
		"address":     addr,
		"fingerprint": fingerprint,
	})

	return &RegisterResult{
		AgentID:     created.ID,
		Name:        name,
		Address:     addr,
		Fingerprint: fingerprint,
		Tenant:      tenant,
		APIKey:      token,
	}, nil
}

// reRegister re-issues an API key for an agent presenting the key it was
// registered with. The identity is unchanged.
func (r *Router) reRegister(agent *registry.Agent, tenant string) (*RegisterResult, error) {
	ident := agent.AMPIdentity
	token, _, err := r.keys.IssueAPIKey(agent.ID, tenant, ident.AMPAddress)
	if err != nil {
		return nil, E(CodeInternal, "issue API key: %v", err)
	}

	r.log.Info("agent re-registered",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.String("fingerprint", ident.Fingerprint))
	r.record("agent.re-register", ident.AMPAddress, agent.ID, map[string]any{
		"fingerprint": ident.Fingerprint,
	})

	return &RegisterResult{
		AgentID:      agent.ID,
		Name:         agent.Name,
		Address:      ident.AMPAddress,
		Fingerprint:  ident.Fingerprint,
		Tenant:       ident.Tenant,
		APIKey:       token,
		ReRegistered: true,
	}, nil
}

// registerMetadata folds the optional request metadata and delivery mode
// into the agent's metadata sidecar.
func registerMetadata(req RegisterRequest) map[string]any {
	md := make(map[string]any, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		md[k] = v
	}
	if req.Delivery != "" {
		ampMD, _ := md["amp"].(map[string]any)
		if ampMD == nil {
			ampMD = map[string]any{}
		}
		ampMD["delivery"] = map[string]any{"mode": req.Delivery}
		md["amp"] = ampMD
	}
	if len(md) == 0 {
		return nil
	}
	return md
}
