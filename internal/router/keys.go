package router

import (
	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/pkg/amp"
)

// RevokeKey revokes the presented API key. The agent's identity and any
// other issued keys are untouched.
func (r *Router) RevokeKey(token string) error {
	agent, aerr := r.agentForToken(token)
	if aerr != nil {
		return aerr
	}
	if err := r.keys.RevokeAPIKey(token); err != nil {
		return E(CodeInternal, "revoke key: %v", err)
	}
	r.log.Info("api key revoked", zap.String("agent_id", agent.ID))
	r.record("key.revoke", agent.Name, agent.ID, nil)
	return nil
}

// RotateKeyResult carries the replacement API key, returned exactly once.
type RotateKeyResult struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// RotateKey issues a fresh API key for the calling agent and revokes the
// presented one. The cryptographic identity is unchanged.
func (r *Router) RotateKey(token string) (*RotateKeyResult, error) {
	agent, aerr := r.agentForToken(token)
	if aerr != nil {
		return nil, aerr
	}

	tenant, addr := "", agent.Name
	if agent.AMPIdentity != nil {
		tenant = agent.AMPIdentity.Tenant
		addr = agent.AMPIdentity.AMPAddress
	}
	fresh, _, err := r.keys.IssueAPIKey(agent.ID, tenant, addr)
	if err != nil {
		return nil, E(CodeInternal, "issue replacement key: %v", err)
	}
	if err := r.keys.RevokeAPIKey(token); err != nil {
		return nil, E(CodeInternal, "revoke old key: %v", err)
	}

	r.log.Info("api key rotated", zap.String("agent_id", agent.ID))
	r.record("key.rotate", agent.Name, agent.ID, nil)
	return &RotateKeyResult{AgentID: agent.ID, APIKey: fresh}, nil
}

// RotateKeypairResult carries the new Ed25519 keypair. The private key is
// returned exactly once; the server keeps a copy so it can sign receipts on
// the agent's behalf.
type RotateKeypairResult struct {
	AgentID       string `json:"agent_id"`
	Fingerprint   string `json:"fingerprint"`
	PublicKeyPEM  string `json:"public_key_pem"`
	PrivateKeyPEM string `json:"private_key_pem"`
}

// RotateKeypair generates a new Ed25519 keypair for the calling agent,
// persists it, and updates the stored fingerprint and hex. Messages signed
// with the old key no longer verify.
func (r *Router) RotateKeypair(token string) (*RotateKeypairResult, error) {
	agent, aerr := r.agentForToken(token)
	if aerr != nil {
		return nil, aerr
	}
	if agent.AMPIdentity == nil {
		return nil, E(CodeInvalidRequest, "agent %q is not AMP-registered", agent.Name)
	}

	kp, err := amp.GenerateKeyPair()
	if err != nil {
		return nil, E(CodeInternal, "generate keypair: %v", err)
	}
	if err := r.keys.SaveKeyPair(agent.ID, kp); err != nil {
		return nil, E(CodeInternal, "save keypair: %v", err)
	}

	if _, err := r.agents.MarkAgentAMPRegistered(agent.ID, registry.AMPIdentity{
		Fingerprint:  kp.Fingerprint,
		PublicKeyHex: kp.PublicKeyHex,
		AMPAddress:   agent.AMPIdentity.AMPAddress,
		Tenant:       agent.AMPIdentity.Tenant,
	}); err != nil {
		return nil, E(CodeInternal, "update identity: %v", err)
	}

	r.log.Info("keypair rotated",
		zap.String("agent_id", agent.ID),
		zap.String("fingerprint", kp.Fingerprint))
	r.record("key.rotate-keypair", agent.Name, agent.ID, map[string]any{
		"fingerprint": kp.Fingerprint,
	})

	return &RotateKeypairResult{
		AgentID:       agent.ID,
		Fingerprint:   kp.Fingerprint,
		PublicKeyPEM:  kp.PublicKeyPEM,
		PrivateKeyPEM: kp.PrivateKeyPEM,
	}, nil
}
