// Package registry is the authoritative local catalog of agents: lifecycle,
// lookup, search, AMP registration metadata, and the mesh-wide existence
// check. Records live one JSON file per agent under agents/<uuid>/agent.json,
// written atomically; a coarse store mutex serializes writers and reads
// return deep copies.
package registry

import (
	"strings"
	"time"
)

// SystemAgentPrefix marks internal agents that are hidden from public
// listings. The prefix is the whole contract; there is no registry flag.
const SystemAgentPrefix = "_aim-"

// Session status values.
const (
	SessionOnline  = "online"
	SessionOffline = "offline"
)

// Agent is one catalog record. HostID names the host the agent lives on;
// (HostID, Name) is unique. Metadata is the open-typed sidecar; everything
// the mesh core relies on lives in typed fields.
type Agent struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Label            string         `json:"label,omitempty"`
	Alias            string         `json:"alias,omitempty"`
	HostID           string         `json:"hostId"`
	CreatedAt        time.Time      `json:"createdAt"`
	LastActive       *time.Time     `json:"lastActive,omitempty"`
	Avatar           string         `json:"avatar,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Owner            string         `json:"owner,omitempty"`
	Team             string         `json:"team,omitempty"`
	Program          string         `json:"program,omitempty"`
	Model            string         `json:"model,omitempty"`
	WorkingDirectory string         `json:"workingDirectory,omitempty"`
	ProgramArgs      []string       `json:"programArgs,omitempty"`
	Sessions         []Session      `json:"sessions,omitempty"`
	Tools            Tools          `json:"tools,omitempty"`
	Hooks            map[string]any `json:"hooks,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Preferences      map[string]any `json:"preferences,omitempty"`
	AMPIdentity      *AMPIdentity   `json:"ampIdentity,omitempty"`
}

// Session links an agent to a terminal multiplexer session. Sessions[0] is
// the canonical session.
type Session struct {
	Index            int        `json:"index"`
	TmuxSessionName  string     `json:"tmuxSessionName"`
	WorkingDirectory string     `json:"workingDirectory,omitempty"`
	Status           string     `json:"status"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
}

// Tools lists external resources an agent may use.
type Tools struct {
	Repositories []string `json:"repositories,omitempty"`
}

// AMPIdentity is the cryptographic identity attached at AMP registration.
type AMPIdentity struct {
	Fingerprint  string    `json:"fingerprint"`
	PublicKeyHex string    `json:"publicKeyHex"`
	KeyAlgorithm string    `json:"keyAlgorithm"`
	CreatedAt    time.Time `json:"createdAt"`
	AMPAddress   string    `json:"ampAddress"`
	Tenant       string    `json:"tenant"`
}

// CanonicalSession returns the agent's primary session, or nil.
func (a *Agent) CanonicalSession() *Session {
	if len(a.Sessions) == 0 {
		return nil
	}
	return &a.Sessions[0]
}

// IsOnline reports whether any session is marked online.
func (a *Agent) IsOnline() bool {
	for _, s := range a.Sessions {
		if s.Status == SessionOnline {
			return true
		}
	}
	return false
}

// IsSystem reports whether the agent is an internal system agent.
func (a *Agent) IsSystem() bool {
	return strings.HasPrefix(a.Name, SystemAgentPrefix)
}

// AMPRegistered reports whether the agent carries an AMP identity.
func (a *Agent) AMPRegistered() bool {
	return a.AMPIdentity != nil
}

// Clone returns a deep copy safe to hand outside the store lock.
func (a *Agent) Clone() *Agent {
	cp := *a
	if a.LastActive != nil {
		t := *a.LastActive
		cp.LastActive = &t
	}
	cp.Tags = append([]string(nil), a.Tags...)
	cp.ProgramArgs = append([]string(nil), a.ProgramArgs...)
	cp.Sessions = append([]Session(nil), a.Sessions...)
	cp.Tools.Repositories = append([]string(nil), a.Tools.Repositories...)
	cp.Hooks = cloneMap(a.Hooks)
	cp.Metadata = cloneMap(a.Metadata)
	cp.Preferences = cloneMap(a.Preferences)
	if a.AMPIdentity != nil {
		id := *a.AMPIdentity
		cp.AMPIdentity = &id
	}
	return &cp
}

// cloneMap deep-copies nested map[string]any values; other values are shared
// (they are treated as immutable once stored).
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			out[k] = cloneMap(sub)
			continue
		}
		out[k] = v
	}
	return out
}
