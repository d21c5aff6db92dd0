package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aimaestro/maestro/internal/hosts"
	"github.com/aimaestro/maestro/internal/registry"
)

// maxPeerListingBytes caps how much of a peer's agent listing is read.
const maxPeerListingBytes = 8 << 20

// HTTPAgentLister fetches a peer's public agent listing. It satisfies
// registry.PeerAgentLister for both the aggregator and the mesh-wide
// existence check.
type HTTPAgentLister struct {
	client *http.Client
}

// NewHTTPAgentLister builds a lister whose requests never outlive timeout.
func NewHTTPAgentLister(timeout time.Duration) *HTTPAgentLister {
	return &HTTPAgentLister{client: &http.Client{Timeout: timeout}}
}

// AgentsOn returns the agents of one remote host. Both the wrapped
// `{"agents":[...]}` shape and a bare array are accepted.
func (l *HTTPAgentLister) AgentsOn(ctx context.Context, h hosts.Host) ([]*registry.Agent, error) {
	url := strings.TrimRight(h.URL, "/") + "/api/agents"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("host %s returned status %d", h.ID, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPeerListingBytes))
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Agents []*registry.Agent `json:"agents"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Agents != nil {
		return wrapped.Agents, nil
	}
	var bare []*registry.Agent
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("host %s sent an unreadable agent list", h.ID)
	}
	return bare, nil
}
