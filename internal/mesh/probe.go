package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aimaestro/maestro/internal/hosts"
)

// ProbeResult reports one liveness check against a host URL.
type ProbeResult struct {
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
	Status    int    `json:"status,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// HostStatus is one row of the mesh status report.
type HostStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url,omitempty"`
	Self      bool      `json:"self"`
	Enabled   bool      `json:"enabled"`
	Reachable bool      `json:"reachable"`
	Sessions  int       `json:"sessions"`
	Docker    bool      `json:"docker"`
	LatencyMS int64     `json:"latencyMs,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Probe checks whether a maestro instance answers at the given base URL.
// The config endpoint stands in for "is alive": it is cheap, unauthenticated
// and only a real instance serves it.
func (s *Service) Probe(ctx context.Context, baseURL string) ProbeResult {
	res := ProbeResult{URL: baseURL}
	target := strings.TrimRight(baseURL, "/") + "/api/config"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	start := time.Now()
	resp, err := s.probec.Do(req)
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Reachable = true
	} else {
		res.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return res
}

func (s *Service) probeAlive(ctx context.Context, baseURL string) bool {
	return s.Probe(ctx, baseURL).Reachable
}

// Status probes every host and reports liveness, coarse session counts and
// the docker capability flag. Self never gets probed over HTTP.
func (s *Service) Status(ctx context.Context) ([]HostStatus, error) {
	all, err := s.hosts.GetHosts()
	if err != nil {
		return nil, err
	}

	out := make([]HostStatus, len(all))
	var wg sync.WaitGroup
	sem := make(chan struct{}, 10)

	for i, h := range all {
		if h.Type == hosts.TypeSelf {
			st := HostStatus{
				ID: h.ID, Name: h.Name, URL: h.URL,
				Self: true, Enabled: true, Reachable: true,
				Docker:    DockerAvailable(),
				CheckedAt: time.Now().UTC(),
			}
			if s.sessions != nil {
				st.Sessions = s.sessions.CountLive(ctx)
			}
			out[i] = st
			continue
		}
		if !h.Enabled {
			out[i] = HostStatus{
				ID: h.ID, Name: h.Name, URL: h.URL,
				CheckedAt: time.Now().UTC(),
			}
			continue
		}

		wg.Add(1)
		go func(i int, h hosts.Host) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out[i] = s.peerStatus(ctx, h)
		}(i, h)
	}
	wg.Wait()

	// Self first, then peers by id.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Self != out[j].Self {
			return out[i].Self
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Service) peerStatus(ctx context.Context, h hosts.Host) HostStatus {
	st := HostStatus{
		ID: h.ID, Name: h.Name, URL: h.URL,
		Enabled:   true,
		CheckedAt: time.Now().UTC(),
	}
	probe := s.Probe(ctx, h.URL)
	st.Reachable = probe.Reachable
	st.LatencyMS = probe.LatencyMS
	if !probe.Reachable {
		s.emit("peer.unreachable", map[string]any{"hostId": h.ID, "url": h.URL, "error": probe.Error})
		return st
	}

	base := strings.TrimRight(h.URL, "/")
	var sessions struct {
		Count int `json:"count"`
	}
	if err := s.getJSON(ctx, base+"/api/sessions", &sessions); err == nil {
		st.Sessions = sessions.Count
	}
	var docker struct {
		Available bool `json:"available"`
	}
	if err := s.getJSON(ctx, base+"/api/docker/info", &docker); err == nil {
		st.Docker = docker.Available
	}
	return st
}

func (s *Service) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.probec.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// DockerAvailable reports whether the local docker socket exists. The
// capability flag is advisory; actual docker calls still handle errors.
func DockerAvailable() bool {
	_, err := os.Stat("/var/run/docker.sock")
	return err == nil
}
