package mesh

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/aimaestro/maestro/internal/hosts"
)

// newMesh builds a service over a real hosts store with h1 as self.
func newMesh(t *testing.T) (*Service, *hosts.Store) {
	t.Helper()
	dir := t.TempDir()
	store := hosts.NewStore(dir, zap.NewNop())
	if _, err := store.EnsureSelfHost("h1", "Host One", "http://h1.local:7777"); err != nil {
		t.Fatalf("self host: %v", err)
	}
	return New(store, dir, Config{}, zap.NewNop()), store
}

func addPeer(t *testing.T, store *hosts.Store, id, url string) {
	t.Helper()
	added, err := store.AddHost(hosts.Host{
		ID: id, Name: id, URL: url, Type: hosts.TypeRemote, Enabled: true,
	})
	if err != nil {
		t.Fatalf("add peer %s: %v", id, err)
	}
	if !added {
		t.Fatalf("peer %s deduplicated unexpectedly", id)
	}
}

// aliveServer answers the config probe like a healthy maestro instance.
func aliveServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/config" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"hostId":"stub"}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

type eventRec struct {
	mu     sync.Mutex
	events []string
}

func (e *eventRec) Emit(event string, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventRec) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev == name {
			n++
		}
	}
	return n
}
