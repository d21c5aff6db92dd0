package mesh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

// stubPeer answers both sync legs the way a live instance would and hands
// the decoded requests back to the test.
func stubPeer(t *testing.T, id string, register RegisterPeerResponse) (*httptest.Server, chan RegisterPeerRequest, chan ExchangePeersRequest) {
	t.Helper()
	regCh := make(chan RegisterPeerRequest, 1)
	exCh := make(chan ExchangePeersRequest, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/hosts/register-peer", func(w http.ResponseWriter, r *http.Request) {
		var req RegisterPeerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("%s decode register: %v", id, err)
		}
		regCh <- req
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(register)
	})
	mux.HandleFunc("/api/hosts/exchange-peers", func(w http.ResponseWriter, r *http.Request) {
		var req ExchangePeersRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("%s decode exchange: %v", id, err)
		}
		exCh <- req
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ExchangePeersResponse{
			NewlyAdded: []string{}, AlreadyKnown: []string{}, Unreachable: []string{},
		})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, regCh, exCh
}

func TestSyncAll_emptyMesh(t *testing.T) {
	svc, _ := newMesh(t)

	res, err := svc.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Synced) != 0 || len(res.Failed) != 0 {
		t.Fatalf("empty mesh produced %+v", res)
	}
	if res.Synced == nil || res.Failed == nil {
		t.Fatal("result slices must not be nil")
	}
}

func TestSyncAll_announcesAndIngestsGossip(t *testing.T) {
	svc, store := newMesh(t)
	sink := &eventRec{}
	svc.SetEvents(sink)

	gossip := aliveServer(t)
	peer, regCh, exCh := stubPeer(t, "p1", RegisterPeerResponse{
		Registered: true,
		Host:       HostInfo{ID: "p1", Name: "Peer One", URL: "http://p1.local:7777"},
		KnownHosts: []HostInfo{{ID: "g1", Name: "Gossip One", URL: gossip.URL}},
		Organization: &OrgStamp{Value: "acme", SetBy: "p1"},
	})
	addPeer(t, store, "p1", peer.URL)

	res, err := svc.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !reflect.DeepEqual(res.Synced, []string{"p1"}) || len(res.Failed) != 0 {
		t.Fatalf("result = %+v", res)
	}

	reg := <-regCh
	if reg.Host.ID != "h1" {
		t.Fatalf("announced host = %q, want self", reg.Host.ID)
	}
	if reg.Source == nil || reg.Source.Initiator != "h1" || reg.Source.PropagationDepth != 0 {
		t.Fatalf("announce source = %+v", reg.Source)
	}
	if !strings.HasPrefix(reg.Source.PropagationID, "prop_") {
		t.Fatalf("announce pid = %q", reg.Source.PropagationID)
	}

	ex := <-exCh
	if ex.FromHost.ID != "h1" {
		t.Fatalf("exchange fromHost = %q", ex.FromHost.ID)
	}
	if len(ex.KnownHosts) != 1 || ex.KnownHosts[0].ID != "g1" {
		t.Fatalf("exchange should share the ingested gossip host, got %+v", ex.KnownHosts)
	}
	if ex.PropagationID == "" || ex.PropagationID == reg.Source.PropagationID {
		t.Fatalf("exchange pid %q must be fresh", ex.PropagationID)
	}

	g, err := store.FindHostByAnyIdentifier("g1")
	if err != nil {
		t.Fatalf("gossip host not stored: %v", err)
	}
	if g.SyncSource != "mesh-sync" {
		t.Fatalf("gossip syncSource = %q", g.SyncSource)
	}
	org, _ := store.GetOrganization()
	if org == nil || org.Organization != "acme" {
		t.Fatalf("organization = %+v", org)
	}
	p, _ := store.FindHostByAnyIdentifier("p1")
	if p.SyncedAt == nil {
		t.Fatal("peer missing synced stamp")
	}
	if sink.count("peer.registered") != 1 {
		t.Fatalf("events = %v", sink.events)
	}
}

func TestSyncAll_collectsFailures(t *testing.T) {
	svc, store := newMesh(t)

	peer, _, _ := stubPeer(t, "p1", RegisterPeerResponse{
		Registered: true,
		Host:       HostInfo{ID: "p1", URL: "http://p1.local:7777"},
	})
	addPeer(t, store, "p1", peer.URL)
	addPeer(t, store, "p2", "http://127.0.0.1:1")

	res, err := svc.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !reflect.DeepEqual(res.Synced, []string{"p1"}) {
		t.Fatalf("synced = %v", res.Synced)
	}
	if len(res.Failed) != 1 || res.Failed[0].HostID != "p2" {
		t.Fatalf("failed = %+v", res.Failed)
	}
	if !strings.Contains(res.Failed[0].Error, "register with p2") {
		t.Fatalf("failure message = %q", res.Failed[0].Error)
	}
}

func TestSyncAll_exchangeFailureIsSoft(t *testing.T) {
	svc, store := newMesh(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/hosts/register-peer", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"registered":true,"host":{"id":"p3","url":"http://p3.local:7777"}}`))
	})
	mux.HandleFunc("/api/hosts/exchange-peers", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "exchange broke", http.StatusInternalServerError)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()
	addPeer(t, store, "p3", ts.URL)

	res, err := svc.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !reflect.DeepEqual(res.Synced, []string{"p3"}) || len(res.Failed) != 0 {
		t.Fatalf("result = %+v", res)
	}
}
