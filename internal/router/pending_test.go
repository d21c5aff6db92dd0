package router

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/aimaestro/maestro/internal/mailbox"
	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/pkg/amp"
)

// queueFor parks a message for the agent directly on the relay queue.
func (f *fixture) queueFor(t *testing.T, agentID, envID, from, to, text string) {
	t.Helper()
	env := amp.NewEnvelope(from, to, "queued", amp.PriorityNormal, "")
	env.ID = envID
	payload, _ := json.Marshal(amp.Payload{Type: amp.TypeNotification, Message: text})
	if _, err := f.queue.QueueMessage(agentID, env, payload, ""); err != nil {
		t.Fatalf("queue %s: %v", envID, err)
	}
}

type stubStream struct {
	names  []string
	frames []any
}

func (s *stubStream) Push(agentName string, frame any) {
	s.names = append(s.names, agentName)
	s.frames = append(s.frames, frame)
}

func TestListPending_oldestFirst(t *testing.T) {
	f := newFixture(t, Config{}, true)
	bob, _ := f.register(t, "bob")

	for i := 1; i <= 3; i++ {
		f.queueFor(t, bob.AgentID, fmt.Sprintf("msg_00%d_aaaaaaa", i),
			"alice@acme.aimaestro.local", bob.Address, fmt.Sprintf("note %d", i))
	}

	list, err := f.r.ListPending(bob.APIKey, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if list.Count != 3 || len(list.Messages) != 3 {
		t.Fatalf("count = %d, want 3", list.Count)
	}
	for i, m := range list.Messages {
		want := fmt.Sprintf("msg_00%d_aaaaaaa", i+1)
		if m.Envelope.ID != want {
			t.Errorf("messages[%d].id = %q, want %q", i, m.Envelope.ID, want)
		}
	}
	if list.Messages[0].QueuedAt.IsZero() || list.Messages[0].ExpiresAt.IsZero() {
		t.Error("queue stamps missing from pickup form")
	}

	short, err := f.r.ListPending(bob.APIKey, 2)
	if err != nil {
		t.Fatalf("list pending limit 2: %v", err)
	}
	if short.Count != 2 {
		t.Errorf("limited count = %d, want 2", short.Count)
	}
}

func TestListPending_unauthorized(t *testing.T) {
	f := newFixture(t, Config{}, true)

	if _, err := f.r.ListPending("", 0); err == nil {
		t.Fatal("empty token accepted")
	} else {
		wantCode(t, err, CodeUnauthorized)
	}
	_, err := f.r.ListPending("ak_nope", 0)
	wantCode(t, err, CodeUnauthorized)
}

func TestAcknowledgePending_filesIntoInbox(t *testing.T) {
	f := newFixture(t, Config{}, true)
	bob, _ := f.register(t, "bob")
	f.queueFor(t, bob.AgentID, "msg_001_aaaaaaa", "alice@acme.aimaestro.local", bob.Address, "catch up")

	if err := f.r.AcknowledgePending(bob.APIKey, "msg_001_aaaaaaa"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	list, _ := f.r.ListPending(bob.APIKey, 0)
	if list.Count != 0 {
		t.Errorf("queue still holds %d entries after ack", list.Count)
	}

	inbox, err := f.mail.List(mailbox.BoxInbox, "bob", mailbox.ListOptions{})
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	if len(inbox) != 1 {
		t.Fatalf("inbox size = %d, want 1", len(inbox))
	}
	got := inbox[0]
	if got.ID != "msg_001_aaaaaaa" || got.Preview != "catch up" {
		t.Errorf("filed entry = %q/%q", got.ID, got.Preview)
	}
	if got.Status != mailbox.StatusRead {
		t.Errorf("status = %q, want read (agent pulled and acknowledged it)", got.Status)
	}
	if got.DeliveredVia != MethodRelay {
		t.Errorf("deliveredVia = %q, want relay", got.DeliveredVia)
	}

	// Acknowledging again is a no-op, not an error.
	if err := f.r.AcknowledgePending(bob.APIKey, "msg_001_aaaaaaa"); err != nil {
		t.Errorf("duplicate ack: %v", err)
	}
	inbox, _ = f.mail.List(mailbox.BoxInbox, "bob", mailbox.ListOptions{})
	if len(inbox) != 1 {
		t.Errorf("duplicate ack refiled the message, inbox size %d", len(inbox))
	}
}

func TestAcknowledgePending_verifiesCarriedSignature(t *testing.T) {
	f := newFixture(t, Config{}, true)
	bob, _ := f.register(t, "bob")

	kp, err := amp.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	payload, _ := json.Marshal(amp.Payload{Type: amp.TypeRequest, Message: "signed while offline"})
	env := amp.NewEnvelope("carol@acme.aimaestro.local", bob.Address, "signed", amp.PriorityNormal, "")
	if err := env.Sign(kp.PrivateKeyPEM, payload); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := f.queue.QueueMessage(bob.AgentID, env, payload, kp.PublicKeyHex); err != nil {
		t.Fatalf("queue: %v", err)
	}

	if err := f.r.AcknowledgePending(bob.APIKey, env.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	inbox, _ := f.mail.List(mailbox.BoxInbox, "bob", mailbox.ListOptions{})
	if len(inbox) != 1 {
		t.Fatalf("inbox size = %d", len(inbox))
	}
	if inbox[0].SignatureVerified == nil || !*inbox[0].SignatureVerified {
		t.Errorf("signatureVerified = %v, want true", inbox[0].SignatureVerified)
	}
}

func TestBatchAcknowledge(t *testing.T) {
	f := newFixture(t, Config{}, true)
	bob, _ := f.register(t, "bob")
	for i := 1; i <= 3; i++ {
		f.queueFor(t, bob.AgentID, fmt.Sprintf("msg_00%d_aaaaaaa", i),
			"alice@acme.aimaestro.local", bob.Address, "batch")
	}

	n, err := f.r.BatchAcknowledge(bob.APIKey, []string{
		"msg_001_aaaaaaa", "msg_003_aaaaaaa", "msg_999_zzzzzzz",
	})
	if err != nil {
		t.Fatalf("batch acknowledge: %v", err)
	}
	if n != 2 {
		t.Errorf("acked = %d, want 2 (unknown ids are skipped)", n)
	}

	list, _ := f.r.ListPending(bob.APIKey, 0)
	if list.Count != 1 || list.Messages[0].Envelope.ID != "msg_002_aaaaaaa" {
		t.Errorf("remaining queue = %+v, want only msg_002", list)
	}

	inbox, _ := f.mail.List(mailbox.BoxInbox, "bob", mailbox.ListOptions{})
	if len(inbox) != 2 {
		t.Errorf("inbox size = %d, want 2 filed messages", len(inbox))
	}
}

func TestBatchAcknowledge_sizeCap(t *testing.T) {
	f := newFixture(t, Config{}, true)
	bob, _ := f.register(t, "bob")

	ids := make([]string, 101)
	for i := range ids {
		ids[i] = fmt.Sprintf("msg_%03d_aaaaaaa", i)
	}
	_, err := f.r.BatchAcknowledge(bob.APIKey, ids)
	e := wantCode(t, err, CodeInvalidField)
	if e.Field != "message_ids" {
		t.Errorf("field = %q, want message_ids", e.Field)
	}

	if _, err := f.r.BatchAcknowledge(bob.APIKey, nil); err == nil {
		t.Error("empty id list accepted")
	}
}

func TestSendReadReceipt(t *testing.T) {
	f := newFixture(t, Config{}, true)
	alice, _ := f.register(t, "alice")
	bob, _ := f.register(t, "bob")
	stream := &stubStream{}
	f.r.SetStream(stream)

	body := routeBody(t, map[string]any{
		"to": bob.Address, "subject": "please read", "payload": notification("important"),
	})
	res, err := f.r.Route(context.Background(), RouteInput{Token: alice.APIKey, Body: body})
	if err != nil {
		t.Fatalf("route: %v", err)
	}

	receipt, err := f.r.SendReadReceipt(bob.APIKey, res.ID)
	if err != nil {
		t.Fatalf("send read receipt: %v", err)
	}
	env := receipt.Envelope
	if env.From != bob.Address || env.To != alice.Address {
		t.Errorf("receipt from/to = %q/%q", env.From, env.To)
	}
	if env.Subject != "Read receipt" || env.Priority != amp.PriorityLow {
		t.Errorf("receipt subject/priority = %q/%q", env.Subject, env.Priority)
	}
	if env.InReplyTo != res.ID || env.ThreadID != res.ID {
		t.Errorf("receipt threading = %q/%q, want both %q", env.InReplyTo, env.ThreadID, res.ID)
	}
	if receipt.Payload.Type != amp.TypeAck || receipt.Payload.Message != "read" {
		t.Errorf("receipt payload = %+v", receipt.Payload)
	}

	inbox, _ := f.mail.List(mailbox.BoxInbox, "bob", mailbox.ListOptions{})
	if len(inbox) != 1 || inbox[0].Status != mailbox.StatusRead {
		t.Errorf("original message not marked read: %+v", inbox)
	}

	if len(stream.names) != 1 || stream.names[0] != "alice" {
		t.Errorf("receipt streamed to %v, want [alice]", stream.names)
	}
}

func TestSendReadReceipt_notFound(t *testing.T) {
	f := newFixture(t, Config{}, true)
	bob, _ := f.register(t, "bob")

	_, err := f.r.SendReadReceipt(bob.APIKey, "msg_000_missing")
	wantCode(t, err, CodeNotFound)
}

func TestResolveAgentAddress(t *testing.T) {
	f := newFixture(t, Config{}, true)
	bob, kp := f.register(t, "bob")

	res, err := f.r.ResolveAgentAddress(bob.Address)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Address != bob.Address || res.Name != "bob" {
		t.Errorf("resolution = %q/%q", res.Address, res.Name)
	}
	if res.Fingerprint != bob.Fingerprint {
		t.Errorf("fingerprint = %q, want %q", res.Fingerprint, bob.Fingerprint)
	}
	if res.PublicKeyPEM != kp.PublicKeyPEM {
		t.Error("resolution does not return the registered public key")
	}
	if res.Online {
		t.Error("agent with no session reported online")
	}
}

func TestResolveAgentAddress_errors(t *testing.T) {
	f := newFixture(t, Config{}, true)

	_, err := f.r.ResolveAgentAddress("no-at-sign")
	wantCode(t, err, CodeInvalidField)

	_, err = f.r.ResolveAgentAddress("ghost@acme.aimaestro.local")
	wantCode(t, err, CodeNotFound)

	// A session-only agent without an AMP identity does not resolve.
	if _, err := f.agents.CreateAgent(registry.Agent{Name: "rawsession", HostID: "h1"}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	_, err = f.r.ResolveAgentAddress("rawsession@acme.aimaestro.local")
	wantCode(t, err, CodeNotFound)
}
