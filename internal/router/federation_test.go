package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/aimaestro/maestro/internal/mailbox"
	"github.com/aimaestro/maestro/internal/registry"
	"github.com/aimaestro/maestro/pkg/amp"
)

// federatedBody builds a signed federated delivery for the given recipient.
func federatedBody(t *testing.T, to, text string) ([]byte, amp.Envelope) {
	t.Helper()
	kp, err := amp.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	payload, _ := json.Marshal(amp.Payload{Type: amp.TypeNotification, Message: text})
	env := amp.NewEnvelope("zoe@partner.example.com", to, "cross-provider", amp.PriorityNormal, "")
	if err := env.Sign(kp.PrivateKeyPEM, payload); err != nil {
		t.Fatalf("sign: %v", err)
	}
	body, err := json.Marshal(FederatedDelivery{
		Envelope:        env,
		Payload:         payload,
		SenderPublicKey: kp.PublicKeyHex,
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body, env
}

func TestDeliverFederated(t *testing.T) {
	f := newFixture(t, Config{}, true)
	bob, _ := f.register(t, "bob")
	body, env := federatedBody(t, bob.Address, "hello from afar")

	res, err := f.r.DeliverFederated(context.Background(), "partner.example.com", body)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Status != StatusDelivered || res.Method != MethodFederation {
		t.Errorf("result = %s/%s, want delivered/federation", res.Status, res.Method)
	}
	if res.ID != env.ID {
		t.Errorf("result id = %q, want the foreign envelope id %q", res.ID, env.ID)
	}

	inbox, err := f.mail.List(mailbox.BoxInbox, "bob", mailbox.ListOptions{})
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	if len(inbox) != 1 {
		t.Fatalf("inbox size = %d", len(inbox))
	}
	got := inbox[0]
	if got.From != "zoe@partner.example.com" || got.DeliveredVia != MethodFederation {
		t.Errorf("entry from/via = %q/%q", got.From, got.DeliveredVia)
	}
	if got.SignatureVerified == nil || !*got.SignatureVerified {
		t.Errorf("signatureVerified = %v, want true", got.SignatureVerified)
	}

	marker := filepath.Join(f.dir, "federation", "delivered",
		base64.RawURLEncoding.EncodeToString([]byte(env.ID)))
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("replay marker missing: %v", err)
	}
}

func TestDeliverFederated_replay(t *testing.T) {
	f := newFixture(t, Config{}, true)
	bob, _ := f.register(t, "bob")
	body, _ := federatedBody(t, bob.Address, "once only")

	if _, err := f.r.DeliverFederated(context.Background(), "partner.example.com", body); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	_, err := f.r.DeliverFederated(context.Background(), "partner.example.com", body)
	wantCode(t, err, CodeDuplicateMessage)

	inbox, _ := f.mail.List(mailbox.BoxInbox, "bob", mailbox.ListOptions{})
	if len(inbox) != 1 {
		t.Errorf("replay landed a second copy, inbox size %d", len(inbox))
	}
}

func TestDeliverFederated_failedDeliveryIsRetryable(t *testing.T) {
	f := newFixture(t, Config{}, true)
	body, _ := federatedBody(t, "bob@acme.aimaestro.local", "early bird")

	_, err := f.r.DeliverFederated(context.Background(), "partner.example.com", body)
	wantCode(t, err, CodeNotFound)

	// The recipient registers; the provider retries the same envelope.
	f.register(t, "bob")
	res, err := f.r.DeliverFederated(context.Background(), "partner.example.com", body)
	if err != nil {
		t.Fatalf("retry after registration: %v", err)
	}
	if res.Status != StatusDelivered {
		t.Errorf("retry status = %q, want delivered", res.Status)
	}
}

func TestDeliverFederated_queuesForRemoteAgent(t *testing.T) {
	f := newFixture(t, Config{}, true)
	agent, err := f.agents.CreateAgent(registry.Agent{Name: "drifter", HostID: "h7"})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	body, env := federatedBody(t, "drifter@acme.aimaestro.local", "for the other host")

	res, derr := f.r.DeliverFederated(context.Background(), "partner.example.com", body)
	if derr != nil {
		t.Fatalf("deliver: %v", derr)
	}
	if res.Status != StatusQueued || res.Method != MethodRelay {
		t.Errorf("result = %s/%s, want queued/relay", res.Status, res.Method)
	}

	pending, err := f.queue.GetPendingMessages(agent.ID, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Envelope.ID != env.ID {
		t.Errorf("queue = %d entries, want the federated envelope", len(pending))
	}

	// Queued still counts as accepted for replay purposes.
	_, err = f.r.DeliverFederated(context.Background(), "partner.example.com", body)
	wantCode(t, err, CodeDuplicateMessage)
}

func TestDeliverFederated_requiresProvider(t *testing.T) {
	f := newFixture(t, Config{}, true)
	bob, _ := f.register(t, "bob")
	body, _ := federatedBody(t, bob.Address, "anonymous")

	_, err := f.r.DeliverFederated(context.Background(), "", body)
	e := wantCode(t, err, CodeMissingField)
	if e.Field != "X-AMP-Provider" {
		t.Errorf("field = %q, want X-AMP-Provider", e.Field)
	}
}

func TestDeliverFederated_providerRateLimit(t *testing.T) {
	f := newFixture(t, Config{ProviderLimitPerMinute: 1}, true)
	bob, _ := f.register(t, "bob")

	body, _ := federatedBody(t, bob.Address, "first")
	if _, err := f.r.DeliverFederated(context.Background(), "partner.example.com", body); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	body2, _ := federatedBody(t, bob.Address, "second")
	_, err := f.r.DeliverFederated(context.Background(), "partner.example.com", body2)
	e := wantCode(t, err, CodeRateLimited)
	if e.Rate == nil || e.Rate.Limit != 1 {
		t.Errorf("rate info = %+v, want limit 1", e.Rate)
	}

	// A different provider has its own bucket.
	body3, _ := federatedBody(t, bob.Address, "third")
	if _, err := f.r.DeliverFederated(context.Background(), "elsewhere.example.org", body3); err != nil {
		t.Errorf("second provider shares the first's bucket: %v", err)
	}
}

func TestDeliverFederated_shape(t *testing.T) {
	f := newFixture(t, Config{}, true)
	f.register(t, "bob")

	_, err := f.r.DeliverFederated(context.Background(), "partner.example.com", []byte("{not json"))
	wantCode(t, err, CodeInvalidRequest)

	missingEnv, _ := json.Marshal(map[string]any{
		"payload": map[string]any{"type": "notification", "message": "m"},
	})
	_, err = f.r.DeliverFederated(context.Background(), "partner.example.com", missingEnv)
	wantCode(t, err, CodeInvalidField)

	env := amp.NewEnvelope("zoe@partner.example.com", "bob@acme.aimaestro.local", "s", amp.PriorityNormal, "")
	noPayload, _ := json.Marshal(map[string]any{"envelope": env})
	_, err = f.r.DeliverFederated(context.Background(), "partner.example.com", noPayload)
	e := wantCode(t, err, CodeMissingField)
	if e.Field != "payload" {
		t.Errorf("field = %q, want payload", e.Field)
	}
}
