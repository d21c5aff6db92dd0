package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// maxDeliveryRetries is the number of retries after the first attempt,
// so every delivery gets up to three tries.
const maxDeliveryRetries = 2

// MetricsRecorder is called once per finished delivery.
type MetricsRecorder func(event string, success bool)

// Dispatcher fans events out to subscribed endpoints. Deliveries run in
// background goroutines; Drain waits for in-flight ones.
type Dispatcher struct {
	store  *Store
	client *http.Client
	log    *zap.Logger

	newBackOff func() backoff.BackOff
	onResult   MetricsRecorder

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher backed by the given store.
func NewDispatcher(store *Store, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// SetMetricsRecorder installs a callback invoked after each delivery.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onResult = fn
}

// Emit posts the event to every active subscription listening for it.
// It returns immediately; deliveries and retries happen in the
// background.
func (d *Dispatcher) Emit(event string, data map[string]any) {
	subs, err := d.store.Subscribers(event)
	if err != nil {
		d.log.Error("list webhook subscribers", zap.String("event", event), zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}
	body, err := json.Marshal(Event{Event: event, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		d.log.Error("encode webhook event", zap.String("event", event), zap.Error(err))
		return
	}
	for _, hook := range subs {
		d.wg.Add(1)
		go func(h Webhook) {
			defer d.wg.Done()
			d.deliver(h, event, body)
		}(hook)
	}
}

func (d *Dispatcher) deliver(hook Webhook, event string, body []byte) {
	attempts := 0
	op := func() error {
		attempts++
		status, err := d.post(hook.URL, event, body, hook.Secret)
		if err != nil {
			return err
		}
		if status < 200 || status >= 300 {
			return fmt.Errorf("endpoint returned status %d", status)
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithMaxRetries(d.newBackOff(), maxDeliveryRetries))

	if recErr := d.store.RecordOutcome(hook.ID, err == nil); recErr != nil {
		d.log.Warn("record webhook outcome", zap.String("id", hook.ID), zap.Error(recErr))
	}
	if d.onResult != nil {
		d.onResult(event, err == nil)
	}
	if err != nil {
		d.log.Warn("webhook delivery failed",
			zap.String("id", hook.ID),
			zap.String("url", hook.URL),
			zap.String("event", event),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return
	}
	d.log.Debug("webhook delivered",
		zap.String("id", hook.ID),
		zap.String("event", event),
		zap.Int("attempts", attempts))
}

func (d *Dispatcher) post(url, event string, body []byte, secret string) (int, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Maestro-Event", event)
	req.Header.Set("X-Maestro-Signature", signPayload(body, secret))
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// TestResult reports the outcome of a manual test delivery.
type TestResult struct {
	Success bool   `json:"success"`
	Status  int    `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Test sends a single webhook.test event to the subscription and
// reports how the endpoint answered. No retries.
func (d *Dispatcher) Test(ctx context.Context, id string) (*TestResult, error) {
	hook, err := d.store.Get(id)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(Event{
		Event:     EventTest,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"webhookId": hook.ID, "message": "test delivery"},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Maestro-Event", EventTest)
	req.Header.Set("X-Maestro-Signature", signPayload(body, hook.Secret))

	resp, err := d.client.Do(req)
	if err != nil {
		_ = d.store.RecordOutcome(hook.ID, false)
		return &TestResult{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if recErr := d.store.RecordOutcome(hook.ID, ok); recErr != nil {
		d.log.Warn("record webhook outcome", zap.String("id", hook.ID), zap.Error(recErr))
	}
	res := &TestResult{Success: ok, Status: resp.StatusCode}
	if !ok {
		res.Error = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	}
	return res, nil
}

// Drain blocks until in-flight deliveries finish or the timeout hits.
func (d *Dispatcher) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		d.log.Warn("webhook drain timed out", zap.Duration("timeout", timeout))
	}
}

// signPayload computes the signature subscribers verify, hex encoded
// with a sha256= prefix.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
