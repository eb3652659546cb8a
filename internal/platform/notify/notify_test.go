package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *recordingNotifier) Notify(context.Context, uuid.UUID, int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func TestSignPayload_Verify(t *testing.T) {
	payload := []byte(`{"version":3}`)
	sig := SignPayload(payload, "s3cret")
	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("expected signature to verify")
	}
	if !VerifySignature(payload, "s3cret", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature([]byte(`{"version":4}`), "s3cret", sig) {
		t.Error("expected tampered payload to fail")
	}
}

func TestWebhook_DeliversSignedEvent(t *testing.T) {
	pid := uuid.New()
	var got Event
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		if !VerifySignature(body, "s3cret", sig) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL, Secret: "s3cret"})
	if err := wh.Notify(context.Background(), pid, 7); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.PatientID != pid || got.Version != 7 || got.Type != EventSummaryUpdated {
		t.Errorf("unexpected event: %+v", got)
	}
	if sig == "" {
		t.Error("expected signature header")
	}
}

func TestWebhook_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL})
	if err := wh.Notify(context.Background(), uuid.New(), 1); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL, RetryCount: 2})
	if err := wh.Notify(context.Background(), uuid.New(), 1); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("expected 2 attempts, got %d", hits)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafka_KeysByPatient(t *testing.T) {
	w := &fakeWriter{}
	pid := uuid.New()
	if err := NewKafka(w).Notify(context.Background(), pid, 2); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != pid.String() {
		t.Errorf("expected key %s, got %s", pid, w.msgs[0].Key)
	}
	var ev Event
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Version != 2 {
		t.Errorf("expected version 2, got %d", ev.Version)
	}
}

func TestKafka_WrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	err := NewKafka(&fakeWriter{err: boom}).Notify(context.Background(), uuid.New(), 1)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped writer error, got %v", err)
	}
}

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

func TestSQS_SendsToQueue(t *testing.T) {
	api := &fakeSQS{}
	pid := uuid.New()
	if err := NewSQS(api, "https://sqs.local/q").Notify(context.Background(), pid, 4); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(api.inputs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(api.inputs))
	}
	in := api.inputs[0]
	if *in.QueueUrl != "https://sqs.local/q" {
		t.Errorf("unexpected queue url %s", *in.QueueUrl)
	}
	var ev Event
	if err := json.Unmarshal([]byte(*in.MessageBody), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.PatientID != pid || ev.Version != 4 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestStreamValues(t *testing.T) {
	ev := newEvent(uuid.New(), 9)
	values, err := streamValues(ev)
	if err != nil {
		t.Fatalf("streamValues: %v", err)
	}
	if values["version"] != "9" {
		t.Errorf("expected version field 9, got %v", values["version"])
	}
	if values["patient_id"] != ev.PatientID.String() {
		t.Errorf("unexpected patient_id %v", values["patient_id"])
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("down")}
	err := Multi{ok, bad}.Notify(context.Background(), uuid.New(), 1)
	if err == nil {
		t.Fatal("expected joined error")
	}
	if ok.calls != 1 || bad.calls != 1 {
		t.Errorf("expected every channel to be called once, got %d and %d", ok.calls, bad.calls)
	}
	if err := (Noop{}).Notify(context.Background(), uuid.New(), 1); err != nil {
		t.Errorf("noop returned %v", err)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &recordingNotifier{err: errors.New("down")}
	b := NewBreaker("test", inner, BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		if err := b.Notify(context.Background(), uuid.New(), 1); err == nil {
			t.Fatalf("call %d: expected failure", i+1)
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", b.State())
	}

	err := b.Notify(context.Background(), uuid.New(), 1)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("expected open breaker to skip the channel, got %d calls", inner.calls)
	}
}
