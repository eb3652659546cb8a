package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/ehr/summary/internal/domain/summary"
	"github.com/ehr/summary/internal/platform/extractor"
)

// fakeReader serves queued messages, then blocks until ctx is cancelled.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReader) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

type fakeProcessor struct {
	mu     sync.Mutex
	calls  int
	result func(call int, ev summary.DocumentProcessed) (*summary.Result, error)
	done   chan struct{}
	target int
}

func (f *fakeProcessor) ProcessDocument(_ context.Context, ev summary.DocumentProcessed) (*summary.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	res, err := f.result(call, ev)
	if call == f.target {
		close(f.done)
	}
	return res, err
}

func eventMessage(t *testing.T, offset int64) kafka.Message {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"patientId":         uuid.New(),
		"documentId":        uuid.New(),
		"documentType":      "lab_report",
		"extractedEntities": map[string]interface{}{"diagnoses": []string{"Asthma"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Offset: offset, Value: body}
}

func merged(version int) *summary.Result {
	return &summary.Result{Summary: &summary.PatientSummary{Version: version}}
}

func runUntil(t *testing.T, c *Consumer, done <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processor was not called in time")
	}
	// Let the commit land before stopping.
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestConsumer_CommitsMergedAndDuplicate(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{eventMessage(t, 1), eventMessage(t, 2)}}
	p := &fakeProcessor{done: make(chan struct{}), target: 2, result: func(call int, _ summary.DocumentProcessed) (*summary.Result, error) {
		if call == 2 {
			return &summary.Result{Summary: &summary.PatientSummary{Version: 1}, Report: summary.MergeReport{Duplicate: true}}, nil
		}
		return merged(1), nil
	}}

	runUntil(t, NewConsumer(r, p, zerolog.Nop(), nil), p.done)

	if got := r.commits(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected offsets 1 and 2 committed, got %v", got)
	}
	if !r.closed {
		t.Error("expected reader to be closed")
	}
}

func TestConsumer_CommitsPermanentFailure(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{eventMessage(t, 7)}}
	p := &fakeProcessor{done: make(chan struct{}), target: 1, result: func(int, summary.DocumentProcessed) (*summary.Result, error) {
		return nil, summary.ErrDocumentNotFound
	}}

	runUntil(t, NewConsumer(r, p, zerolog.Nop(), nil), p.done)

	if got := r.commits(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("expected rejected offset committed, got %v", got)
	}
}

func TestConsumer_CommitsUnextractableDocument(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{eventMessage(t, 8), eventMessage(t, 9)}}
	p := &fakeProcessor{done: make(chan struct{}), target: 2, result: func(call int, _ summary.DocumentProcessed) (*summary.Result, error) {
		if call == 1 {
			return nil, fmt.Errorf("extract entities from doc: %w", extractor.ErrEmptyDocument)
		}
		return merged(1), nil
	}}
	c := NewConsumer(r, p, zerolog.Nop(), nil)
	c.minBackoff = time.Hour

	runUntil(t, c, p.done)

	if got := r.commits(); len(got) != 2 || got[0] != 8 || got[1] != 9 {
		t.Fatalf("expected the empty document settled and the next one merged, got %v", got)
	}
	if p.calls != 2 {
		t.Errorf("expected no retry of the empty document, got %d calls", p.calls)
	}
}

func TestConsumer_MalformedMessageIsCommitted(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Offset: 3, Value: []byte("not json")}, eventMessage(t, 4)}}
	p := &fakeProcessor{done: make(chan struct{}), target: 1, result: func(int, summary.DocumentProcessed) (*summary.Result, error) {
		return merged(1), nil
	}}

	runUntil(t, NewConsumer(r, p, zerolog.Nop(), nil), p.done)

	if got := r.commits(); len(got) != 2 || got[0] != 3 {
		t.Fatalf("expected malformed offset committed first, got %v", got)
	}
	if p.calls != 1 {
		t.Errorf("expected malformed event to skip processing, got %d calls", p.calls)
	}
}

func TestConsumer_RetriesTransientFailureBeforeCommit(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{eventMessage(t, 9)}}
	p := &fakeProcessor{done: make(chan struct{}), target: 3, result: func(call int, _ summary.DocumentProcessed) (*summary.Result, error) {
		if call < 3 {
			return nil, summary.ErrRetriesExhausted
		}
		return merged(2), nil
	}}
	c := NewConsumer(r, p, zerolog.Nop(), nil)
	c.minBackoff = time.Millisecond
	c.maxBackoff = 2 * time.Millisecond

	runUntil(t, c, p.done)

	if got := r.commits(); len(got) != 1 || got[0] != 9 {
		t.Fatalf("expected a single commit after the retry succeeded, got %v", got)
	}
}

func TestConsumer_CancelDuringRetryDoesNotCommit(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{eventMessage(t, 11)}}
	p := &fakeProcessor{done: make(chan struct{}), target: 1, result: func(int, summary.DocumentProcessed) (*summary.Result, error) {
		return nil, errors.New("connection reset")
	}}
	c := NewConsumer(r, p, zerolog.Nop(), nil)
	c.minBackoff = time.Hour

	runUntil(t, c, p.done)

	if got := r.commits(); len(got) != 0 {
		t.Fatalf("expected no commit for an unsettled message, got %v", got)
	}
}
