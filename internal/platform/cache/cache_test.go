package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/summary/internal/domain/summary"
)

type memKV struct {
	mu       sync.Mutex
	data     map[string]string
	versions map[string]int
	ttls     map[string]time.Duration
	err      error
}

func newMemKV() *memKV {
	return &memKV{data: map[string]string{}, versions: map[string]int{}, ttls: map[string]time.Duration{}}
}

func (m *memKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.data[key]
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

func (m *memKV) SetIfNewer(_ context.Context, key string, version int, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if cur, ok := m.versions[key]; ok && cur >= version {
		return false, nil
	}
	m.data[key] = value
	m.versions[key] = version
	m.ttls[key] = ttl
	return true, nil
}

func (m *memKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	delete(m.versions, key)
	return m.err
}

func TestSummaries_MissThenHit(t *testing.T) {
	kv := newMemKV()
	c := NewSummaries(kv, "", 30*time.Second)
	pid := uuid.New()

	if _, err := c.Get(context.Background(), pid); !errors.Is(err, summary.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on miss, got %v", err)
	}

	if err := c.Set(context.Background(), &summary.PatientSummary{PatientID: pid, Version: 3}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(context.Background(), pid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 3 {
		t.Errorf("expected version 3, got %d", got.Version)
	}
	if kv.ttls["summary:"+pid.String()] != 30*time.Second {
		t.Errorf("expected TTL to be applied")
	}
}

func TestSummaries_SetKeepsNewestVersion(t *testing.T) {
	c := NewSummaries(newMemKV(), "", 0)
	pid := uuid.New()
	ctx := context.Background()

	c.Set(ctx, &summary.PatientSummary{PatientID: pid, Version: 1})
	c.Set(ctx, &summary.PatientSummary{PatientID: pid, Version: 2})
	// A reader that loaded version 1 before the commit fills late.
	c.Set(ctx, &summary.PatientSummary{PatientID: pid, Version: 1})

	got, err := c.Get(ctx, pid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2 to survive a late fill, got %d", got.Version)
	}
}

func TestSummaries_Invalidate(t *testing.T) {
	c := NewSummaries(newMemKV(), "p:", 0)
	pid := uuid.New()
	c.Set(context.Background(), &summary.PatientSummary{PatientID: pid, Version: 1})

	if err := c.Invalidate(context.Background(), pid); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := c.Get(context.Background(), pid); !errors.Is(err, summary.ErrNotFound) {
		t.Fatalf("expected miss after invalidate, got %v", err)
	}
}

func TestSummaries_CorruptEntryIsMiss(t *testing.T) {
	kv := newMemKV()
	c := NewSummaries(kv, "", 0)
	pid := uuid.New()
	kv.data["summary:"+pid.String()] = "{not json"

	if _, err := c.Get(context.Background(), pid); !errors.Is(err, summary.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, ok := kv.data["summary:"+pid.String()]; ok {
		t.Error("expected corrupt entry to be deleted")
	}
}

func TestSummaries_BackendError(t *testing.T) {
	kv := newMemKV()
	kv.err = errors.New("connection refused")
	c := NewSummaries(kv, "", 0)
	_, err := c.Get(context.Background(), uuid.New())
	if err == nil || errors.Is(err, summary.ErrNotFound) {
		t.Fatalf("expected backend error, got %v", err)
	}
}
