package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

func sig(id string) domain.Signal {
	return domain.Signal{ID: id, Symbol: "BTCUSDT", Action: domain.ActionOpenLong}
}

func TestMemoryBoundedFIFO(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2, 10*time.Millisecond)

	if err := m.Enqueue(ctx, sig("a")); err != nil {
		t.Fatalf("Enqueue a: %v", err)
	}
	if err := m.Enqueue(ctx, sig("b")); err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}
	if err := m.Enqueue(ctx, sig("c")); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	for _, want := range []string{"a", "b"} {
		got, err := m.Dequeue(ctx, time.Second)
		if err != nil || got.ID != want {
			t.Fatalf("Dequeue=%v %v, expected %s", got.ID, err, want)
		}
	}
	if _, err := m.Dequeue(ctx, 10*time.Millisecond); !errors.Is(err, domain.ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestMemoryEnqueueWaitsForRoom(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1, time.Second)
	_ = m.Enqueue(ctx, sig("a"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.Dequeue(ctx, time.Second)
	}()
	if err := m.Enqueue(ctx, sig("b")); err != nil {
		t.Fatalf("Enqueue should succeed once room frees up: %v", err)
	}
}

// flakyQueue is a primary that can be switched off.
type flakyQueue struct {
	mu    sync.Mutex
	down  bool
	items []domain.Signal
}

var errDown = errors.New("connection refused")

func (q *flakyQueue) setDown(v bool) {
	q.mu.Lock()
	q.down = v
	q.mu.Unlock()
}

func (q *flakyQueue) Enqueue(ctx context.Context, s domain.Signal) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down {
		return errDown
	}
	q.items = append(q.items, s)
	return nil
}

func (q *flakyQueue) Dequeue(ctx context.Context, timeout time.Duration) (domain.Signal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down {
		return domain.Signal{}, errDown
	}
	if len(q.items) == 0 {
		return domain.Signal{}, domain.ErrQueueEmpty
	}
	s := q.items[0]
	q.items = q.items[1:]
	return s, nil
}

func (q *flakyQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down {
		return 0, errDown
	}
	return int64(len(q.items)), nil
}

func newFallback(primary domain.SignalQueue) *Fallback {
	return NewFallback(primary, NewMemory(8, 10*time.Millisecond), 50*time.Millisecond,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFallbackDegradesAndRecovers(t *testing.T) {
	ctx := context.Background()
	primary := &flakyQueue{}
	f := newFallback(primary)

	r, err := f.Submit(ctx, sig("a"))
	if err != nil || r.Backend != BackendRedis || r.Degraded {
		t.Fatalf("healthy submit: %+v %v", r, err)
	}

	primary.setDown(true)
	r, err = f.Submit(ctx, sig("b"))
	if err != nil || r.Backend != BackendMemory || !r.Degraded {
		t.Fatalf("degraded submit: %+v %v", r, err)
	}
	if !f.Degraded() {
		t.Fatalf("expected degraded flag")
	}

	// memory first, then the primary once it is back
	got, err := f.Dequeue(ctx, 10*time.Millisecond)
	if err != nil || got.ID != "b" {
		t.Fatalf("expected memory backlog first, got %v %v", got.ID, err)
	}
	if _, err := f.Dequeue(ctx, 10*time.Millisecond); !errors.Is(err, domain.ErrQueueEmpty) {
		t.Fatalf("primary down and memory empty: got %v", err)
	}

	primary.setDown(false)
	got, err = f.Dequeue(ctx, 10*time.Millisecond)
	if err != nil || got.ID != "a" {
		t.Fatalf("expected primary signal, got %v %v", got.ID, err)
	}
	if f.Degraded() {
		t.Fatalf("expected recovery to clear the degraded flag")
	}
}

func TestFallbackWithoutPrimary(t *testing.T) {
	ctx := context.Background()
	f := newFallback(nil)
	r, err := f.Submit(ctx, sig("a"))
	if err != nil || r.Backend != BackendMemory || r.Degraded {
		t.Fatalf("memory-only submit: %+v %v", r, err)
	}
	if n, _ := f.Len(ctx); n != 1 {
		t.Fatalf("Len=%d", n)
	}
}

func TestFallbackRejectsWhenEverythingIsFull(t *testing.T) {
	ctx := context.Background()
	primary := &flakyQueue{down: true}
	f := NewFallback(primary, NewMemory(1, 0), 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := f.Submit(ctx, sig("a")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := f.Submit(ctx, sig("b")); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

// corruptQueue returns its raw payloads through the same decode path the
// Redis queue uses.
type corruptQueue struct {
	flakyQueue
	raw []string
}

func (q *corruptQueue) Dequeue(ctx context.Context, timeout time.Duration) (domain.Signal, error) {
	q.mu.Lock()
	if len(q.raw) > 0 {
		raw := q.raw[0]
		q.raw = q.raw[1:]
		q.mu.Unlock()
		var s domain.Signal
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return domain.Signal{}, fmt.Errorf("decode signal: %w", &domain.PayloadError{Raw: raw, Err: err})
		}
		return s, nil
	}
	q.mu.Unlock()
	return q.flakyQueue.Dequeue(ctx, timeout)
}

func TestFallbackUndecodablePayloadIsNotAnOutage(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	primary := &corruptQueue{raw: []string{`{"id":"x","symbol":`}}
	primary.items = []domain.Signal{sig("good")}
	f := NewFallback(primary, NewMemory(8, 10*time.Millisecond), 50*time.Millisecond,
		slog.New(slog.NewTextHandler(&logs, nil)))

	_, err := f.Dequeue(ctx, 10*time.Millisecond)
	if !errors.Is(err, domain.ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty for a bad payload, got %v", err)
	}
	if f.Degraded() {
		t.Fatalf("a decode failure must not mark the primary degraded")
	}
	if !strings.Contains(logs.String(), `{\"id\":\"x\",\"symbol\":`) {
		t.Fatalf("raw payload missing from log: %s", logs.String())
	}

	got, err := f.Dequeue(ctx, 10*time.Millisecond)
	if err != nil || got.ID != "good" {
		t.Fatalf("Dequeue=%v %v, expected good", got.ID, err)
	}

	r, err := f.Submit(ctx, sig("next"))
	if err != nil || r.Degraded || r.Backend != BackendRedis {
		t.Fatalf("Submit after a bad payload=%+v %v", r, err)
	}
}
