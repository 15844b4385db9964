package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type memoryStore struct {
	mu      sync.Mutex
	entries []Entry

	published  []int64
	released   map[int64]int // id -> retryAfterSeconds
	held       []int64
	deadLetter map[int64]string
}

func newMemoryStore(entries ...Entry) *memoryStore {
	return &memoryStore{
		entries:    entries,
		released:   make(map[int64]int),
		deadLetter: make(map[int64]string),
	}
}

func (s *memoryStore) ClaimPublishable(_ context.Context, limit int, _ int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.entries) {
		limit = len(s.entries)
	}
	claimed := make([]Entry, limit)
	copy(claimed, s.entries[:limit])
	s.entries = s.entries[limit:]
	return claimed, nil
}

func (s *memoryStore) MarkPublished(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, id)
	return nil
}

func (s *memoryStore) Release(_ context.Context, id int64, retryAfterSeconds int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released[id] = retryAfterSeconds
	return nil
}

func (s *memoryStore) ReleaseHeld(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = append(s.held, id)
	return nil
}

func (s *memoryStore) MarkDeadLetter(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetter[id] = reason
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	sent     []string // routing keys in publish order
	failKeys map[string]error
}

func (p *recordingPublisher) Publish(_ context.Context, _, routingKey string, _ []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failKeys[routingKey]; ok {
		return err
	}
	p.sent = append(p.sent, routingKey)
	return nil
}

func entry(id int64, aggregateID uuid.UUID, routingKey string, attempts int) Entry {
	return Entry{
		ID:          id,
		AggregateID: aggregateID,
		EventID:     uuid.New(),
		EventType:   routingKey,
		Exchange:    "swiftride.events",
		RoutingKey:  routingKey,
		Payload:     []byte(`{}`),
		Attempts:    attempts,
	}
}

func TestFlushOncePublishesInCreationOrder(t *testing.T) {
	aggregate := uuid.New()
	store := newMemoryStore(
		entry(1, aggregate, "trip.requested", 1),
		entry(2, aggregate, "trip.matched", 1),
		entry(3, aggregate, "trip.accepted", 1),
	)
	publisher := &recordingPublisher{}
	dispatcher := NewDispatcher(store, publisher)

	if err := dispatcher.FlushOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"trip.requested", "trip.matched", "trip.accepted"}
	if len(publisher.sent) != len(want) {
		t.Fatalf("expected %d publishes, got %v", len(want), publisher.sent)
	}
	for i, key := range want {
		if publisher.sent[i] != key {
			t.Fatalf("expected publish order %v, got %v", want, publisher.sent)
		}
	}
	if len(store.published) != 3 {
		t.Fatalf("expected 3 entries marked published, got %v", store.published)
	}
}

func TestFlushOnceFailureBlocksLaterSiblings(t *testing.T) {
	blockedAggregate := uuid.New()
	otherAggregate := uuid.New()
	store := newMemoryStore(
		entry(1, blockedAggregate, "trip.matched", 1),
		entry(2, blockedAggregate, "trip.accepted", 1),
		entry(3, otherAggregate, "trip.requested", 1),
	)
	publisher := &recordingPublisher{failKeys: map[string]error{
		"trip.matched": errors.New("broker unavailable"),
	}}
	dispatcher := NewDispatcher(store, publisher)

	if err := dispatcher.FlushOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(publisher.sent) != 1 || publisher.sent[0] != "trip.requested" {
		t.Fatalf("expected only the other aggregate to publish, got %v", publisher.sent)
	}
	if _, ok := store.released[1]; !ok {
		t.Fatal("expected the failed entry to be released for retry")
	}
	if len(store.held) != 1 || store.held[0] != 2 {
		t.Fatalf("expected the blocked sibling to be released untouched, got %v", store.held)
	}
	if len(store.deadLetter) != 0 {
		t.Fatalf("expected no dead letters on first failure, got %v", store.deadLetter)
	}
}

func TestFlushOnceDeadLettersAfterMaxAttempts(t *testing.T) {
	aggregate := uuid.New()
	store := newMemoryStore(entry(7, aggregate, "payment.processed", 5))
	publisher := &recordingPublisher{failKeys: map[string]error{
		"payment.processed": errors.New("broker unavailable"),
	}}
	dispatcher := NewDispatcher(store, publisher, WithMaxAttempts(5))

	if err := dispatcher.FlushOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reason, ok := store.deadLetter[7]
	if !ok {
		t.Fatal("expected the entry to be dead-lettered at max attempts")
	}
	if reason != "broker unavailable" {
		t.Fatalf("expected last failure reason recorded, got %q", reason)
	}
	if len(store.released) != 0 {
		t.Fatalf("expected no retry release for a dead-lettered entry, got %v", store.released)
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		want    int
	}{
		{name: "first retry", attempt: 1, want: 2},
		{name: "second retry", attempt: 2, want: 4},
		{name: "fourth retry", attempt: 4, want: 16},
		{name: "zero attempt floors to one second", attempt: 0, want: 1},
		{name: "large attempt caps", attempt: 20, want: 256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryDelaySeconds(tt.attempt); got != tt.want {
				t.Fatalf("retryDelaySeconds(%d) = %d, want %d", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestFlushOnceRespectsBatchSize(t *testing.T) {
	aggregate := uuid.New()
	store := newMemoryStore(
		entry(1, aggregate, "trip.requested", 1),
		entry(2, uuid.New(), "trip.requested", 1),
		entry(3, uuid.New(), "trip.requested", 1),
	)
	publisher := &recordingPublisher{}
	dispatcher := NewDispatcher(store, publisher, WithBatchSize(2))

	if err := dispatcher.FlushOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(publisher.sent) != 2 {
		t.Fatalf("expected batch of 2, got %d publishes", len(publisher.sent))
	}

	if err := dispatcher.FlushOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(publisher.sent) != 3 {
		t.Fatalf("expected remaining entry on next flush, got %d publishes", len(publisher.sent))
	}
}
