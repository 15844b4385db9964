package store

import (
	"regexp"
	"strings"
	"testing"
)

// The claim query runs concurrently in several relays against the shared
// event_outbox table. FOR UPDATE SKIP LOCKED means a sibling claimed by
// another relay can still appear as ready-pending in this transaction's
// snapshot, so the sibling guard must block on status alone. A guard qualified
// by next_attempt_at or processing_started_at lets a second relay publish a
// later entry for the same aggregate first.
func TestClaimPublishableGuardBlocksAllUnpublishedSiblings(t *testing.T) {
	guardStart := strings.Index(claimPublishableSQL, "NOT EXISTS")
	if guardStart < 0 {
		t.Fatal("claim query lost its sibling guard")
	}
	guardEnd := strings.Index(claimPublishableSQL[guardStart:], "ORDER BY")
	if guardEnd < 0 {
		t.Fatal("claim query lost its ordering clause")
	}
	guard := claimPublishableSQL[guardStart : guardStart+guardEnd]

	normalized := regexp.MustCompile(`\s+`).ReplaceAllString(guard, " ")
	if !strings.Contains(normalized, "prior.status IN ('pending', 'processing')") {
		t.Fatalf("sibling guard must block on any unpublished status, got: %s", normalized)
	}
	for _, timingColumn := range []string{"next_attempt_at", "processing_started_at"} {
		if strings.Contains(guard, timingColumn) {
			t.Fatalf("sibling guard must not be timing-qualified, found %s in: %s", timingColumn, normalized)
		}
	}

	// Published and dead-lettered siblings must not block; a permanently
	// parked aggregate would otherwise never drain past a dead letter.
	for _, exempt := range []string{"'published'", "'dead_letter'"} {
		if strings.Contains(guard, exempt) {
			t.Fatalf("sibling guard must exempt %s siblings, got: %s", exempt, normalized)
		}
	}
}

func TestClaimPublishableReclaimsStaleProcessing(t *testing.T) {
	candidateEnd := strings.Index(claimPublishableSQL, "NOT EXISTS")
	if candidateEnd < 0 {
		t.Fatal("claim query lost its sibling guard")
	}
	candidate := claimPublishableSQL[:candidateEnd]
	if !strings.Contains(candidate, "o.status = 'processing' AND o.processing_started_at <") {
		t.Fatalf("claim query must reclaim stale processing entries, got: %s", candidate)
	}
}
