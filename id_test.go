package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	// Generate multiple IDs
	id1 := NewID()
	time.Sleep(1 * time.Millisecond)
	id2 := NewID()

	// Both should be valid UUIDs
	if !IsValidID(id1) {
		t.Errorf("NewID() generated invalid ID: %s", id1)
	}
	if !IsValidID(id2) {
		t.Errorf("NewID() generated invalid ID: %s", id2)
	}

	if id1 == id2 {
		t.Error("NewID() generated duplicate IDs")
	}

	// UUIDv7 should be lexicographically sortable by time
	if id1 > id2 {
		t.Error("UUIDv7 not time-ordered: id1 should be < id2")
	}

	parsed, err := uuid.Parse(id1)
	if err != nil {
		t.Fatalf("uuid.Parse failed: %v", err)
	}
	if parsed.Version() != 7 {
		t.Errorf("Expected UUIDv7, got version %d", parsed.Version())
	}
}

func TestIsValidID(t *testing.T) {
	testCases := []struct {
		id    string
		valid bool
	}{
		{NewID(), true},
		{uuid.New().String(), true},
		{"invalid", false},
		{"", false},
		{"123", false},
		{"00000000-0000-0000-0000-000000000000", true}, // Nil UUID is technically valid
	}

	for _, tc := range testCases {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func BenchmarkNewID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		NewID()
	}
}
