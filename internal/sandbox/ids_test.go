package sandbox

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestNewVMIDFormat(t *testing.T) {
	t.Parallel()

	id := newVMID(time.UnixMilli(1_700_000_000_123))
	if !regexp.MustCompile(`^fc-1700000000123-[0-9a-f]{8}$`).MatchString(id) {
		t.Fatalf("unexpected vm id %q", id)
	}
}

func TestNewSnapshotIDUsesTypeIDPrefix(t *testing.T) {
	t.Parallel()

	if id := NewSnapshotID(); !strings.HasPrefix(id, "snap_") {
		t.Fatalf("expected snap_ prefix, got %q", id)
	}
}

func TestNewIDFallsBackWhenTypeIDFails(t *testing.T) {
	original := generateTypeID
	generateTypeID = func(string) (string, error) { return "", errors.New("boom") }
	t.Cleanup(func() { generateTypeID = original })

	if id := newID("snap"); !strings.HasPrefix(id, "snap-") {
		t.Fatalf("expected fallback id, got %q", id)
	}
}
