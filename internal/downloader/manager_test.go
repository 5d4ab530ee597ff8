package downloader

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManagerSkipsFilesAlreadyPresent(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "already-have.bin.track"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "already-have.bin"), []byte("contents"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(dir, "127.0.0.1:1", net.ParseIP("127.0.0.1"), 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		m.Events <- Event{Exit: true}
	}()
	defer cancel()

	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	m.mu.Lock()
	active := len(m.active)
	m.mu.Unlock()
	if active != 0 {
		t.Fatalf("expected no active workers for an already-complete file, got %d", active)
	}
}

func TestManagerIgnoresDuplicateNewEvent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pending.bin.track"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Point at a tracker address that will simply refuse connections; the
	// worker will back off forever, which is fine for this test since we
	// only care about how many workers get spawned.
	m := NewManager(dir, "127.0.0.1:1", net.ParseIP("127.0.0.1"), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	m.Events <- Event{NewTrackerFile: "pending.bin.track"}
	time.Sleep(20 * time.Millisecond)

	m.mu.Lock()
	active := len(m.active)
	m.mu.Unlock()
	if active != 1 {
		t.Fatalf("expected exactly one active worker after duplicate NEW events, got %d", active)
	}

	m.Events <- Event{Exit: true}
	time.Sleep(20 * time.Millisecond)
}
