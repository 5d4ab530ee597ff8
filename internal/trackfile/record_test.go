package trackfile

import (
	"net"
	"strings"
	"testing"
	"time"
)

func mustRecord(t *testing.T, filesize int64) *Record {
	t.Helper()
	r, err := New("foo.bin", filesize, "hello", "5d41402abc4b2a76b9719d911017c592")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestUpdatePeerRejectsInvalidRange(t *testing.T) {
	r := mustRecord(t, 100)
	ip := net.ParseIP("127.0.0.1")

	if err := r.UpdatePeer(ip, 11000, 0, 99, time.Now()); err != nil {
		t.Fatalf("expected valid range to be accepted: %v", err)
	}
	if err := r.UpdatePeer(ip, 11000, 0, 100, time.Now()); err == nil {
		t.Fatalf("expected end >= filesize to be rejected")
	}
	if err := r.UpdatePeer(ip, 11000, 5, 4, time.Now()); err == nil {
		t.Fatalf("expected start > end to be rejected")
	}
}

func TestUpdatePeerIdempotentKey(t *testing.T) {
	r := mustRecord(t, 100)
	ip := net.ParseIP("127.0.0.1")

	_ = r.UpdatePeer(ip, 11000, 0, 10, time.Now())
	_ = r.UpdatePeer(ip, 11000, 20, 30, time.Now())

	peers := r.Peers()
	if len(peers) != 1 {
		t.Fatalf("expected a repeated key to replace the entry, got %d entries", len(peers))
	}
}

func TestCleanIdempotent(t *testing.T) {
	r := mustRecord(t, 100)
	ip := net.ParseIP("127.0.0.1")
	old := time.Now().Add(-2 * time.Hour)
	_ = r.UpdatePeer(ip, 11000, 0, 10, old)

	now := time.Now()
	interval := 15 * time.Minute

	first := r.Clean(now, interval)
	second := r.Clean(now, interval)

	if !first {
		t.Fatalf("expected first Clean to drop the stale peer")
	}
	if second {
		t.Fatalf("expected second Clean to be a no-op")
	}
	if len(r.Peers()) != 0 {
		t.Fatalf("expected no peers remaining")
	}
}

func TestParseSerializeRoundTrip(t *testing.T) {
	r := mustRecord(t, 5000)
	ip1 := net.ParseIP("127.0.0.1")
	ip2 := net.ParseIP("10.0.0.5")
	now := time.Now().Truncate(time.Second)

	_ = r.UpdatePeer(ip1, 11000, 0, 10, now)
	_ = r.UpdatePeer(ip2, 11001, 11, 20, now)

	var buf strings.Builder
	if err := r.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	parsed, err := Parse(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if parsed.Filename() != r.Filename() || parsed.Filesize() != r.Filesize() ||
		parsed.Description() != r.Description() || parsed.MD5() != r.MD5() {
		t.Fatalf("metadata mismatch after round trip")
	}

	peers := parsed.Peers()
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	for key, entry := range peers {
		if !entry.LastSeen.Equal(now) {
			t.Fatalf("peer %s: LastSeen mismatch: got %v want %v", key, entry.LastSeen, now)
		}
	}
}

func TestParseRejectsDuplicateMetadata(t *testing.T) {
	body := "Filename: a\nFilename: b\nFilesize: 1\nDescription: d\nMD5: 5d41402abc4b2a76b9719d911017c592\n"
	if _, err := Parse(strings.NewReader(body)); err == nil {
		t.Fatalf("expected duplicate metadata to fail")
	}
}

func TestParseRejectsBadMD5(t *testing.T) {
	body := "Filename: a\nFilesize: 1\nDescription: d\nMD5: not-hex\n"
	if _, err := Parse(strings.NewReader(body)); err == nil {
		t.Fatalf("expected bad md5 to fail")
	}
}

func TestPeersByRecencyDescending(t *testing.T) {
	r := mustRecord(t, 100)
	older := time.Now().Add(-time.Minute)
	newer := time.Now()

	_ = r.UpdatePeer(net.ParseIP("127.0.0.1"), 1, 0, 1, older)
	_ = r.UpdatePeer(net.ParseIP("127.0.0.2"), 2, 0, 1, newer)

	keys := r.PeersByRecency()
	if len(keys) != 2 {
		t.Fatalf("expected 2 peers")
	}
	if keys[0].Port != 2 {
		t.Fatalf("expected most recently seen peer first, got port %d", keys[0].Port)
	}
}
