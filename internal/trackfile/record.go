// Package trackfile implements the tracker record: its in-memory
// representation, on-disk textual format, and peer-table maintenance.
package trackfile

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

var reMD5 = regexp.MustCompile(`(?i)^[0-9a-f]{32}$`)

// MalformedError reports a structurally invalid .track file.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed tracker file: %s", e.Reason)
}

// PeerKey identifies a peer by its IPv4 address and listen port.
type PeerKey struct {
	IP   [4]byte
	Port int
}

func (k PeerKey) String() string {
	return fmt.Sprintf("%s:%d", net.IP(k.IP[:]).String(), k.Port)
}

// PeerEntry is the byte range a peer last reported owning, and when.
type PeerEntry struct {
	Start    int64
	End      int64
	LastSeen time.Time
}

// Record is the in-memory form of a .track file: one descriptor per shared
// file, plus the table of peers currently known to hold byte ranges of it.
//
// A Record is safe for concurrent use; callers needing a read-modify-write
// sequence across multiple calls (e.g. Clean then WriteTo) must still hold
// an external lock, since the on-disk file is the serialization point, not
// the in-memory struct.
type Record struct {
	mu          sync.RWMutex
	filename    string
	filesize    int64
	description string
	md5         string
	peers       map[PeerKey]PeerEntry
}

// New constructs a Record with no peers. md5 must be a 32 character lowercase
// hex digest (case-insensitive on input).
func New(filename string, filesize int64, description string, md5 string) (*Record, error) {
	if filename == "" {
		return nil, &MalformedError{Reason: "filename must not be empty"}
	}
	if filesize < 0 {
		return nil, &MalformedError{Reason: "filesize must be non-negative"}
	}
	if !reMD5.MatchString(md5) {
		return nil, &MalformedError{Reason: "md5 must be a 32 character hex string"}
	}
	md5 = strings.ToLower(md5)

	return &Record{
		filename:    filename,
		filesize:    filesize,
		description: description,
		md5:         md5,
		peers:       make(map[PeerKey]PeerEntry),
	}, nil
}

func (r *Record) Filename() string    { return r.filename }
func (r *Record) Filesize() int64     { return r.filesize }
func (r *Record) Description() string { return r.description }
func (r *Record) MD5() string         { return r.md5 }

// Peers returns a snapshot copy of the peer table.
func (r *Record) Peers() map[PeerKey]PeerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[PeerKey]PeerEntry, len(r.peers))
	for k, v := range r.peers {
		out[k] = v
	}
	return out
}

// PeersByRecency returns peer keys sorted by LastSeen descending (most
// recent first), the order nextBytes peer selection walks.
func (r *Record) PeersByRecency() []PeerKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]PeerKey, 0, len(r.peers))
	for k := range r.peers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return r.peers[keys[i]].LastSeen.After(r.peers[keys[j]].LastSeen)
	})
	return keys
}

func keyFor(ip net.IP, port int) (PeerKey, error) {
	v4 := ip.To4()
	if v4 == nil {
		return PeerKey{}, &MalformedError{Reason: fmt.Sprintf("not an IPv4 address: %s", ip)}
	}
	var k PeerKey
	copy(k.IP[:], v4)
	k.Port = port
	return k, nil
}

// UpdatePeer inserts or replaces the peer entry for (ip, port), validating
// 0 <= start <= end < filesize. now is the caller-supplied "current" time
// (see the clock collaborator), recorded as LastSeen.
func (r *Record) UpdatePeer(ip net.IP, port int, start, end int64, now time.Time) error {
	key, err := keyFor(ip, port)
	if err != nil {
		return err
	}
	if !(0 <= start && start <= end && end < r.filesize) {
		return fmt.Errorf("invalid range [%d,%d] for file of size %d", start, end, r.filesize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[key] = PeerEntry{Start: start, End: end, LastSeen: now}
	return nil
}

// RemovePeer deletes the (ip, port) entry if present, reporting whether
// anything was removed.
func (r *Record) RemovePeer(ip net.IP, port int) bool {
	key, err := keyFor(ip, port)
	if err != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[key]; !ok {
		return false
	}
	delete(r.peers, key)
	return true
}

// Clean drops every peer whose LastSeen predates now-interval, reporting
// whether anything was dropped. Idempotent: calling Clean again immediately
// after always reports false.
func (r *Record) Clean(now time.Time, interval time.Duration) bool {
	threshold := now.Add(-interval)

	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := false
	for key, entry := range r.peers {
		if entry.LastSeen.Before(threshold) {
			delete(r.peers, key)
			dropped = true
		}
	}
	return dropped
}
