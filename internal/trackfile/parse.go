package trackfile

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	keyFilename    = "Filename"
	keyFilesize    = "Filesize"
	keyDescription = "Description"
	keyMD5         = "MD5"
)

var metadataKeys = []string{keyFilename, keyFilesize, keyDescription, keyMD5}

// Parse reads a .track file body (metadata lines followed by peer lines,
// '#'-prefixed comments ignored) into a Record.
func Parse(r io.Reader) (*Record, error) {
	metadata := make(map[string]string)
	type peerLine struct {
		key   PeerKey
		entry PeerEntry
	}
	var peerLines []peerLine
	seenPeer := make(map[PeerKey]PeerEntry)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		first := rune(line[0])
		switch {
		case isAlpha(first):
			attr, val, err := parseMetadataLine(line)
			if err != nil {
				return nil, err
			}
			if prev, ok := metadata[attr]; ok && prev != val {
				return nil, &MalformedError{Reason: fmt.Sprintf("duplicate metadata for %q", attr)}
			}
			metadata[attr] = val

		case isDigit(first):
			key, entry, err := parsePeerLine(line)
			if err != nil {
				return nil, err
			}
			if prev, ok := seenPeer[key]; ok {
				if prev != entry {
					return nil, &MalformedError{Reason: fmt.Sprintf("duplicate peer entry for %s", key)}
				}
				continue
			}
			seenPeer[key] = entry
			peerLines = append(peerLines, peerLine{key: key, entry: entry})

		default:
			return nil, &MalformedError{Reason: fmt.Sprintf("unrecognised line: %q", line)}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for _, k := range metadataKeys {
		if _, ok := metadata[k]; !ok {
			return nil, &MalformedError{Reason: fmt.Sprintf("missing metadata for %q", k)}
		}
	}

	filesize, err := strconv.ParseInt(metadata[keyFilesize], 10, 64)
	if err != nil {
		return nil, &MalformedError{Reason: fmt.Sprintf("Filesize must be an integer, not %q", metadata[keyFilesize])}
	}

	record, err := New(metadata[keyFilename], filesize, metadata[keyDescription], metadata[keyMD5])
	if err != nil {
		return nil, err
	}

	for _, pl := range peerLines {
		record.peers[pl.key] = pl.entry
	}

	return record, nil
}

func isAlpha(c rune) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c rune) bool { return c >= '0' && c <= '9' }

func parseMetadataLine(line string) (attr string, value string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", &MalformedError{Reason: "invalid metadata line, missing ':'"}
	}

	attr = line[:idx]
	value = strings.TrimSpace(line[idx+1:])

	valid := false
	for _, k := range metadataKeys {
		if k == attr {
			valid = true
			break
		}
	}
	if !valid {
		return "", "", &MalformedError{Reason: fmt.Sprintf("not a recognised metadata field: %q", attr)}
	}

	if attr == keyMD5 {
		value = strings.ToLower(value)
		if !reMD5.MatchString(value) {
			return "", "", &MalformedError{Reason: fmt.Sprintf("MD5 must match ^[0-9a-f]{32}$, got %q", value)}
		}
	}

	return attr, value, nil
}

func parsePeerLine(line string) (PeerKey, PeerEntry, error) {
	parts := strings.SplitN(line, ":", 5)
	if len(parts) != 5 {
		return PeerKey{}, PeerEntry{}, &MalformedError{
			Reason: fmt.Sprintf("wrong number of peer line components, expected 5, got %d", len(parts)),
		}
	}

	ip := net.ParseIP(strings.TrimSpace(parts[0]))
	if ip == nil || ip.To4() == nil {
		return PeerKey{}, PeerEntry{}, &MalformedError{Reason: fmt.Sprintf("invalid IPv4 address: %q", parts[0])}
	}

	port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return PeerKey{}, PeerEntry{}, &MalformedError{Reason: fmt.Sprintf("invalid port: %q", parts[1])}
	}
	start, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
	if err != nil {
		return PeerKey{}, PeerEntry{}, &MalformedError{Reason: fmt.Sprintf("invalid start byte: %q", parts[2])}
	}
	end, err := strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64)
	if err != nil {
		return PeerKey{}, PeerEntry{}, &MalformedError{Reason: fmt.Sprintf("invalid end byte: %q", parts[3])}
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(parts[4]), 10, 64)
	if err != nil {
		return PeerKey{}, PeerEntry{}, &MalformedError{Reason: fmt.Sprintf("invalid timestamp: %q", parts[4])}
	}

	key, kerr := keyFor(ip, port)
	if kerr != nil {
		return PeerKey{}, PeerEntry{}, kerr
	}

	return key, PeerEntry{Start: start, End: end, LastSeen: time.Unix(sec, 0).UTC()}, nil
}

// WriteTo emits the Record in .track file format: four metadata lines
// followed by one peer line per entry.
func (r *Record) WriteTo(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lines := []string{
		fmt.Sprintf("%s: %s", keyFilename, r.filename),
		fmt.Sprintf("%s: %d", keyFilesize, r.filesize),
		fmt.Sprintf("%s: %s", keyDescription, r.description),
		fmt.Sprintf("%s: %s", keyMD5, r.md5),
	}
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}

	keys := make([]PeerKey, 0, len(r.peers))
	for k := range r.peers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, k := range keys {
		e := r.peers[k]
		line := fmt.Sprintf("%s:%d:%d:%d:%d", net.IP(k.IP[:]).String(), k.Port, e.Start, e.End, e.LastSeen.Unix())
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// String renders the Record in .track file format.
func (r *Record) String() string {
	var b strings.Builder
	_ = r.WriteTo(&b)
	return b.String()
}
