package trackerserver

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"bittorrentclient/internal/trackfile"
	"bittorrentclient/internal/wire"
)

func startTestServer(t *testing.T) (addr string, dir string) {
	t.Helper()
	dir = t.TempDir()

	srv, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { ln.Close() })

	return ln.Addr().String(), dir
}

func roundTrip(t *testing.T, addr, request string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var sb strings.Builder
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		sb.WriteString(sc.Text())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func TestCreateThenList(t *testing.T) {
	addr, _ := startTestServer(t)

	resp := roundTrip(t, addr, "<createtracker foo.bin 5 hello 5d41402abc4b2a76b9719d911017c592 127.0.0.1 11000>")
	if !strings.Contains(resp, "<createtracker succ>") {
		t.Fatalf("expected succ, got %q", resp)
	}

	resp = roundTrip(t, addr, "<REQ LIST>")
	want := "<REP LIST 1>\n<0 foo.bin 5 5d41402abc4b2a76b9719d911017c592>\n<REP LIST END>\n"
	if resp != want {
		t.Fatalf("got %q want %q", resp, want)
	}
}

func TestDuplicateCreateFails(t *testing.T) {
	addr, _ := startTestServer(t)

	roundTrip(t, addr, "<createtracker foo.bin 5 hello 5d41402abc4b2a76b9719d911017c592 127.0.0.1 11000>")
	resp := roundTrip(t, addr, "<createtracker foo.bin 5 hello 5d41402abc4b2a76b9719d911017c592 127.0.0.1 11000>")

	if !strings.Contains(resp, "<createtracker ferr>") {
		t.Fatalf("expected ferr, got %q", resp)
	}
}

func TestUpdateThenGet(t *testing.T) {
	addr, dir := startTestServer(t)

	roundTrip(t, addr, "<createtracker foo.bin 5 hello 5d41402abc4b2a76b9719d911017c592 127.0.0.1 11000>")

	resp := roundTrip(t, addr, "<updatetracker foo.bin 0 4 127.0.0.1 11001>")
	if !strings.Contains(resp, "<updatetracker succ>") {
		t.Fatalf("expected succ, got %q", resp)
	}

	resp = roundTrip(t, addr, "<GET foo.bin.track>")
	if !strings.HasPrefix(resp, "<REP GET BEGIN>\n") {
		t.Fatalf("expected REP GET BEGIN framing, got %q", resp)
	}

	body := strings.TrimPrefix(resp, "<REP GET BEGIN>\n")
	endIdx := strings.Index(body, "<REP GET END")
	if endIdx < 0 {
		t.Fatalf("missing REP GET END framing in %q", resp)
	}
	body = body[:endIdx]

	record, err := trackfile.Parse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse record body: %v", err)
	}
	if len(record.Peers()) != 2 {
		t.Fatalf("expected 2 peer entries, got %d", len(record.Peers()))
	}

	// sanity: the record is still readable straight off disk too.
	if _, err := trackfile.LoadFile(dir + "/foo.bin.track"); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
}

func TestGetUnknownFileRespondsFileNotFound(t *testing.T) {
	addr, _ := startTestServer(t)

	resp := roundTrip(t, addr, "<GET nope.track>")
	if !strings.Contains(resp, string(wire.KindFileNotFound)) {
		t.Fatalf("expected FileNotFound exception, got %q", resp)
	}
}

func TestBadCommandRespondsBadRequest(t *testing.T) {
	addr, _ := startTestServer(t)

	resp := roundTrip(t, addr, "<bogus>")
	if !strings.Contains(resp, string(wire.KindBadRequest)) {
		t.Fatalf("expected BadRequest exception, got %q", resp)
	}
}
