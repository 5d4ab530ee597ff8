package downloader

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"bittorrentclient/internal/trackfile"
	"bittorrentclient/internal/wire"
)

// dialTimeout bounds how long a single request to the tracker or a remote
// peer may take to connect. Only connection setup is bounded: reads of the
// response have no deadline, as the protocol itself defines no read timeout.
const dialTimeout = 10 * time.Second

// sendRequest opens a fresh TCP connection, writes request, reads the full
// response until the peer closes the connection, and returns it as a
// string. This mirrors the one-shot request/response style of the
// reference client: every API call is its own connection.
func sendRequest(addr string, request []byte) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.Write(request); err != nil {
		return "", err
	}

	body, err := io.ReadAll(conn)
	if err != nil && len(body) == 0 {
		return "", err
	}
	return string(body), nil
}

// FetchRecord issues <GET fname.track> against the tracker and parses the
// returned body into a Record.
func FetchRecord(trackerAddr, fname string) (*trackfile.Record, error) {
	resp, err := sendRequest(trackerAddr, wire.EncodeRequest("GET", fname+".track"))
	if err != nil {
		return nil, err
	}

	const begin = "<REP GET BEGIN>\n"
	if !strings.HasPrefix(resp, begin) {
		return nil, fmt.Errorf("unexpected tracker response: %q", resp)
	}
	body := strings.TrimPrefix(resp, begin)

	idx := strings.Index(body, "<REP GET END")
	if idx < 0 {
		return nil, fmt.Errorf("missing REP GET END framing in response: %q", resp)
	}
	body = body[:idx]

	return trackfile.Parse(strings.NewReader(body))
}

// UpdateTracker reports (start,end) ownership of fname for (myIP, myPort)
// to the tracker, returning whether it succeeded.
func UpdateTracker(trackerAddr, fname string, start, end int64, myIP net.IP, myPort int) (bool, error) {
	req := wire.EncodeRequest("updatetracker", fname,
		fmt.Sprintf("%d", start), fmt.Sprintf("%d", end), myIP.String(), fmt.Sprintf("%d", myPort))

	resp, err := sendRequest(trackerAddr, req)
	if err != nil {
		return false, err
	}
	return strings.Contains(resp, "<updatetracker succ>"), nil
}

// sendSegRequest issues a single GET SEG request to a remote peer and
// returns the byte count n announced in its "<GET GOT n>" header together
// with the base64-decoded payload that follows it.
func sendSegRequest(peerAddr string, fname string, start, size int64) (n int, payload []byte, err error) {
	conn, err := net.DialTimeout("tcp", peerAddr, dialTimeout)
	if err != nil {
		return 0, nil, err
	}
	defer conn.Close()

	req := wire.EncodeRequest("GET", "SEG", fname, fmt.Sprintf("%d", start), fmt.Sprintf("%d", size))
	if _, err := conn.Write(req); err != nil {
		return 0, nil, err
	}

	r := bufio.NewReader(conn)
	header, err := r.ReadString('\n')
	if err != nil {
		return 0, nil, err
	}
	header = strings.TrimRight(header, "\r\n")

	rest, err := io.ReadAll(r)
	if err != nil && len(rest) == 0 {
		return 0, nil, err
	}

	return wire.ParseGetGot(header, string(rest))
}
