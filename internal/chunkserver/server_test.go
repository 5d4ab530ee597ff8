package chunkserver

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeHostedFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".log"), []byte(fmt.Sprintf("0:%d\n", len(data))), 0o644); err != nil {
		t.Fatal(err)
	}
}

func startChunkServer(t *testing.T, dir string) string {
	t.Helper()
	s := New(dir)
	port, err := s.Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s.Serve()
	t.Cleanup(func() { s.Stop() })
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func sendGetSeg(t *testing.T, addr, fname string, start, chunk int) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "<GET SEG %s %d %d>", fname, start, chunk)

	var sb strings.Builder
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		sb.WriteString(sc.Text())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func TestGetSegServesPayload(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("x"), 3000)
	writeHostedFile(t, dir, "movie.mp4", data)

	addr := startChunkServer(t, dir)
	resp := sendGetSeg(t, addr, "movie.mp4", 0, 1024)

	lines := strings.SplitN(resp, "\n", 2)
	if lines[0] != "<GET GOT 1024>" {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lines[1]))
	if err != nil {
		t.Fatalf("base64 decode: %v", err)
	}
	if !bytes.Equal(payload, data[:1024]) {
		t.Fatalf("payload mismatch")
	}
}

func TestGetSegShortReadAtEOF(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("y"), 500)
	writeHostedFile(t, dir, "small.bin", data)

	addr := startChunkServer(t, dir)
	resp := sendGetSeg(t, addr, "small.bin", 0, 1024)

	if !strings.HasPrefix(resp, "<GET GOT 500>") {
		t.Fatalf("expected short read of 500 bytes, got %q", resp)
	}
}

func TestGetSegRejectsOversizedChunk(t *testing.T) {
	dir := t.TempDir()
	writeHostedFile(t, dir, "f.bin", []byte("data"))

	addr := startChunkServer(t, dir)
	resp := sendGetSeg(t, addr, "f.bin", 0, 99999)

	if !strings.Contains(resp, "<GET invalid>") {
		t.Fatalf("expected invalid response, got %q", resp)
	}
}

func TestGetSegNotHostingFile(t *testing.T) {
	dir := t.TempDir()
	addr := startChunkServer(t, dir)

	resp := sendGetSeg(t, addr, "ghost.bin", 0, 10)
	if !strings.Contains(resp, "NotHostingFile") {
		t.Fatalf("expected NotHostingFile exception, got %q", resp)
	}
}
