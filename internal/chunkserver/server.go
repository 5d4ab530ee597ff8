// Package chunkserver implements the peer's chunk server: it serves GET SEG
// byte-range reads of locally hosted files out of a peer's folder.
package chunkserver

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"bittorrentclient/internal/wire"
)

// DefaultMaxChunkSize is the largest chunk_size a GET SEG request may ask
// for before the server refuses with <GET invalid>.
const DefaultMaxChunkSize = 1024

// Server serves GET SEG requests against files in Dir.
type Server struct {
	Dir          string
	MaxChunkSize int
	Log          *logrus.Logger

	listener net.Listener
}

// New constructs a Server rooted at dir.
func New(dir string) *Server {
	return &Server{
		Dir:          dir,
		MaxChunkSize: DefaultMaxChunkSize,
		Log:          logrus.StandardLogger(),
	}
}

// Listen binds a TCP listener starting at startPort, incrementing on
// "address already in use" until a free port is found, and returns the
// bound port.
func (s *Server) Listen(host string, startPort int) (int, error) {
	port := startPort
	for {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			s.listener = ln
			return ln.Addr().(*net.TCPAddr).Port, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return 0, err
		}
		port++
	}
}

// Serve accepts connections until the listener is closed by Stop.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener, causing Serve to return. It does not wait for
// in-flight handlers; each finishes its current request on its own.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, wire.DefaultMaxMessageLength+1)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	line := strings.TrimRight(string(buf[:n]), "\r\n")

	req, err := wire.ParseRequest([]byte(line))
	if err != nil {
		conn.Write(wire.ExceptionResponse(wire.KindBadRequest, "failed to parse request"))
		return
	}

	if req.Command != "get" || len(req.Args) != 4 || req.Args[0] != "SEG" {
		conn.Write(wire.ExceptionResponse(wire.KindBadRequest, "expected GET SEG"))
		return
	}

	s.handleGetSeg(conn, req.Args[1], req.Args[2], req.Args[3])
}

func (s *Server) handleGetSeg(conn net.Conn, fname string, startStr string, chunkStr string) {
	chunkSize, err := strconv.Atoi(chunkStr)
	if err != nil {
		conn.Write(wire.ExceptionResponse(wire.KindBadRequest, "invalid chunk_size"))
		return
	}
	if chunkSize > s.MaxChunkSize {
		conn.Write(wire.GetInvalidResponse())
		return
	}

	startByte, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		conn.Write(wire.ExceptionResponse(wire.KindBadRequest, "invalid start_byte"))
		return
	}

	logPath := filepath.Join(s.Dir, fname+".log")
	if _, err := os.Stat(logPath); err != nil {
		conn.Write(wire.ExceptionResponse(wire.KindNotHostingFile, "no log file for "+fname))
		return
	}

	path := filepath.Join(s.Dir, fname)
	f, err := os.Open(path)
	if err != nil {
		s.Log.WithError(err).WithField("file", fname).Warn("chunk read failed")
		conn.Write(wire.ExceptionResponse(wire.KindFileException, "could not open "+fname))
		return
	}
	defer f.Close()

	if _, err := f.Seek(startByte, 0); err != nil {
		conn.Write(wire.ExceptionResponse(wire.KindFileException, "seek failed"))
		return
	}

	payload := make([]byte, chunkSize)
	n, err := io.ReadFull(f, payload)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		conn.Write(wire.ExceptionResponse(wire.KindFileException, "read failed"))
		return
	}

	conn.Write(wire.GetGotResponse(payload[:n]))
}
