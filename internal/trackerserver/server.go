// Package trackerserver implements the central tracker: it accepts TCP
// connections, dispatches the five request kinds against a directory of
// .track files, and serialises concurrent writes to a given record with a
// per-filename mutex.
package trackerserver

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bittorrentclient/internal/clock"
	"bittorrentclient/internal/trackfile"
	"bittorrentclient/internal/wire"
)

// PeerUpdateInterval is how long a peer entry survives without a refresh
// before Clean drops it.
const PeerUpdateInterval = 15 * time.Minute

// Server dispatches tracker protocol requests against a directory of
// .track files.
type Server struct {
	Dir              string
	MaxMessageLength int
	Clock            clock.Clock
	Log              *logrus.Logger

	fileLocks sync.Map // filename -> *sync.Mutex
}

// New constructs a Server rooted at dir. dir is created if missing.
func New(dir string) (*Server, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Server{
		Dir:              dir,
		MaxMessageLength: wire.DefaultMaxMessageLength,
		Clock:            clock.Real{},
		Log:              logrus.StandardLogger(),
	}, nil
}

func (s *Server) lockFor(filename string) *sync.Mutex {
	v, _ := s.fileLocks.LoadOrStore(filename, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Server) trackPath(filename string) string {
	return filepath.Join(s.Dir, filename+".track")
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed during shutdown), handling each on its own
// goroutine.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, s.MaxMessageLength+1)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}

	if n > s.MaxMessageLength {
		conn.Write(wire.ExceptionResponse(wire.KindRequestTooLong, "maximum message length exceeded"))
		return
	}

	line := strings.TrimRight(string(buf[:n]), "\r\n")
	req, err := wire.ParseRequest([]byte(line))
	if err != nil {
		s.Log.WithError(err).Debug("bad request")
		conn.Write(wire.ExceptionResponse(wire.KindBadRequest, "failed to parse request"))
		return
	}

	switch req.Command {
	case "createtracker":
		s.handleCreateTracker(conn, req.Args)
	case "updatetracker":
		s.handleUpdateTracker(conn, req.Args)
	case "req":
		s.handleReq(conn, req.Args)
	case "get":
		s.handleGet(conn, req.Args)
	case "hello":
		conn.Write(wire.HelloResponse())
	default:
		conn.Write(wire.ExceptionResponse(wire.KindBadRequest, "no such method "+req.Command))
	}
}

func (s *Server) handleCreateTracker(conn net.Conn, args []string) {
	if len(args) != 6 {
		conn.Write(wire.CreateTrackerResponse(wire.OutcomeFailure))
		return
	}
	fname, fsizeStr, descrip, md5, ipStr, portStr := args[0], args[1], args[2], args[3], args[4], args[5]

	fsize, err := strconv.ParseInt(fsizeStr, 10, 64)
	if err != nil {
		conn.Write(wire.CreateTrackerResponse(wire.OutcomeFailure))
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		conn.Write(wire.CreateTrackerResponse(wire.OutcomeFailure))
		return
	}
	ip := net.ParseIP(ipStr)
	if ip == nil || ip.To4() == nil {
		conn.Write(wire.CreateTrackerResponse(wire.OutcomeFailure))
		return
	}

	path := s.trackPath(fname)
	lock := s.lockFor(fname)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(path); err == nil {
		conn.Write(wire.CreateTrackerResponse(wire.OutcomeNotFound))
		return
	}

	record, err := trackfile.New(fname, fsize, descrip, md5)
	if err != nil {
		conn.Write(wire.CreateTrackerResponse(wire.OutcomeFailure))
		return
	}

	if fsize > 0 {
		if err := record.UpdatePeer(ip, port, 0, fsize-1, s.Clock.Now()); err != nil {
			conn.Write(wire.CreateTrackerResponse(wire.OutcomeFailure))
			return
		}
	}

	if err := trackfile.SaveAtomic(path, record); err != nil {
		s.Log.WithError(err).Error("failed to write tracker record")
		conn.Write(wire.CreateTrackerResponse(wire.OutcomeFailure))
		return
	}

	s.Log.WithFields(logrus.Fields{"file": fname, "size": fsize}).Info("created tracker record")
	conn.Write(wire.CreateTrackerResponse(wire.OutcomeSuccess))
}

func (s *Server) handleUpdateTracker(conn net.Conn, args []string) {
	if len(args) != 5 {
		conn.Write(wire.UpdateTrackerResponse(wire.OutcomeFailure))
		return
	}
	fname, startStr, endStr, ipStr, portStr := args[0], args[1], args[2], args[3], args[4]

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		conn.Write(wire.UpdateTrackerResponse(wire.OutcomeFailure))
		return
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		conn.Write(wire.UpdateTrackerResponse(wire.OutcomeFailure))
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		conn.Write(wire.UpdateTrackerResponse(wire.OutcomeFailure))
		return
	}
	ip := net.ParseIP(ipStr)
	if ip == nil || ip.To4() == nil {
		conn.Write(wire.UpdateTrackerResponse(wire.OutcomeFailure))
		return
	}

	path := s.trackPath(fname)
	lock := s.lockFor(fname)
	lock.Lock()
	defer lock.Unlock()

	record, err := trackfile.LoadFile(path)
	if os.IsNotExist(err) {
		conn.Write(wire.UpdateTrackerResponse(wire.OutcomeNotFound))
		return
	}
	if err != nil {
		conn.Write(wire.UpdateTrackerResponse(wire.OutcomeFailure))
		return
	}

	record.Clean(s.Clock.Now(), PeerUpdateInterval)

	if err := record.UpdatePeer(ip, port, start, end, s.Clock.Now()); err != nil {
		conn.Write(wire.UpdateTrackerResponse(wire.OutcomeFailure))
		return
	}

	if err := trackfile.SaveAtomic(path, record); err != nil {
		s.Log.WithError(err).Error("failed to write tracker record")
		conn.Write(wire.UpdateTrackerResponse(wire.OutcomeFailure))
		return
	}

	conn.Write(wire.UpdateTrackerResponse(wire.OutcomeSuccess))
}

func (s *Server) handleReq(conn net.Conn, _ []string) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		conn.Write(wire.ExceptionResponse(wire.KindFileNotFound, "could not list tracker directory"))
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".track") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	list := make([]wire.ListEntry, 0, len(names))
	for _, name := range names {
		record, err := trackfile.LoadFile(filepath.Join(s.Dir, name))
		if err != nil {
			s.Log.WithError(err).WithField("file", name).Warn("skipping unreadable tracker record")
			continue
		}
		list = append(list, wire.ListEntry{
			Index:    len(list),
			Filename: record.Filename(),
			Filesize: record.Filesize(),
			MD5:      record.MD5(),
		})
	}

	conn.Write(wire.ListResponse(list))
}

func (s *Server) handleGet(conn net.Conn, args []string) {
	if len(args) != 1 || !strings.HasSuffix(args[0], ".track") {
		conn.Write(wire.ExceptionResponse(wire.KindFileNotFound, "expected a .track filename"))
		return
	}
	fname := strings.TrimSuffix(args[0], ".track")
	path := s.trackPath(fname)
	lock := s.lockFor(fname)

	lock.Lock()
	defer lock.Unlock()

	record, err := trackfile.LoadFile(path)
	if err != nil {
		conn.Write(wire.ExceptionResponse(wire.KindFileNotFound, "no such tracker record"))
		return
	}

	if record.Clean(s.Clock.Now(), PeerUpdateInterval) {
		if err := trackfile.SaveAtomic(path, record); err != nil {
			s.Log.WithError(err).Error("failed to persist cleaned tracker record")
		}
	}

	var body strings.Builder
	record.WriteTo(&body)

	r := bufio.NewWriter(conn)
	r.Write(wire.GetRecordResponse(body.String(), record.MD5()))
	r.Flush()
}
