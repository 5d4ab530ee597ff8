package downloader

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"bittorrentclient/internal/clock"
	"bittorrentclient/internal/sink"
)

// Event is a message delivered on the Manager's event channel: either a
// freshly written tracker record to start downloading, or a shutdown
// request.
type Event struct {
	NewTrackerFile string // "<fname>.track", set for a NEW event
	Exit           bool
}

// Manager owns the set of in-flight per-file Downloaders for one peer
// directory, spawning one reconciliation task per shared file and tearing
// them all down cooperatively on EXIT.
type Manager struct {
	Dir         string
	TrackerAddr string
	MyIP        net.IP
	MyPort      int
	Clock       clock.Clock
	Log         *logrus.Logger
	Sink        sink.Sink

	Events chan Event

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager constructs a Manager. Call Run to bootstrap and start serving
// events; it blocks until an Exit event is received or ctx is cancelled.
func NewManager(dir, trackerAddr string, myIP net.IP, myPort int) *Manager {
	return &Manager{
		Dir:         dir,
		TrackerAddr: trackerAddr,
		MyIP:        myIP,
		MyPort:      myPort,
		Clock:       clock.Real{},
		Log:         logrus.StandardLogger(),
		Events:      make(chan Event, 16),
		active:      make(map[string]context.CancelFunc),
	}
}

// Run enumerates existing *.track files whose canonical file is absent and
// starts a download worker for each, then serves the event channel until
// Exit or ctx cancellation. It returns once every spawned worker has
// finished.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".track") {
			continue
		}
		m.maybeStart(ctx, e.Name())
	}

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return ctx.Err()
		case ev := <-m.Events:
			if ev.Exit {
				cancel()
				m.wg.Wait()
				return nil
			}
			if ev.NewTrackerFile != "" {
				m.maybeStart(ctx, ev.NewTrackerFile)
			}
		}
	}
}

// maybeStart spawns a Downloader for trackFile ("<fname>.track") unless the
// canonical file already exists locally or a worker for it is already
// running.
func (m *Manager) maybeStart(ctx context.Context, trackFile string) {
	fname := strings.TrimSuffix(trackFile, ".track")

	if _, err := os.Stat(filepath.Join(m.Dir, fname)); err == nil {
		return
	}

	m.mu.Lock()
	if _, ok := m.active[fname]; ok {
		m.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	m.active[fname] = cancel
	m.mu.Unlock()

	d := &Downloader{
		Dir:         m.Dir,
		Fname:       fname,
		TrackerAddr: m.TrackerAddr,
		MyIP:        m.MyIP,
		MyPort:      m.MyPort,
		Clock:       m.Clock,
		Log:         m.Log,
		Sink:        m.Sink,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.active, fname)
			m.mu.Unlock()
		}()

		if err := d.Run(taskCtx); err != nil && taskCtx.Err() == nil {
			m.Log.WithError(err).WithField("file", fname).Warn("download task ended with error")
		}
	}()
}
