// Package refresher implements the peer's periodic self-announce: it scans
// the peer directory for progress logs and reports each file's largest
// contiguous owned range back to the tracker.
package refresher

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"bittorrentclient/internal/clock"
	"bittorrentclient/internal/downloader"
)

// Refresher scans Dir for "*.log" files every Interval and reports the
// largest contiguous range of each to the tracker.
type Refresher struct {
	Dir         string
	TrackerAddr string
	MyIP        net.IP
	MyPort      int
	Interval    time.Duration
	Clock       clock.Clock
	Log         *logrus.Logger
}

// New constructs a Refresher with sane defaults for Clock and Log.
func New(dir, trackerAddr string, myIP net.IP, myPort int, interval time.Duration) *Refresher {
	return &Refresher{
		Dir:         dir,
		TrackerAddr: trackerAddr,
		MyIP:        myIP,
		MyPort:      myPort,
		Interval:    interval,
		Clock:       clock.Real{},
		Log:         logrus.StandardLogger(),
	}
}

// Run blocks, announcing every Interval, until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.announceOnce()
		r.Clock.Sleep(r.Interval)
	}
}

func (r *Refresher) announceOnce() {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		r.Log.WithError(err).WithField("dir", r.Dir).Warn("refresher: could not list peer directory")
		return
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		fname := strings.TrimSuffix(e.Name(), ".log")
		r.announceFile(fname, filepath.Join(r.Dir, e.Name()))
	}
}

func (r *Refresher) announceFile(fname, logPath string) {
	log, err := downloader.LoadLog(logPath)
	if err != nil {
		r.Log.WithError(err).WithField("file", fname).Warn("refresher: could not read progress log")
		return
	}

	largest := downloader.LargestContiguous(log)
	end := largest.End - 1
	if end < largest.Start {
		end = largest.Start
	}

	ok, err := downloader.UpdateTracker(r.TrackerAddr, fname, largest.Start, end, r.MyIP, r.MyPort)
	if err != nil {
		r.Log.WithError(err).WithField("file", fname).Warn("refresher: updatetracker failed")
		return
	}
	if !ok {
		r.Log.WithField("file", fname).Warn("refresher: tracker rejected updatetracker")
	}
}
