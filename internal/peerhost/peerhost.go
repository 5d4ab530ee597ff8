// Package peerhost wires together the three concurrent tasks a running
// peer needs: the chunk server (serves bytes out), the download manager
// (pulls bytes in, one task per shared file), and the refresher (announces
// ownership periodically). It owns none of the protocol logic itself —
// only startup, wiring, and cooperative shutdown.
package peerhost

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"bittorrentclient/internal/chunkserver"
	"bittorrentclient/internal/downloader"
	"bittorrentclient/internal/refresher"
	"bittorrentclient/internal/sink"
)

// Peer owns a chunk server, a download manager, and a refresher, all
// sharing one peer directory.
type Peer struct {
	Dir         string
	TrackerAddr string
	MyIP        net.IP
	ChunkPort   int // starting port for the chunk server; it may bind higher
	Interval    time.Duration
	Log         *logrus.Logger
	Sink        sink.Sink // optional; status lines go here for a CLI or TUI to render

	chunkServer *chunkserver.Server
	manager     *downloader.Manager
	refresher   *refresher.Refresher
}

// New constructs a Peer. Dial-out address reporting (MyPort) is resolved
// once the chunk server has actually bound, since ChunkPort is only a
// starting point.
func New(dir, trackerAddr string, myIP net.IP, startPort int, interval time.Duration) *Peer {
	return &Peer{
		Dir:         dir,
		TrackerAddr: trackerAddr,
		MyIP:        myIP,
		ChunkPort:   startPort,
		Interval:    interval,
		Log:         logrus.StandardLogger(),
	}
}

// Start binds the chunk server and launches all three tasks. It returns the
// bound chunk server port so callers can report it (e.g. via createtracker)
// or log it for operators.
func (p *Peer) Start(ctx context.Context) (int, error) {
	p.chunkServer = chunkserver.New(p.Dir)
	p.chunkServer.Log = p.Log

	port, err := p.chunkServer.Listen(p.MyIP.String(), p.ChunkPort)
	if err != nil {
		return 0, fmt.Errorf("bind chunk server: %w", err)
	}

	go func() {
		if err := p.chunkServer.Serve(); err != nil {
			p.Log.WithError(err).Info("chunk server stopped")
		}
	}()

	p.manager = downloader.NewManager(p.Dir, p.TrackerAddr, p.MyIP, port)
	p.manager.Log = p.Log
	p.manager.Sink = p.Sink
	go func() {
		if err := p.manager.Run(ctx); err != nil && ctx.Err() == nil {
			p.Log.WithError(err).Warn("download manager stopped unexpectedly")
		}
	}()

	p.refresher = refresher.New(p.Dir, p.TrackerAddr, p.MyIP, port, p.Interval)
	p.refresher.Log = p.Log
	go p.refresher.Run(ctx)

	return port, nil
}

// NotifyNewFile tells the download manager a fresh "<fname>.track" has just
// been written locally (e.g. by a "gettracker" user command) and should
// start downloading.
func (p *Peer) NotifyNewFile(trackFilename string) {
	p.manager.Events <- downloader.Event{NewTrackerFile: trackFilename}
}

// Stop sends EXIT to the download manager and closes the chunk server's
// listener. The refresher is not signalled here; it stops once the context
// passed to Start is cancelled.
func (p *Peer) Stop() {
	if p.manager != nil {
		p.manager.Events <- downloader.Event{Exit: true}
	}
	if p.chunkServer != nil {
		p.chunkServer.Stop()
	}
}
