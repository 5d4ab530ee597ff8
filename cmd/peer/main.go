// Command peer runs a single peer process: a chunk server, a download
// manager for every known tracker record, and a periodic refresher, all
// sharing one local shared/download directory.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"

	"bittorrentclient/internal/config"
	"bittorrentclient/internal/peerhost"
	"bittorrentclient/internal/sink"
)

func main() {
	log := logrus.StandardLogger()

	if len(os.Args) != 4 {
		log.Fatalf("usage: %s <client.cfg> <my-ip> <chunk-server-start-port>", os.Args[0])
	}

	cfg, err := config.LoadClientConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("failed to load client config")
	}

	myIP := net.ParseIP(os.Args[2])
	if myIP == nil {
		log.Fatalf("invalid IP address: %q", os.Args[2])
	}
	startPort, err := strconv.Atoi(os.Args[3])
	if err != nil {
		log.Fatalf("invalid start port: %q", os.Args[3])
	}

	trackerAddr := net.JoinHostPort(cfg.TrackerIP, strconv.Itoa(cfg.TrackerPort))

	if err := os.MkdirAll(cfg.PeerFolder, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create peer folder")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	status := sink.NewChannel(32)
	go func() {
		for line := range status.Lines() {
			log.Debug(line)
		}
	}()

	p := peerhost.New(cfg.PeerFolder, trackerAddr, myIP, startPort, cfg.UpdateInterval)
	p.Log = log
	p.Sink = status

	port, err := p.Start(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to start peer")
	}
	log.WithFields(logrus.Fields{
		"dir":          cfg.PeerFolder,
		"tracker":      trackerAddr,
		"chunk_server": port,
	}).Info("peer started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down peer")
	p.Stop()
	cancel()
	status.Close()
}
