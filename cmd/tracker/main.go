// Command tracker runs the central tracker server: a single process that
// accepts connections and dispatches the protocol against a directory of
// .track files until interrupted.
package main

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"

	"bittorrentclient/internal/config"
	"bittorrentclient/internal/trackerserver"
)

func main() {
	log := logrus.StandardLogger()

	if len(os.Args) != 2 {
		log.Fatalf("usage: %s <server.cfg>", os.Args[0])
	}

	cfg, err := config.LoadServerConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("failed to load server config")
	}

	srv, err := trackerserver.New(cfg.TrackerDir)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize tracker server")
	}
	srv.Log = log

	addr := net.JoinHostPort("", strconv.Itoa(cfg.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.WithError(err).Fatalf("failed to listen on %s", addr)
	}
	log.WithFields(logrus.Fields{"addr": ln.Addr(), "dir": cfg.TrackerDir}).Info("tracker server listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down tracker server")
		ln.Close()
	}()

	if err := srv.Serve(ln); err != nil {
		log.WithError(err).Info("tracker server stopped")
	}
}
