package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// CreateContextWithShutdown returns a context that is cancelled by the first SIGINT or SIGTERM, giving
// in-flight builds the chance to clean up their containers. A second signal exits immediately.
func CreateContextWithShutdown() context.Context {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	return withShutdown(context.Background(), signals, func() { os.Exit(1) })
}

func withShutdown(parent context.Context, signals <-chan os.Signal, exit func()) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case sig := <-signals:
			log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-parent.Done():
			cancel()
			return
		}
		sig := <-signals
		log.Warnf("Received %s during shutdown, exiting", sig)
		exit()
	}()
	return ctx
}
