package app

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithShutdown_FirstSignalCancels(t *testing.T) {
	signals := make(chan os.Signal, 2)
	exited := make(chan struct{})
	ctx := withShutdown(context.Background(), signals, func() { close(exited) })

	signals <- syscall.SIGTERM
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled")
	}

	signals <- syscall.SIGINT
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("second signal did not exit")
	}
}

func TestWithShutdown_ParentCancelled(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx := withShutdown(parent, make(chan os.Signal), func() { t.Error("exit called") })

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled")
	}
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
