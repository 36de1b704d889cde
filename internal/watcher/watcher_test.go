package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type countingReloader struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (c *countingReloader) Reload() error {
	c.calls.Add(1)
	if c.fail.Load() {
		return os.ErrInvalid
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestRunReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minipx.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	target := &countingReloader{}
	w := New(path, target, discardLogger(), WithDebounce(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"routes":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for target.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if target.calls.Load() == 0 {
		t.Fatalf("expected Reload to be called after a file write")
	}

	cancel()
	<-done
}

func TestRunWithRestartGivesUpOnPermanentlyMissingDirectory(t *testing.T) {
	target := &countingReloader{}
	w := New(filepath.Join(t.TempDir(), "does-not-exist", "minipx.json"), target, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.RunWithRestart(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("RunWithRestart did not give up on a permanently missing directory")
	}
}

func TestRunWithRestartStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minipx.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	target := &countingReloader{}
	w := New(path, target, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.RunWithRestart(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunWithRestart did not stop after context cancel")
	}
}
