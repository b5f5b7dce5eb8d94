// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buslock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/artifactbus/lib/clock"
)

func lockPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "catalog.lock")
}

func TestAcquireRelease(t *testing.T) {
	manager := New(lockPath(t), clock.Real(), nil)

	lease, err := manager.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := lease.Release(); err != nil {
		t.Fatal(err)
	}

	// Reacquire after release must succeed immediately.
	lease, err = manager.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	lease.Release()
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	path := lockPath(t)
	holder := New(path, clock.Real(), nil)
	contender := New(path, clock.Real(), nil)

	lease, err := holder.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	// Each Manager.Acquire opens its own descriptor, so flock
	// contention applies even within one process.
	start := time.Now()
	_, err = contender.Acquire(context.Background(), 150*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Acquire while held = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Acquire returned after %v, expected it to wait near the timeout", elapsed)
	}
}

func TestAcquireSucceedsAfterRelease(t *testing.T) {
	path := lockPath(t)
	holder := New(path, clock.Real(), nil)
	contender := New(path, clock.Real(), nil)

	lease, err := holder.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		second, err := contender.Acquire(context.Background(), 5*time.Second)
		if err == nil {
			second.Release()
		}
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	if err := lease.Release(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("contender failed after release: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("contender never acquired the released lock")
	}
}

func TestAcquireRespectsContextCancel(t *testing.T) {
	path := lockPath(t)
	holder := New(path, clock.Real(), nil)
	contender := New(path, clock.Real(), nil)

	lease, err := holder.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := contender.Acquire(ctx, time.Hour)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Acquire after cancel = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not return after context cancel")
	}
}

func TestHolderPIDRecorded(t *testing.T) {
	path := lockPath(t)
	manager := New(path, clock.Real(), nil)

	lease, err := manager.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("lock file does not record the holder PID")
	}
}
