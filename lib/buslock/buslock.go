// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package buslock provides the advisory exclusive lease that
// serializes catalog mutation. The lease is backed by flock(2) on a
// dedicated lock file, so the kernel releases it automatically when
// the holder dies — a crashed daemon can never deadlock the catalog.
// The holder's PID is recorded in the file purely for diagnostics:
// when a new holder finds the PID of a dead process, the takeover is
// logged as a stale-lock reclaim.
package buslock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/artifactbus/lib/clock"
)

// ErrTimeout is returned by Acquire when the lock could not be taken
// within the caller's timeout. The condition is transient: the caller
// leaves its work queued and retries on a later scan.
var ErrTimeout = errors.New("buslock: timed out waiting for catalog lock")

// retryInterval is the pause between acquisition attempts while the
// lock is held elsewhere.
const retryInterval = 50 * time.Millisecond

// Manager hands out the exclusive lease over one lock file.
type Manager struct {
	path   string
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Manager for the lock file at path. The parent
// directory must exist. A nil logger discards diagnostics.
func New(path string, clk clock.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{path: path, clock: clk, logger: logger}
}

// Lease is a held lock. Release it exactly once.
type Lease struct {
	file *os.File
}

// Acquire blocks until the exclusive lock is taken, the timeout
// elapses, or ctx is cancelled. On expiry it returns ErrTimeout.
// Acquisition polls with a fixed short interval; the lock is only ever
// held for the duration of a catalog upsert, so contention windows are
// brief and backoff sophistication buys nothing.
func (m *Manager) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	file, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("buslock: opening lock file %s: %w", m.path, err)
	}

	deadline := m.clock.Now().Add(timeout)
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			m.noteTakeover(file)
			if err := m.recordHolder(file); err != nil {
				m.logger.Warn("recording lock holder failed", "path", m.path, "error", err)
			}
			return &Lease{file: file}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			file.Close()
			return nil, fmt.Errorf("buslock: flock %s: %w", m.path, err)
		}

		if !m.clock.Now().Before(deadline) {
			file.Close()
			return nil, ErrTimeout
		}

		select {
		case <-ctx.Done():
			file.Close()
			return nil, ctx.Err()
		case <-m.clock.After(retryInterval):
		}
	}
}

// Release drops the lease. The lock file itself is left in place —
// unlinking it would race with a concurrent Acquire holding an open
// descriptor to the old inode.
func (l *Lease) Release() error {
	defer l.file.Close()
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("buslock: unlocking: %w", err)
	}
	return nil
}

// noteTakeover logs when the lock file still names a dead previous
// holder. The flock itself was already released by the kernel; this
// only surfaces that a daemon died while holding the catalog lock.
func (m *Manager) noteTakeover(file *os.File) {
	buffer := make([]byte, 32)
	n, err := file.ReadAt(buffer, 0)
	if n == 0 || (err != nil && n <= 0) {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buffer[:n])))
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return
	}
	if unix.Kill(pid, 0) == unix.ESRCH {
		m.logger.Warn("reclaimed stale catalog lock",
			"path", m.path,
			"previous_holder_pid", pid,
		)
	}
}

// recordHolder writes our PID into the lock file for diagnostics.
func (m *Manager) recordHolder(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	_, err := file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	return err
}
