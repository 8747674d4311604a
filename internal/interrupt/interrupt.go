//go:build linux

// Package interrupt cancels goroutines parked in blocking system calls.
//
// A worker that blocks in the kernel (an ioctl waiting for the secure world,
// a poll over client sockets) cannot observe a context. Call runs the
// blocking function on a locked OS thread; when the context is cancelled the
// thread is sent SIGUSR1 with tgkill, the system call returns EINTR, and Call
// returns the context's error instead of retrying. The Go runtime catches
// SIGUSR1 and takes no action when nobody is subscribed, so the signal never
// terminates the process.
package interrupt

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Signal is the otherwise unused signal used to kick a blocked thread.
const Signal = unix.SIGUSR1

// resendInterval is how often the signal is re-sent while the worker has not
// returned. The first signal can land before the thread enters the system
// call, in which case it is lost.
const resendInterval = 20 * time.Millisecond

var restartOnce sync.Once

// Call runs fn until it returns something other than EINTR. When ctx is
// cancelled the calling thread is signalled and Call returns ctx.Err() once
// fn comes back interrupted. Spurious EINTRs (runtime preemption signals)
// are retried.
//
// fn must perform a single blocking system call and be free of side effects
// when interrupted.
func Call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	restartOnce.Do(func() {
		// Best effort: poll(2) is never restarted, so the registry worker
		// stays interruptible even if this fails.
		_ = clearRestart()
	})

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := unix.Gettid()
	done := make(chan struct{})
	defer close(done)

	stop := context.AfterFunc(ctx, func() {
		kick(tid, done)
	})
	defer stop()

	for {
		err := fn()
		if errors.Is(err, unix.EINTR) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		return err
	}
}

// kick signals tid until done is closed.
func kick(tid int, done <-chan struct{}) {
	pid := unix.Getpid()
	ticker := time.NewTicker(resendInterval)
	defer ticker.Stop()

	for {
		if err := unix.Tgkill(pid, tid, Signal); err != nil {
			// The thread is gone; nothing left to interrupt.
			return
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}
