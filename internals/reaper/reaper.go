// Package reaper implements the dedicated worker of spec.md §4.3 that
// waits for task terminations and announces them, interleaving nothing
// with command-initiated output.
//
// It is adapted from the teacher's child-subreaping reaper
// (canonical/pebble's internals/reaper), but follows spec.md's own state
// machine rather than pebble's SIGCHLD-driven one: a single goroutine that
// blocks in unix.Wait4 for any child, announces terminations under the
// writing lock, and parks on the line-map's condition variable whenever no
// child remains to wait for.
package reaper

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/tasksh/tasksh/internals/linemap"
	"github.com/tasksh/tasksh/internals/logger"
)

// Reaper observes task terminations and writes "Task <n> ended: ..."
// announcements to out, serialized against every other writer of out by
// writingLock.
type Reaper struct {
	t           tomb.Tomb
	lmap        *linemap.Map
	writingLock Locker
	out         io.Writer
	onReaped    func(taskNumber int, reason string)
}

// Locker is the subset of sync.Mutex the reaper needs; it's an interface so
// the command loop's own writing lock can be shared without either package
// importing the other's concrete type.
type Locker interface {
	Lock()
	Unlock()
}

// New constructs a Reaper. onReaped, if non-nil, is called (while the
// writing lock is held, after the entry is removed from lmap) with the
// task number and termination reason ("signalled" or "status") of each
// reaped child; the command loop uses it to mark a slot ended for the
// list/wait enrichment commands and to label the tasks-ended metric.
func New(lmap *linemap.Map, writingLock Locker, out io.Writer, onReaped func(taskNumber int, reason string)) *Reaper {
	return &Reaper{lmap: lmap, writingLock: writingLock, out: out, onReaped: onReaped}
}

// Start marks the process a child subreaper (best effort — see
// SPEC_FULL.md §5.3) and starts the reaper goroutine.
func (r *Reaper) Start() {
	isSubreaper, err := unix.PrctlRetInt(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
	if err != nil {
		logger.Debugf("Cannot set child subreaper (ignoring): %v", err)
	} else if isSubreaper == 0 {
		logger.Debugf("Child subreaping unavailable on this platform.")
	}
	r.t.Go(r.loop)
}

// Stop blocks until the reaper goroutine has exited. The line-map must
// already have been shut down (via Map.Shutdown) by the caller.
func (r *Reaper) Stop() error {
	return r.t.Wait()
}

func (r *Reaper) loop() error {
	for {
		if r.lmap.WaitForWork() {
			return nil
		}

		for {
			pid, status, err := waitAny()
			if err == unix.ECHILD {
				break // no children left at all; back to waiting on the map.
			}
			if err != nil {
				return fmt.Errorf("reaper: wait4: %w", err)
			}

			r.writingLock.Lock()
			if err := r.announce(pid, status); err != nil {
				r.writingLock.Unlock()
				return err
			}
			for {
				pid, status, ready, err := tryWaitAny()
				if err != nil {
					break // ECHILD: nothing left ready or running.
				}
				if !ready {
					break
				}
				if err := r.announce(pid, status); err != nil {
					r.writingLock.Unlock()
					return err
				}
			}
			r.writingLock.Unlock()
		}
	}
}

// announce removes pid's entry from the line-map and writes its ended line.
// Caller must hold the writing lock.
func (r *Reaper) announce(pid int, status unix.WaitStatus) error {
	taskNumber := r.lmap.Remove(pid)

	var line, reason string
	switch {
	case status.Signaled():
		reason = "signalled"
		line = fmt.Sprintf("Task %d ended: signalled.\n", taskNumber)
	case status.Exited():
		reason = "status"
		line = fmt.Sprintf("Task %d ended: status %d.\n", taskNumber, status.ExitStatus())
	default:
		return fmt.Errorf("reaper: unknown termination form for task %d: %v", taskNumber, status)
	}
	if _, err := io.WriteString(r.out, line); err != nil {
		return fmt.Errorf("reaper: write: %w", err)
	}
	if r.onReaped != nil {
		r.onReaped(taskNumber, reason)
	}
	return nil
}

// waitAny performs a blocking wait for any child, retrying on EINTR.
func waitAny() (pid int, status unix.WaitStatus, err error) {
	for {
		pid, err = unix.Wait4(-1, &status, 0, nil)
		if err == unix.EINTR {
			continue
		}
		return pid, status, err
	}
}

// tryWaitAny performs a non-blocking wait for any already-terminated
// child. ready is false if a child exists but none has terminated yet;
// err is unix.ECHILD if no children exist to wait for at all.
func tryWaitAny() (pid int, status unix.WaitStatus, ready bool, err error) {
	for {
		pid, err = unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, 0, false, err
		}
		if pid == 0 {
			return 0, 0, false, nil
		}
		return pid, status, true, nil
	}
}
