// Package command implements the supervisor's command loop (spec.md §4.4):
// a single-threaded reader of stdin that dispatches run/out/err/kill/sleep/
// quit (plus the list/wait enrichments of SPEC_FULL.md §6) and serializes
// every line it writes against the reaper through a shared writing lock.
package command

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/canonical/x-go/strutil/shlex"
	"gopkg.in/tomb.v2"

	"github.com/tasksh/tasksh/internals/iomux"
	"github.com/tasksh/tasksh/internals/linemap"
	"github.com/tasksh/tasksh/internals/logger"
	"github.com/tasksh/tasksh/internals/metrics"
	"github.com/tasksh/tasksh/internals/reaper"
	"github.com/tasksh/tasksh/internals/tasktable"
)

// Loop is the command loop. Construct with New.
type Loop struct {
	in  *bufio.Reader
	out io.Writer

	writingLock sync.Mutex
	table       *tasktable.Table
	lmap        *linemap.Map
	reaper      *reaper.Reaper
	metrics     *metrics.Metrics

	readersTomb tomb.Tomb
}

// New constructs a Loop reading commands from in and writing announcements
// to out. maxTasks and maxLine realize spec.md's MAX_TASKS and MAX_LINE.
// m may be nil, in which case metrics are not recorded.
func New(in io.Reader, out io.Writer, maxTasks, maxLine int, m *metrics.Metrics) *Loop {
	l := &Loop{
		in:    bufio.NewReader(in),
		out:   out,
		table: tasktable.New(maxTasks, maxLine),
		lmap:  linemap.New(),
	}
	l.reaper = reaper.New(l.lmap, &l.writingLock, out, l.onReaped)
	l.metrics = m
	return l
}

// Run starts the reaper and processes commands from stdin until quit or
// EOF, then performs spec.md §4.4's teardown sequence.
func (l *Loop) Run() error {
	l.reaper.Start()

	for {
		line, err := l.readLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("command: read: %w", err)
		}

		l.writingLock.Lock()
		quit, err := l.dispatch(line)
		if err != nil {
			l.writingLock.Unlock()
			return err
		}
		if quit {
			l.writingLock.Unlock()
			break
		}
		l.writingLock.Unlock()
	}

	return l.teardown()
}

func (l *Loop) readLine() (string, error) {
	line, err := l.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	if err == io.EOF && line == "" {
		return "", io.EOF
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}

// dispatch executes a single command line. Caller must hold the writing
// lock. quit is true if the command was "quit".
func (l *Loop) dispatch(line string) (quit bool, err error) {
	args, err := shlex.Split(line)
	if err != nil {
		return false, fmt.Errorf("command: cannot parse command: %w", err)
	}
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "run":
		return false, l.cmdRun(args[1:])
	case "out":
		return false, l.cmdOut(args[1:])
	case "err":
		return false, l.cmdErr(args[1:])
	case "kill":
		return false, l.cmdKill(args[1:])
	case "sleep":
		return false, l.cmdSleep(args[1:])
	case "list":
		return false, l.cmdList()
	case "wait":
		return false, l.cmdWait(args[1:])
	case "quit":
		return true, nil
	default:
		return false, fmt.Errorf("command: unexpected command was read: [%s]", args[0])
	}
}

func (l *Loop) cmdRun(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("command: run requires a program")
	}

	taskNumber, slot, err := l.table.Allocate()
	if err != nil {
		return err
	}

	outRead, outWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("command: cannot create stdout pipe: %w", err)
	}
	errRead, errWrite, err := os.Pipe()
	if err != nil {
		outRead.Close()
		outWrite.Close()
		return fmt.Errorf("command: cannot create stderr pipe: %w", err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = outWrite
	cmd.Stderr = errWrite

	if err := cmd.Start(); err != nil {
		outRead.Close()
		outWrite.Close()
		errRead.Close()
		errWrite.Close()
		return fmt.Errorf("command: cannot start %q: %w", args[0], err)
	}
	// The parent's copies of the write ends must be closed so the readers
	// see EOF once the child (and nothing else) holds them.
	outWrite.Close()
	errWrite.Close()

	slot.RecordChild(cmd.Process.Pid)
	l.readersTomb.Go(func() error {
		iomux.Run(outRead, l.maxLine(), slot.Out.Set)
		slot.ReaderDone()
		return nil
	})
	l.readersTomb.Go(func() error {
		iomux.Run(errRead, l.maxLine(), slot.Err.Set)
		slot.ReaderDone()
		return nil
	})

	l.lmap.Insert(cmd.Process.Pid, taskNumber)
	if l.metrics != nil {
		l.metrics.TasksStarted.Inc()
		l.metrics.TasksRunning.Inc()
		l.metrics.LineMapSize.Set(float64(l.lmap.Size()))
	}

	return l.writeLine("Task %d started: pid %d.\n", taskNumber, cmd.Process.Pid)
}

func (l *Loop) maxLine() int {
	return l.table.MaxLine()
}

func (l *Loop) cmdOut(args []string) error {
	n, err := parseTaskNumber(args)
	if err != nil {
		return err
	}
	slot, _ := l.table.Slot(n)
	if slot == nil {
		return l.writeLine("Task %d stdout: ''.\n", n)
	}
	return l.writeLine("Task %d stdout: '%s'.\n", n, slot.Out.Get())
}

func (l *Loop) cmdErr(args []string) error {
	n, err := parseTaskNumber(args)
	if err != nil {
		return err
	}
	slot, _ := l.table.Slot(n)
	if slot == nil {
		return l.writeLine("Task %d stderr: ''.\n", n)
	}
	return l.writeLine("Task %d stderr: '%s'.\n", n, slot.Err.Get())
}

func (l *Loop) cmdKill(args []string) error {
	n, err := parseTaskNumber(args)
	if err != nil {
		return err
	}
	slot, ok := l.table.Slot(n)
	if !ok || !slot.Started() || slot.ChildID() == 0 {
		return nil
	}
	proc, err := os.FindProcess(slot.ChildID())
	if err != nil {
		return nil
	}
	// Duplicate signals, or a signal to an already-dead task, are harmless
	// per spec.md §8; errors here are deliberately ignored.
	_ = proc.Signal(os.Interrupt)
	return nil
}

func (l *Loop) cmdSleep(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("command: sleep requires a duration in milliseconds")
	}
	ms, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("command: sleep: invalid duration: %w", err)
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return nil
}

func (l *Loop) cmdList() error {
	for n := 0; n < l.table.StartedCount(); n++ {
		slot, _ := l.table.Slot(n)
		if slot.Ended() {
			if err := l.writeLine("Task %d: ended.\n", n); err != nil {
				return err
			}
			continue
		}
		if err := l.writeLine("Task %d: running pid %d.\n", n, slot.ChildID()); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) cmdWait(args []string) error {
	n, err := parseTaskNumber(args)
	if err != nil {
		return err
	}
	slot, ok := l.table.Slot(n)
	if !ok || !slot.Started() {
		return nil
	}

	// Unlike sleep, wait must not hold the writing lock across the block:
	// the reaper needs that lock to announce the termination wait is
	// waiting for. Release it for the duration and reacquire before
	// returning to dispatch, which will unlock it as usual.
	l.writingLock.Unlock()
	defer l.writingLock.Lock()

	for !slot.Ended() {
		// The reaper marks the slot ended only after removing the task's
		// line-map entry, and removal does not signal the map's condition,
		// so the flag is polled.
		time.Sleep(time.Millisecond)
	}
	return nil
}

func (l *Loop) onReaped(taskNumber int, reason string) {
	if slot, ok := l.table.Slot(taskNumber); ok {
		slot.MarkEnded()
	}
	if l.metrics != nil {
		l.metrics.TasksEnded.WithLabelValues(reason).Inc()
		l.metrics.TasksRunning.Dec()
		l.metrics.LineMapSize.Set(float64(l.lmap.Size()))
	}
}

// writeLine writes one fully-formatted announcement. Caller must hold the
// writing lock.
func (l *Loop) writeLine(format string, args ...any) error {
	_, err := fmt.Fprintf(l.out, format, args...)
	return err
}

func parseTaskNumber(args []string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("command: expected a task number")
	}
	// Non-validating per spec.md §4.4: any syntactically plausible unsigned
	// integer is accepted.
	n, err := strconv.ParseUint(args[0], 10, 31)
	if err != nil {
		return 0, fmt.Errorf("command: invalid task number %q: %w", args[0], err)
	}
	return int(n), nil
}

// teardown implements spec.md §4.4's post-loop sequence.
func (l *Loop) teardown() error {
	l.lmap.Shutdown()

	for n := 0; n < l.table.StartedCount(); n++ {
		slot, _ := l.table.Slot(n)
		if slot.ChildID() == 0 {
			continue
		}
		proc, err := os.FindProcess(slot.ChildID())
		if err == nil {
			_ = proc.Kill()
		}
	}

	for n := 0; n < l.table.StartedCount(); n++ {
		slot, _ := l.table.Slot(n)
		slot.Join()
	}

	if err := l.reaper.Stop(); err != nil {
		return err
	}

	// The readers have already been joined via slot.Join above. A tomb that
	// never started a goroutine never becomes dead and its Wait would block
	// forever, so Wait is only called when at least one task was run.
	if l.table.StartedCount() == 0 {
		return nil
	}
	if err := l.readersTomb.Wait(); err != nil {
		logger.Noticef("command: reader goroutine error: %v", err)
	}
	return nil
}
