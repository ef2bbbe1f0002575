package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal is an out-of-band run control dropped into the signals directory
// as a file. Another terminal can steer a run without holding a handle to
// the process.
type Signal string

const (
	SignalCancel Signal = "cancel"
	SignalPause  Signal = "pause"
	SignalResume Signal = "resume"
)

func (s Signal) valid() bool {
	return s == SignalCancel || s == SignalPause || s == SignalResume
}

// Signals watches the signals directory and delivers each dropped file as
// one Signal. Files are consumed after dispatch, so a signal fires once.
type Signals struct {
	dir     string
	watcher *fsnotify.Watcher
	ch      chan Signal
	done    chan struct{}
	once    sync.Once

	debugLog func(format string, args ...interface{})
}

// NewSignals starts watching stateDir/signals, creating the directory if
// needed. Signal files left over from a previous run are cleared, not
// dispatched.
func NewSignals(stateDir string) (*Signals, error) {
	dir := filepath.Join(stateDir, "signals")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals directory: %w", err)
	}

	s := &Signals{
		dir:      dir,
		ch:       make(chan Signal, 8),
		done:     make(chan struct{}),
		debugLog: func(format string, args ...interface{}) {},
	}
	s.clearStale()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create signal watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = watcher

	go s.watch()
	return s, nil
}

// SetDebugLog sets the debug logging function.
func (s *Signals) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		s.debugLog = fn
	}
}

// Ch returns the channel signals are delivered on.
func (s *Signals) Ch() <-chan Signal { return s.ch }

// Dir returns the watched directory.
func (s *Signals) Dir() string { return s.dir }

// Send drops a signal file for a running coordinator, possibly in another
// process, to pick up.
func (s *Signals) Send(sig Signal) error {
	if !sig.valid() {
		return fmt.Errorf("unknown signal %q", sig)
	}
	return writeSignalFile(s.dir, sig)
}

// SendSignal drops a signal file under stateDir/signals without starting
// a watcher. CLI invocations steering a run in another process use this;
// constructing a Signals would clear files the running watcher has not
// consumed yet.
func SendSignal(stateDir string, sig Signal) error {
	if !sig.valid() {
		return fmt.Errorf("unknown signal %q", sig)
	}
	dir := filepath.Join(stateDir, "signals")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals directory: %w", err)
	}
	return writeSignalFile(dir, sig)
}

func writeSignalFile(dir string, sig Signal) error {
	path := filepath.Join(dir, string(sig))
	if err := os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644); err != nil {
		return fmt.Errorf("send signal %s: %w", sig, err)
	}
	return nil
}

// Close stops the watcher and closes the signal channel.
func (s *Signals) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}

func (s *Signals) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			s.dispatch(filepath.Base(event.Name))
		case <-s.watcher.Errors:
			// Keep watching; a dropped event degrades to no signal, and
			// the sender can retry.
		}
	}
}

// dispatch consumes the signal file and forwards the signal. Duplicate
// events for the same file collapse because the first removal wins.
func (s *Signals) dispatch(name string) {
	sig := Signal(name)
	if !sig.valid() {
		return
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		if os.IsNotExist(err) {
			return // another event already consumed it
		}
		s.debugLog("[signals] consume %s: %v", name, err)
	}
	s.debugLog("[signals] %s", sig)
	select {
	case s.ch <- sig:
	case <-s.done:
	default:
		// A full channel means the loop is already saturated with
		// signals; dropping a duplicate is harmless.
	}
}

func (s *Signals) clearStale() {
	for _, sig := range []Signal{SignalCancel, SignalPause, SignalResume} {
		os.Remove(filepath.Join(s.dir, string(sig)))
	}
}
