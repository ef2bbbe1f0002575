package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestSignals(t *testing.T) *Signals {
	t.Helper()
	s, err := NewSignals(t.TempDir())
	if err != nil {
		t.Fatalf("NewSignals: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitSignal(t *testing.T, s *Signals) Signal {
	t.Helper()
	select {
	case sig := <-s.Ch():
		return sig
	case <-time.After(3 * time.Second):
		t.Fatal("no signal delivered")
		return ""
	}
}

func TestSendDeliversSignal(t *testing.T) {
	s := newTestSignals(t)

	if err := s.Send(SignalPause); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sig := waitSignal(t, s); sig != SignalPause {
		t.Errorf("signal = %q, want pause", sig)
	}
}

func TestSignalFileConsumedAfterDispatch(t *testing.T) {
	s := newTestSignals(t)

	if err := s.Send(SignalCancel); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitSignal(t, s)

	// The file is removed so the signal cannot fire twice.
	deadline := time.Now().Add(3 * time.Second)
	path := filepath.Join(s.Dir(), string(SignalCancel))
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("signal file still present after dispatch")
}

func TestUnknownFilesIgnored(t *testing.T) {
	s := newTestSignals(t)

	if err := os.WriteFile(filepath.Join(s.Dir(), "lunch-order"), []byte("ramen"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Send(SignalResume); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Only the real signal comes through.
	if sig := waitSignal(t, s); sig != SignalResume {
		t.Errorf("signal = %q, want resume", sig)
	}
	select {
	case sig := <-s.Ch():
		t.Errorf("unexpected extra signal %q", sig)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendRejectsUnknownSignal(t *testing.T) {
	s := newTestSignals(t)
	if err := s.Send(Signal("reboot")); err == nil {
		t.Error("unknown signal accepted")
	}
}

func TestSendSignalReachesWatcherInOtherProcessRole(t *testing.T) {
	stateDir := t.TempDir()
	s, err := NewSignals(stateDir)
	if err != nil {
		t.Fatalf("NewSignals: %v", err)
	}
	defer s.Close()

	// The sender side writes the file without constructing a watcher.
	if err := SendSignal(stateDir, SignalPause); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}
	if sig := waitSignal(t, s); sig != SignalPause {
		t.Errorf("signal = %q, want pause", sig)
	}

	if err := SendSignal(stateDir, Signal("reboot")); err == nil {
		t.Error("unknown signal accepted")
	}
}

func TestSendSignalCreatesDirectory(t *testing.T) {
	stateDir := filepath.Join(t.TempDir(), ".echelon")
	if err := SendSignal(stateDir, SignalCancel); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}
	if _, err := os.Stat(filepath.Join(stateDir, "signals", string(SignalCancel))); err != nil {
		t.Errorf("signal file missing: %v", err)
	}
}

func TestStaleSignalsClearedOnStart(t *testing.T) {
	stateDir := t.TempDir()
	dir := filepath.Join(stateDir, "signals")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := filepath.Join(dir, string(SignalCancel))
	if err := os.WriteFile(stale, []byte("old"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := NewSignals(stateDir)
	if err != nil {
		t.Fatalf("NewSignals: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale signal file survived startup")
	}
	select {
	case sig := <-s.Ch():
		t.Errorf("stale signal dispatched: %q", sig)
	case <-time.After(100 * time.Millisecond):
	}
}
