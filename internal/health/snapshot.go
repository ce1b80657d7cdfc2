// Package health detects a hung agent and restarts it.
package health

import (
	"sync/atomic"
	"time"
)

// Status is the health of the agent process.
type Status int32

const (
	StatusOK Status = iota
	StatusRestarting
	StatusStale
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusRestarting:
		return "RESTARTING"
	case StatusStale:
		return "STALE"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is the shared health record. Every field is atomic; the reader
// loop and the monitor update it concurrently.
type Snapshot struct {
	lastStdout  atomic.Int64
	lastRestart atomic.Int64
	attempts    atomic.Int32
	status      atomic.Int32
	// episode is set once a restart has been triggered for the current
	// staleness episode.
	episode atomic.Bool
}

// View is a copy of a Snapshot for reporting.
type View struct {
	Status          Status    `json:"status"`
	LastStdout      time.Time `json:"lastStdout"`
	LastRestart     time.Time `json:"lastRestart"`
	RestartAttempts int       `json:"restartAttempts"`
}

// NewSnapshot returns a Snapshot whose stdout clock starts at now.
func NewSnapshot(now time.Time) *Snapshot {
	s := &Snapshot{}
	s.TouchStdout(now)
	return s
}

// TouchStdout records stdout activity at t.
func (s *Snapshot) TouchStdout(t time.Time) {
	s.lastStdout.Store(t.UnixNano())
}

func (s *Snapshot) Status() Status         { return Status(s.status.Load()) }
func (s *Snapshot) Attempts() int          { return int(s.attempts.Load()) }
func (s *Snapshot) LastStdout() time.Time  { return fromNanos(s.lastStdout.Load()) }
func (s *Snapshot) LastRestart() time.Time { return fromNanos(s.lastRestart.Load()) }

// View copies the snapshot.
func (s *Snapshot) View() View {
	return View{
		Status:          s.Status(),
		LastStdout:      s.LastStdout(),
		LastRestart:     s.LastRestart(),
		RestartAttempts: s.Attempts(),
	}
}

// lastActivity is the later of the last stdout line and the last restart.
func (s *Snapshot) lastActivity() time.Time {
	out, restart := s.LastStdout(), s.LastRestart()
	if restart.After(out) {
		return restart
	}
	return out
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
