package scan

import (
	"broker-monitor/notify"
	"broker-monitor/pkg/broker"
	"time"
)

// Summary reports the outcome of one run.
type Summary struct {
	StartedAt time.Time      `json:"started_at"`
	Found     map[string]int `json:"found_counts"` // Filtered candidates per broker name
	Failed    []string       `json:"failed_brokers,omitempty"`
	Brokers   int            `json:"scanned_brokers"`
	New       int            `json:"new_listings"`
	Notified  int            `json:"notified_count"`
}

// Session is the state of one run. It is owned by the goroutine driving the
// run; everyone else sees the snapshots it publishes.
type Session struct {
	started   time.Time
	lastRun   *time.Time // Previous run's start, shown while this one runs
	publish   func(*broker.Status)
	done      func(*broker.Status) // Publishes the final status and ends the run
	summary   *Summary
	queued    map[string]bool
	targets   []*broker.Target
	queue     []notify.Pending
	current   string
	completed int
}

func newSession(targets []*broker.Target, started time.Time, lastRun *time.Time, publish, done func(*broker.Status)) *Session {
	s := &Session{
		started: started,
		lastRun: lastRun,
		publish: publish,
		done:    done,
		targets: targets,
		queued:  make(map[string]bool),
		summary: &Summary{
			StartedAt: started,
			Found:     make(map[string]int, len(targets)),
			Brokers:   len(targets),
		},
	}
	s.publish(s.snapshot(true))
	return s
}

// enter marks t as the broker being scraped.
func (s *Session) enter(t *broker.Target) {
	s.current = t.Name
	s.publish(s.snapshot(true))
}

// advance counts the current broker as done.
func (s *Session) advance() {
	s.completed++
	s.current = ""
	s.publish(s.snapshot(true))
}

// enqueue stages listings for fan-out. A listing reached through two
// brokers in the same run is queued once.
func (s *Session) enqueue(ps []notify.Pending) {
	for _, p := range ps {
		if s.queued[p.Listing.ID] {
			continue
		}
		s.queued[p.Listing.ID] = true
		s.queue = append(s.queue, p)
	}
}

// finish hands the idle state, with the run's start as LastRun and err as
// LastError, to done.
func (s *Session) finish(err error) {
	s.current = ""
	st := s.snapshot(false)
	if err != nil {
		st.LastError = err.Error()
	}
	s.done(st)
}

func (s *Session) snapshot(running bool) *broker.Status {
	st := &broker.Status{
		IsRunning:     running,
		CurrentBroker: s.current,
		Progress:      broker.Progress{Completed: s.completed, Total: len(s.targets)},
		LastRun:       s.lastRun,
	}
	if !running {
		started := s.started
		st.LastRun = &started
	}
	return st
}
