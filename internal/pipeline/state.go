package pipeline

// State is the supervisor lifecycle state.
type State int

const (
	Idle State = iota
	Starting
	Running
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of the supervisor counters.
type Stats struct {
	State       string            `json:"state"`
	ActiveFeeds int               `json:"active_feeds"`
	Received    uint64            `json:"received"`
	Published   uint64            `json:"published"`
	Deliveries  uint64            `json:"deliveries"`
	Enqueued    uint64            `json:"enqueued"`
	FeedErrors  uint64            `json:"feed_errors"`
	Rejected    map[string]uint64 `json:"rejected"`
}

// Stats returns the current counters.
func (s *Supervisor) Stats() Stats {
	s.rejectMu.Lock()
	rejected := make(map[string]uint64, len(s.rejected))
	for reason, n := range s.rejected {
		rejected[reason] = n
	}
	s.rejectMu.Unlock()

	return Stats{
		State:       s.State().String(),
		ActiveFeeds: int(s.active.Load()),
		Received:    s.received.Load(),
		Published:   s.published.Load(),
		Deliveries:  s.deliveries.Load(),
		Enqueued:    s.enqueued.Load(),
		FeedErrors:  s.feedErrors.Load(),
		Rejected:    rejected,
	}
}
