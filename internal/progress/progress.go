// Package progress carries fix-loop progress events from the orchestrator to
// any number of per-target subscribers (terminal view, websocket stream).
package progress

import (
	"sync"
	"time"
)

// EventType names a progress event.
type EventType string

const (
	EventCycleStart        EventType = "cycle_start"
	EventFixing            EventType = "fixing"
	EventDeploying         EventType = "deploying"
	EventRescanning        EventType = "rescanning"
	EventCycleComplete     EventType = "cycle_complete"
	EventLoopComplete      EventType = "loop_complete"
	EventLoopStopped       EventType = "loop_stopped"
	EventAwaitingDeployURL EventType = "awaiting_deploy_url"
	EventError             EventType = "error"
	EventProgress          EventType = "progress"
)

// Final reports whether no further events follow for the loop.
func (t EventType) Final() bool { return t == EventLoopComplete }

// Delta is the per-cycle findings change carried by cycle_complete.
type Delta struct {
	Resolved   int      `json:"resolved"`
	New        int      `json:"new"`
	Unchanged  int      `json:"unchanged"`
	ScoreDelta *float64 `json:"score_delta,omitempty"`
}

// Summary is the loop_complete payload.
type Summary struct {
	CyclesCompleted int      `json:"cycles_completed"`
	TotalResolved   int      `json:"total_resolved"`
	InitialScore    *float64 `json:"initial_score,omitempty"`
	FinalScore      *float64 `json:"final_score,omitempty"`
	ScoreDelta      *float64 `json:"score_delta,omitempty"`
	FinalVerdict    string   `json:"final_verdict,omitempty"`
	TotalCostUSD    float64  `json:"total_cost_usd"`
	FixBranch       string   `json:"fix_branch,omitempty"`
	Stopped         bool     `json:"stopped,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// Event is one progress notification for a target.
type Event struct {
	Type      EventType `json:"type"`
	TargetID  string    `json:"target_id"`
	Step      string    `json:"step"`
	Message   string    `json:"message"`
	Percent   float64   `json:"percent"`
	Cycle     int       `json:"cycle,omitempty"`
	MaxCycles int       `json:"max_cycles,omitempty"`
	DeployURL string    `json:"deploy_url,omitempty"`
	Code      string    `json:"code,omitempty"`
	Delta     *Delta    `json:"delta,omitempty"`
	Summary   *Summary  `json:"summary,omitempty"`
	Time      time.Time `json:"time"`
}

// Sink receives events. Implementations must not block.
type Sink interface {
	Publish(Event)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Percent returns the completion percentage of a step: cycles share the
// 10..90 band evenly and offset positions the step inside its cycle.
func Percent(cycle, maxCycles int, offset float64) float64 {
	if maxCycles < 1 {
		maxCycles = 1
	}
	p := 10 + float64(cycle-1)/float64(maxCycles)*80 + offset
	return min(max(p, 0), 100)
}

const defaultBuffer = 64

// Hub fans events out per target. A new subscriber first receives the
// latest event already published for its target. Slow subscribers lose
// events instead of stalling the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	latest map[string]Event
	buffer int
}

// NewHub returns a Hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[chan Event]struct{}),
		latest: make(map[string]Event),
		buffer: buffer,
	}
}

// Publish implements Sink.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[ev.TargetID] = ev
	for ch := range h.subs[ev.TargetID] {
		if !offer(ch, ev) && ev.Type.Final() {
			// A full subscriber loses its oldest event, never the final one.
			select {
			case <-ch:
			default:
			}
			offer(ch, ev)
		}
	}
}

// Subscribe registers for events of targetID. The returned cancel func
// unregisters and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(targetID string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	if h.subs[targetID] == nil {
		h.subs[targetID] = make(map[chan Event]struct{})
	}
	h.subs[targetID][ch] = struct{}{}
	if ev, ok := h.latest[targetID]; ok {
		offer(ch, ev)
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[targetID], ch)
			if len(h.subs[targetID]) == 0 {
				delete(h.subs, targetID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Latest returns the last event published for targetID.
func (h *Hub) Latest(targetID string) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev, ok := h.latest[targetID]
	return ev, ok
}

// Subscribers returns the number of live subscriptions for targetID.
func (h *Hub) Subscribers(targetID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[targetID])
}

// offer performs a non-blocking send and reports whether it happened.
func offer(ch chan<- Event, ev Event) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}
