package agent

import (
	"strings"
	"sync"
)

// InterruptKind classifies a message that arrived mid-run.
type InterruptKind string

const (
	InterruptStop    InterruptKind = "stop"
	InterruptSkip    InterruptKind = "skip"
	InterruptMessage InterruptKind = "message"
)

var (
	stopPhrases = []string{"/stop", "stop", "cancel", "abort", "never mind", "nevermind", "forget it"}
	skipPhrases = []string{"/skip", "skip", "skip this", "next", "move on"}
)

// IsStopCommand reports whether the text is a stop request.
func IsStopCommand(text string) bool {
	return matchesPhrase(text, stopPhrases)
}

// IsSkipCommand reports whether the text is a skip request.
func IsSkipCommand(text string) bool {
	return matchesPhrase(text, skipPhrases)
}

// ClassifyInterrupt decides what to do with a message that arrived while
// the agent was already running for the same session.
func ClassifyInterrupt(text string) InterruptKind {
	switch {
	case IsStopCommand(text):
		return InterruptStop
	case IsSkipCommand(text):
		return InterruptSkip
	default:
		return InterruptMessage
	}
}

func matchesPhrase(text string, phrases []string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRight(normalized, ".!")
	for _, p := range phrases {
		if normalized == p {
			return true
		}
	}
	return false
}

// interruptState is the per-session interrupt surface the gateway pokes
// while a run is in flight.
type interruptState struct {
	mu      sync.Mutex
	running bool
	stop    bool
	skip    bool
	inserts []string
}

// Interrupts tracks in-flight runs by session id.
type Interrupts struct {
	mu     sync.Mutex
	states map[string]*interruptState
}

// NewInterrupts creates an empty interrupt table.
func NewInterrupts() *Interrupts {
	return &Interrupts{states: make(map[string]*interruptState)}
}

func (t *Interrupts) begin(sessionID string) *interruptState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[sessionID]
	if !ok {
		st = &interruptState{}
		t.states[sessionID] = st
	}
	st.mu.Lock()
	st.running = true
	st.stop = false
	st.skip = false
	st.inserts = nil
	st.mu.Unlock()
	return st
}

func (t *Interrupts) end(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[sessionID]; ok {
		st.mu.Lock()
		st.running = false
		st.mu.Unlock()
	}
}

// Running reports whether a run is in flight for the session.
func (t *Interrupts) Running(sessionID string) bool {
	t.mu.Lock()
	st, ok := t.states[sessionID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.running
}

// Cancel requests the current run to stop after the current step.
// Returns false when nothing is running.
func (t *Interrupts) Cancel(sessionID string) bool {
	return t.flag(sessionID, func(st *interruptState) { st.stop = true })
}

// Skip requests the current step's remaining tool work to be skipped.
func (t *Interrupts) Skip(sessionID string) bool {
	return t.flag(sessionID, func(st *interruptState) { st.skip = true })
}

// Insert queues a user message into the running conversation; it is
// appended after the current iteration's tool results.
func (t *Interrupts) Insert(sessionID, text string) bool {
	return t.flag(sessionID, func(st *interruptState) { st.inserts = append(st.inserts, text) })
}

func (t *Interrupts) flag(sessionID string, apply func(*interruptState)) bool {
	t.mu.Lock()
	st, ok := t.states[sessionID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.running {
		return false
	}
	apply(st)
	return true
}

func (st *interruptState) takeStop() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	v := st.stop
	st.stop = false
	return v
}

func (st *interruptState) takeSkip() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	v := st.skip
	st.skip = false
	return v
}

func (st *interruptState) takeInserts() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.inserts
	st.inserts = nil
	return out
}
