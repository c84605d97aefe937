package service

import (
	"strings"
	"sync"

	"github.com/choraleia/concierge/pkg/event"
)

// Reconciler is the observer-side view of a streaming turn. It accumulates
// provisional deltas per turn and drops them as soon as the authoritative
// message.created for that turn arrives. Deltas for a committed turn, or
// replayed deltas it has already seen, are ignored.
type Reconciler struct {
	mu        sync.Mutex
	pending   map[string]*provisional
	committed map[string]string // turnID -> messageID
}

type provisional struct {
	text      strings.Builder
	lastIndex int
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		pending:   make(map[string]*provisional),
		committed: make(map[string]string),
	}
}

// Apply feeds one event. It accepts local events and events relayed from
// other replicas.
func (r *Reconciler) Apply(ev event.Event) {
	switch e := ev.(type) {
	case event.StreamDeltaEvent:
		r.delta(e.TurnID, e.Index, e.Delta)
	case event.StreamDoneEvent:
		if e.MessageID == "" {
			r.discard(e.TurnID)
		}
	case event.MessageCreatedEvent:
		r.commit(e.TurnID, e.MessageID)
	case event.RemoteEvent:
		turnID, _ := e.Data["turn_id"].(string)
		switch e.Name {
		case event.StreamDelta:
			idx, _ := e.Data["index"].(float64)
			delta, _ := e.Data["delta"].(string)
			r.delta(turnID, int(idx), delta)
		case event.StreamDone:
			if id, _ := e.Data["message_id"].(string); id == "" {
				r.discard(turnID)
			}
		case event.MessageCreated:
			id, _ := e.Data["message_id"].(string)
			r.commit(turnID, id)
		}
	}
}

func (r *Reconciler) delta(turnID string, index int, text string) {
	if turnID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.committed[turnID]; done {
		return
	}
	p, ok := r.pending[turnID]
	if !ok {
		p = &provisional{}
		r.pending[turnID] = p
	}
	if index <= p.lastIndex {
		return
	}
	p.lastIndex = index
	p.text.WriteString(text)
}

func (r *Reconciler) commit(turnID, messageID string) {
	if turnID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, turnID)
	if _, ok := r.committed[turnID]; !ok {
		r.committed[turnID] = messageID
	}
}

func (r *Reconciler) discard(turnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, turnID)
}

// Provisional returns the accumulated text of a turn that is still
// streaming.
func (r *Reconciler) Provisional(turnID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[turnID]
	if !ok {
		return "", false
	}
	return p.text.String(), true
}

// Committed returns the id of the first persisted message of a turn.
func (r *Reconciler) Committed(turnID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.committed[turnID]
	return id, ok
}
