package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/event"
	"github.com/choraleia/concierge/pkg/utils"
)

// Stream frame types
const (
	FrameDelta = "delta"
	FrameDone  = "done"
)

const defaultMaxReplayFrames = 2000

// DeltaSink receives the provisional output of a streaming turn.
type DeltaSink interface {
	Delta(turnID, text string)
	// Done ends the stream. messageID is empty when nothing was persisted.
	Done(turnID, messageID string, err error)
}

// StreamFrame is one provisional stream frame. ID increases by one per
// frame within a session and lets reconnecting observers resume.
type StreamFrame struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	TurnID    string `json:"turn_id,omitempty"`
	Delta     string `json:"delta,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StreamSession buffers the frames of the latest streaming turn of one
// conversation so late subscribers can replay them.
type StreamSession struct {
	ConversationID string
	StartedAt      time.Time

	emitter   *event.Emitter
	maxFrames int

	mu          sync.Mutex
	turnID      string
	lastFrameID int64
	frames      []StreamFrame
	subscribers map[chan StreamFrame]struct{}
	done        chan struct{}
	closed      bool
}

func (ss *StreamSession) Delta(turnID, text string) {
	if text == "" {
		return
	}
	ss.publish(StreamFrame{Type: FrameDelta, TurnID: turnID, Delta: text})
}

func (ss *StreamSession) Done(turnID, messageID string, err error) {
	f := StreamFrame{Type: FrameDone, TurnID: turnID, MessageID: messageID}
	if err != nil {
		f.Error = err.Error()
	}
	ss.publish(f)
}

func (ss *StreamSession) publish(f StreamFrame) {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	if ss.turnID == "" {
		ss.turnID = f.TurnID
	}
	ss.lastFrameID++
	f.ID = ss.lastFrameID
	if len(ss.frames) >= ss.maxFrames {
		ss.frames = ss.frames[1:]
	}
	ss.frames = append(ss.frames, f)
	for ch := range ss.subscribers {
		select {
		case ch <- f:
		default:
			// Slow subscriber; it can resume from its last frame id.
		}
	}
	if f.Type == FrameDone {
		ss.closed = true
		for ch := range ss.subscribers {
			close(ch)
		}
		ss.subscribers = nil
		close(ss.done)
	}
	ss.mu.Unlock()

	switch f.Type {
	case FrameDelta:
		ss.emitter.Emit(event.StreamDeltaEvent{ConversationID: ss.ConversationID, TurnID: f.TurnID, Index: int(f.ID), Delta: f.Delta})
	case FrameDone:
		ss.emitter.Emit(event.StreamDoneEvent{ConversationID: ss.ConversationID, TurnID: f.TurnID, MessageID: f.MessageID, Error: f.Error})
	}
}

// Subscribe returns the buffered frames after afterID and, while the stream
// is still running, a channel of live frames that is closed after the done
// frame. ch is nil for a finished stream.
func (ss *StreamSession) Subscribe(afterID int64) (replay []StreamFrame, ch <-chan StreamFrame, unsubscribe func()) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for _, f := range ss.frames {
		if f.ID > afterID {
			replay = append(replay, f)
		}
	}
	if ss.closed {
		return replay, nil, func() {}
	}
	c := make(chan StreamFrame, 100)
	ss.subscribers[c] = struct{}{}
	return replay, c, func() {
		ss.mu.Lock()
		defer ss.mu.Unlock()
		if _, ok := ss.subscribers[c]; ok {
			delete(ss.subscribers, c)
			close(c)
		}
	}
}

// TurnID returns the turn being streamed, "" before the first frame.
func (ss *StreamSession) TurnID() string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.turnID
}

// DoneChan is closed when the done frame has been published.
func (ss *StreamSession) DoneChan() <-chan struct{} {
	return ss.done
}

// DeliveryService persists messages and then notifies observers. Observers
// that miss a notification recover through ListMessages with after_seq.
type DeliveryService struct {
	store   *ConversationStore
	emitter *event.Emitter
	logger  *slog.Logger

	streams sync.Map // conversationID -> *StreamSession
}

func NewDeliveryService(store *ConversationStore) *DeliveryService {
	return &DeliveryService{
		store:   store,
		emitter: event.Global(),
		logger:  utils.GetLogger(),
	}
}

// Deliver appends msgs and emits message.created for each committed row.
func (s *DeliveryService) Deliver(ctx context.Context, conversationID string, msgs ...NewMessage) ([]db.Message, error) {
	rows, err := s.store.Append(ctx, conversationID, msgs...)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		s.notify(&rows[i])
	}
	return rows, nil
}

func (s *DeliveryService) notify(m *db.Message) {
	ev := event.MessageCreatedEvent{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Seq:            m.Seq,
		Kind:           m.Kind,
		SenderKind:     m.SenderKind,
	}
	if m.TurnID != nil {
		ev.TurnID = *m.TurnID
	}
	s.emitter.Emit(ev)
}

// NewStreamSession creates a session for a turn that has not started yet.
// It is not visible through Stream until ActivateStream.
func (s *DeliveryService) NewStreamSession(conversationID string) *StreamSession {
	return &StreamSession{
		ConversationID: conversationID,
		StartedAt:      time.Now(),
		emitter:        s.emitter,
		maxFrames:      defaultMaxReplayFrames,
		subscribers:    make(map[chan StreamFrame]struct{}),
		done:           make(chan struct{}),
	}
}

// OpenStream creates a session and makes it the conversation's current one.
func (s *DeliveryService) OpenStream(conversationID string) *StreamSession {
	ss := s.NewStreamSession(conversationID)
	s.ActivateStream(ss)
	return ss
}

// ActivateStream makes ss the session returned by Stream. A replaced session
// is left alone: its turn still finishes it with the persisted message id.
func (s *DeliveryService) ActivateStream(ss *StreamSession) {
	s.streams.Store(ss.ConversationID, ss)
}

// Stream returns the latest stream session of a conversation.
func (s *DeliveryService) Stream(conversationID string) (*StreamSession, bool) {
	v, ok := s.streams.Load(conversationID)
	if !ok {
		return nil, false
	}
	return v.(*StreamSession), true
}

// CloseStream drops the session of an archived conversation.
func (s *DeliveryService) CloseStream(conversationID string) {
	if v, ok := s.streams.LoadAndDelete(conversationID); ok {
		ss := v.(*StreamSession)
		if !ss.isClosed() {
			ss.Done(ss.TurnID(), "", context.Canceled)
		}
	}
}

// Notify emits a conversation-level event.
func (s *DeliveryService) Notify(ev event.Event) {
	s.emitter.Emit(ev)
}

func (ss *StreamSession) isClosed() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.closed
}
