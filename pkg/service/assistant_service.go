package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/event"
	"github.com/choraleia/concierge/pkg/utils"
)

// AssistantConfig holds configuration for turn coordination
type AssistantConfig struct {
	Lookback int  `yaml:"lookback_messages"`
	Stream   bool `yaml:"stream"` // Stream every turn, not only when a caller asks for it
}

func DefaultAssistantConfig() *AssistantConfig {
	return &AssistantConfig{Lookback: 10}
}

// PostResult is returned once a customer message is stored. The assistant
// reply, if any, is produced afterwards by a detached task.
type PostResult struct {
	Conversation *db.Conversation `json:"conversation"`
	Message      *db.Message      `json:"message"`
	Decision     Decision         `json:"decision"`
	Created      bool             `json:"created"`

	// Stream is the provisional delta stream of the started turn, when
	// streaming was requested.
	Stream *StreamSession `json:"-"`
}

// AssistantService coordinates a turn: store the customer's message, ask
// the arbiter who answers, and run generation detached from the request.
type AssistantService struct {
	store      *ConversationStore
	delivery   *DeliveryService
	completion *CompletionService
	compactor  *Compactor
	staff      StaffDirectory
	config     *AssistantConfig
	logger     *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu     sync.Mutex
	turns  map[string]*conversationTurns
	closed bool
	wg     sync.WaitGroup
}

// conversationTurns serializes the turns of one conversation: one running,
// at most one queued. Messages arriving while a turn runs merge into the
// queued turn, which answers the newest of them.
type conversationTurns struct {
	tenantID string
	cancel   context.CancelFunc // nil when idle
	queued   *queuedTurn
}

type queuedTurn struct {
	replyTo int64
	session *StreamSession
	recheck bool // repeat arbitration before running
}

func NewAssistantService(store *ConversationStore, delivery *DeliveryService, completion *CompletionService, compactor *Compactor, staff StaffDirectory, config *AssistantConfig) *AssistantService {
	if config == nil {
		config = DefaultAssistantConfig()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &AssistantService{
		store:      store,
		delivery:   delivery,
		completion: completion,
		compactor:  compactor,
		staff:      staff,
		config:     config,
		logger:     utils.GetLogger(),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		turns:      make(map[string]*conversationTurns),
	}
}

// PostCustomerMessage stores a customer message and, when the assistant owns
// the turn, starts generating a reply in the background.
func (s *AssistantService) PostCustomerMessage(ctx context.Context, tenantID, customerID, body string, stream bool) (*PostResult, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyMessage
	}
	conv, created, err := s.store.GetOrCreateOpen(ctx, tenantID, customerID)
	if err != nil {
		return nil, err
	}
	if created {
		s.delivery.Notify(event.ConversationOpenedEvent{ConversationID: conv.ID, TenantID: tenantID, CustomerID: customerID})
	}

	rows, err := s.delivery.Deliver(ctx, conv.ID, NewMessage{
		SenderKind: db.SenderCustomer,
		SenderID:   customerID,
		Kind:       db.MessageKindText,
		Body:       body,
	})
	if err != nil {
		return nil, err
	}
	result := &PostResult{Conversation: conv, Message: &rows[0], Created: created}

	recent, err := s.store.Recent(ctx, conv.ID, s.config.Lookback)
	if err != nil {
		return nil, err
	}
	result.Decision = Arbitrate(conv.TenantID, recent, s.config.Lookback, s.staff)
	if !result.Decision.AssistantMayRespond() {
		turnsTotal.WithLabelValues("suppressed").Inc()
		s.delivery.Notify(event.AssistantSuppressedEvent{
			ConversationID: conv.ID,
			MessageID:      rows[0].ID,
			StaffID:        result.Decision.StaffID,
		})
		s.logger.Info("Assistant suppressed, staff owns the turn", "conversationID", conv.ID, "staffID", result.Decision.StaffID)
		return result, nil
	}

	result.Stream = s.enqueueTurn(conv, rows[0].Seq, stream || s.config.Stream)
	return result, nil
}

// PostStaffMessage stores a staff reply. Its presence in the lookback window
// keeps the assistant quiet on following turns.
func (s *AssistantService) PostStaffMessage(ctx context.Context, conversationID, staffID, body string) (*db.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyMessage
	}
	rows, err := s.delivery.Deliver(ctx, conversationID, NewMessage{
		SenderKind: db.SenderStaff,
		SenderID:   staffID,
		Kind:       db.MessageKindText,
		Body:       body,
	})
	if err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// Archive closes the conversation and cancels its running turns. A cancelled
// turn persists nothing.
func (s *AssistantService) Archive(ctx context.Context, conversationID string) (*db.Conversation, error) {
	conv, err := s.store.Archive(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	ct := s.turns[conversationID]
	delete(s.turns, conversationID)
	s.mu.Unlock()
	if ct != nil {
		if ct.cancel != nil {
			ct.cancel()
		}
		if ct.queued != nil && ct.queued.session != nil {
			ct.queued.session.Done("", "", context.Canceled)
		}
		s.logger.Info("Cancelled turns of archived conversation", "conversationID", conversationID)
	}

	s.delivery.CloseStream(conversationID)
	s.delivery.Notify(event.ConversationArchivedEvent{ConversationID: conversationID})
	return conv, nil
}

// Running reports how many turns are in flight for a conversation, counting
// a queued turn.
func (s *AssistantService) Running(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct := s.turns[conversationID]
	if ct == nil {
		return 0
	}
	n := 0
	if ct.cancel != nil {
		n++
	}
	if ct.queued != nil {
		n++
	}
	return n
}

// enqueueTurn starts a turn answering the message at seq, or merges it into
// the turn queued behind the running one.
func (s *AssistantService) enqueueTurn(conv *db.Conversation, seq int64, stream bool) *StreamSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("Shutting down, not starting turn", "conversationID", conv.ID)
		return nil
	}
	ct := s.turns[conv.ID]
	if ct == nil {
		ct = &conversationTurns{tenantID: conv.TenantID}
		s.turns[conv.ID] = ct
	}

	if ct.cancel == nil {
		turn := &queuedTurn{replyTo: seq}
		if stream {
			turn.session = s.delivery.NewStreamSession(conv.ID)
		}
		s.launch(conv.ID, ct, turn)
		return turn.session
	}

	if ct.queued == nil {
		ct.queued = &queuedTurn{recheck: true}
	}
	if seq > ct.queued.replyTo {
		ct.queued.replyTo = seq
	}
	if stream && ct.queued.session == nil {
		ct.queued.session = s.delivery.NewStreamSession(conv.ID)
	}
	s.logger.Debug("Turn queued behind running turn", "conversationID", conv.ID, "replyTo", ct.queued.replyTo)
	if !stream {
		return nil
	}
	return ct.queued.session
}

// launch runs turn in the background. s.mu must be held.
func (s *AssistantService) launch(conversationID string, ct *conversationTurns, turn *queuedTurn) {
	ctx, cancel := context.WithCancel(s.rootCtx)
	ct.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		activeTurns.Inc()
		if turn.session != nil {
			s.delivery.ActivateStream(turn.session)
		}
		var sink DeltaSink
		if turn.session != nil {
			sink = turn.session
		}
		if turn.recheck && !s.stillAssistantTurn(ctx, conversationID, ct.tenantID) {
			if turn.session != nil {
				turn.session.Done("", "", nil)
			}
		} else {
			s.runTurn(ctx, conversationID, turn.replyTo, sink)
		}
		activeTurns.Dec()
		s.finish(conversationID, ct, cancel)
	}()
}

// stillAssistantTurn repeats the arbitration for a turn that waited behind
// another one, since staff may have replied in the meantime.
func (s *AssistantService) stillAssistantTurn(ctx context.Context, conversationID, tenantID string) bool {
	recent, err := s.store.Recent(ctx, conversationID, s.config.Lookback)
	if err != nil {
		s.logger.Warn("Failed to re-check ownership of queued turn", "conversationID", conversationID, "error", err)
		return false
	}
	decision := Arbitrate(tenantID, recent, s.config.Lookback, s.staff)
	if decision.AssistantMayRespond() {
		return true
	}
	turnsTotal.WithLabelValues("suppressed").Inc()
	s.delivery.Notify(event.AssistantSuppressedEvent{ConversationID: conversationID, StaffID: decision.StaffID})
	s.logger.Info("Queued turn dropped, staff owns the conversation", "conversationID", conversationID, "staffID", decision.StaffID)
	return false
}

func (s *AssistantService) runTurn(ctx context.Context, conversationID string, replyTo int64, sink DeltaSink) {
	if _, err := s.completion.GenerateTurn(ctx, conversationID, replyTo, sink); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			s.logger.Info("Turn cancelled", "conversationID", conversationID)
		case errors.Is(err, ErrTurnAnswered):
			s.logger.Info("Customer message already answered, skipping turn", "conversationID", conversationID, "replyTo", replyTo)
		default:
			s.logger.Warn("Turn failed", "conversationID", conversationID, "kind", KindOf(err), "error", err)
		}
		return
	}
	if s.compactor == nil {
		return
	}
	if _, err := s.compactor.Compact(ctx, conversationID); err != nil {
		s.logger.Warn("Compaction after turn failed", "conversationID", conversationID, "error", err)
	}
}

// finish releases the running slot and starts the queued turn, if any.
func (s *AssistantService) finish(conversationID string, ct *conversationTurns, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	if s.turns[conversationID] != ct {
		// Archived while running; Archive already handled the queue.
		s.mu.Unlock()
		return
	}
	next := ct.queued
	ct.queued = nil
	ct.cancel = nil
	if next != nil && !s.closed {
		s.launch(conversationID, ct, next)
		s.mu.Unlock()
		return
	}
	delete(s.turns, conversationID)
	s.mu.Unlock()

	if next != nil && next.session != nil {
		next.session.Done("", "", context.Canceled)
	}
}

// Wait blocks until every running turn has finished.
func (s *AssistantService) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting turns and drains running ones. When ctx expires
// first, the remaining turns are cancelled.
func (s *AssistantService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.rootCancel()
		return nil
	case <-ctx.Done():
		s.rootCancel()
		<-drained
		return ctx.Err()
	}
}
