package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/event"
	"github.com/choraleia/concierge/pkg/tools"
	"github.com/choraleia/concierge/pkg/utils"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

const (
	// UnavailableNote is shown to the customer when a completion fails.
	UnavailableNote = "The assistant is unavailable right now. A team member will follow up, or you can try again."
	// ClarificationReply replaces an empty model reply.
	ClarificationReply = "Sorry, I did not quite catch that. Could you tell me a little more about what you need?"
)

// CompletionConfig holds configuration for reply generation
type CompletionConfig struct {
	SenderID             string        `yaml:"sender_id"`
	SystemPrompt         string        `yaml:"system_prompt"`
	RecentTurns          int           `yaml:"recent_turns"`
	HistoryTokenBudget   int           `yaml:"history_token_budget"`
	RetrievalTokenBudget int           `yaml:"retrieval_token_budget"`
	ModelTimeout         time.Duration `yaml:"model_timeout"`
}

func DefaultCompletionConfig() *CompletionConfig {
	return &CompletionConfig{
		SenderID:             "assistant",
		SystemPrompt:         "You are a helpful customer assistant.",
		RecentTurns:          20,
		HistoryTokenBudget:   3000,
		RetrievalTokenBudget: 1500,
		ModelTimeout:         45 * time.Second,
	}
}

// CompletionService produces the assistant's reply for the latest customer
// message of a conversation. Nothing is persisted until the model call and
// the actions it requested have finished.
type CompletionService struct {
	store     *ConversationStore
	retriever Retriever
	delivery  *DeliveryService
	executor  *ActionExecutor
	model     einoModel.ToolCallingChatModel
	config    *CompletionConfig
	logger    *slog.Logger
}

func NewCompletionService(store *ConversationStore, retriever Retriever, delivery *DeliveryService, executor *ActionExecutor, chatModel einoModel.ToolCallingChatModel, config *CompletionConfig) *CompletionService {
	if config == nil {
		config = DefaultCompletionConfig()
	}
	return &CompletionService{
		store:     store,
		retriever: retriever,
		delivery:  delivery,
		executor:  executor,
		model:     chatModel,
		config:    config,
		logger:    utils.GetLogger(),
	}
}

// TurnReply is the persisted outcome of a successful turn.
type TurnReply struct {
	Message      *db.Message    `json:"message"`
	ActionResult *db.Message    `json:"action_result,omitempty"`
	Results      []ActionResult `json:"results,omitempty"`
}

// Generate answers in batch mode.
func (s *CompletionService) Generate(ctx context.Context, conversationID string) (*db.Message, error) {
	reply, err := s.run(ctx, conversationID, 0, nil)
	if err != nil {
		return nil, err
	}
	return reply.Message, nil
}

// GenerateStream answers while pushing provisional text deltas to sink. The
// sink always receives a final Done.
func (s *CompletionService) GenerateStream(ctx context.Context, conversationID string, sink DeltaSink) (*db.Message, error) {
	reply, err := s.run(ctx, conversationID, 0, sink)
	if err != nil {
		return nil, err
	}
	return reply.Message, nil
}

// GenerateTurn answers the newest customer message with seq at or below
// replyTo and returns the action-result message too. With replyTo > 0 a
// message already answered, directly or through a reply to a later message,
// yields ErrTurnAnswered and nothing is called or persisted.
func (s *CompletionService) GenerateTurn(ctx context.Context, conversationID string, replyTo int64, sink DeltaSink) (*TurnReply, error) {
	return s.run(ctx, conversationID, replyTo, sink)
}

func (s *CompletionService) run(ctx context.Context, conversationID string, replyTo int64, sink DeltaSink) (reply *TurnReply, err error) {
	turnID := uuid.New().String()
	if sink != nil {
		defer func() {
			if err != nil {
				sink.Done(turnID, "", err)
			} else {
				sink.Done(turnID, reply.Message.ID, nil)
			}
		}()
	}

	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsOpen() {
		return nil, ErrConversationArchived
	}
	latest, err := s.store.CustomerMessageThrough(ctx, conversationID, replyTo)
	if err != nil {
		return nil, err
	}
	if replyTo > 0 {
		answered, err := s.store.Answered(ctx, conversationID, latest.Seq)
		if err != nil {
			return nil, err
		}
		if answered {
			turnsTotal.WithLabelValues("skipped").Inc()
			return nil, ErrTurnAnswered
		}
	}
	tail, err := s.store.Unsummarized(ctx, conv)
	if err != nil {
		return nil, err
	}
	history := selectHistory(tail, latest, s.config.RecentTurns, s.config.HistoryTokenBudget)

	snippets := s.retrieve(ctx, conv, latest.Body)

	prompt := BuildPrompt(PromptInput{
		SystemPrompt: s.config.SystemPrompt,
		Snippets:     snippets,
		Summary:      conv.SummaryText(),
		History:      history,
		Latest:       latest,
	})

	resp, err := s.complete(ctx, prompt, turnID, sink)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by archive: leave no trace.
			turnsTotal.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		}
		return nil, s.fail(ctx, conversationID, turnID, err)
	}

	text := strings.TrimSpace(resp.Content)
	intents := intentsFrom(resp)
	if text == "" && len(intents) == 0 {
		text = ClarificationReply
	}

	var results []ActionResult
	if len(intents) > 0 {
		identity := ServiceIdentity{Actor: s.config.SenderID, TenantID: conv.TenantID, CustomerID: conv.CustomerID}
		results = s.executor.ExecuteAll(ctx, identity, intents)
	}
	if ctx.Err() != nil {
		turnsTotal.WithLabelValues("cancelled").Inc()
		return nil, ctx.Err()
	}

	msgs := []NewMessage{{
		SenderKind: db.SenderAssistant,
		SenderID:   s.config.SenderID,
		Kind:       db.MessageKindText,
		Body:       FoldOutcomes(text, results),
		TurnID:     turnID,
		ReplyToSeq: latest.Seq,
		Intents:    intentRecords(intents, results),
	}}
	if len(results) > 0 {
		msgs = append(msgs, NewMessage{
			SenderKind: db.SenderAssistant,
			SenderID:   s.config.SenderID,
			Kind:       db.MessageKindActionResult,
			Body:       ActionResultBody(results),
			TurnID:     turnID,
		})
	}
	rows, err := s.delivery.Deliver(ctx, conversationID, msgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to persist reply: %w", err)
	}

	reply = &TurnReply{Message: &rows[0], Results: results}
	if len(rows) > 1 {
		reply.ActionResult = &rows[1]
	}
	turnsTotal.WithLabelValues("replied").Inc()
	s.logger.Info("Assistant replied", "conversationID", conversationID, "turnID", turnID,
		"snippets", len(snippets), "intents", len(intents))
	return reply, nil
}

// retrieve never fails the turn: an unavailable index means no context.
func (s *CompletionService) retrieve(ctx context.Context, conv *db.Conversation, query string) []Snippet {
	if s.retriever == nil {
		return nil
	}
	snippets, err := s.retriever.Retrieve(ctx, query, RetrievalScope{TenantID: conv.TenantID, CustomerID: conv.CustomerID}, s.config.RetrievalTokenBudget)
	if err != nil {
		s.logger.Warn("Retrieval failed, answering without context", "conversationID", conv.ID, "kind", KindOf(err), "error", err)
		return nil
	}
	return snippets
}

// complete calls the model under the hard timeout. The stream path forwards
// text deltas and concatenates the chunks to recover tool calls.
func (s *CompletionService) complete(ctx context.Context, prompt []*schema.Message, turnID string, sink DeltaSink) (*schema.Message, error) {
	if s.model == nil {
		return nil, ErrModelNotConfigured
	}
	chatModel := s.model
	if s.executor.Enabled() {
		bound, err := s.model.WithTools(tools.ToolInfos())
		if err != nil {
			return nil, fmt.Errorf("failed to bind action tools: %w", err)
		}
		chatModel = bound
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.ModelTimeout)
	defer cancel()

	mode := "batch"
	if sink != nil {
		mode = "stream"
	}
	start := time.Now()
	defer func() { completionDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds()) }()

	if sink == nil {
		resp, err := chatModel.Generate(callCtx, prompt)
		if err == nil && callCtx.Err() != nil {
			err = callCtx.Err()
		}
		if err != nil {
			return nil, withCallContext(callCtx, err)
		}
		return resp, nil
	}

	reader, err := chatModel.Stream(callCtx, prompt)
	if err != nil {
		return nil, withCallContext(callCtx, err)
	}
	defer reader.Close()

	var chunks []*schema.Message
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, withCallContext(callCtx, err)
		}
		if callCtx.Err() != nil {
			return nil, callCtx.Err()
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		sink.Delta(turnID, chunk.Content)
	}
	if len(chunks) == 0 {
		return &schema.Message{Role: schema.Assistant}, nil
	}
	return schema.ConcatMessages(chunks)
}

// withCallContext prefers the context error so a provider that wraps the
// deadline differently is still classified as a timeout.
func withCallContext(callCtx context.Context, err error) error {
	if ctxErr := callCtx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

// fail records the unavailable note and returns the classified error. The
// note is a system message outside the turn: it is not a reply, so the
// customer's message stays unanswered and the next message retries.
func (s *CompletionService) fail(ctx context.Context, conversationID, turnID string, err error) error {
	kind := KindCompletionProviderError
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindCompletionTimeout
	}
	completionFailures.WithLabelValues(string(kind)).Inc()
	turnsTotal.WithLabelValues("failed").Inc()
	s.logger.Error("Completion failed", "conversationID", conversationID, "kind", kind, "error", err)

	s.delivery.Notify(event.AssistantUnavailableEvent{
		ConversationID: conversationID,
		TurnID:         turnID,
		Kind:           string(kind),
		Note:           UnavailableNote,
	})
	if _, err := s.delivery.Deliver(ctx, conversationID, NewMessage{
		SenderKind: db.SenderAssistant,
		SenderID:   s.config.SenderID,
		Kind:       db.MessageKindSystem,
		Body:       UnavailableNote,
	}); err != nil {
		s.logger.Warn("Failed to record unavailable note", "conversationID", conversationID, "error", err)
	}
	return newTurnError(kind, "generate", err)
}

// intentsFrom turns the tool calls of a model reply into action intents.
func intentsFrom(resp *schema.Message) []ActionIntent {
	if resp == nil || len(resp.ToolCalls) == 0 {
		return nil
	}
	intents := make([]ActionIntent, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		intents = append(intents, ActionIntent{Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return intents
}
