// Rolling-summary compaction of conversation history
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/event"
	"github.com/choraleia/concierge/pkg/utils"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// Compaction modes
const (
	CompactionModeLLM    = "llm"
	CompactionModeConcat = "concat"
)

// CompactorConfig holds configuration for compaction
type CompactorConfig struct {
	MaxUnsummarizedMessages int           `yaml:"max_unsummarized_messages"` // Trigger when the tail exceeds this many messages
	MaxUnsummarizedTokens   int           `yaml:"max_unsummarized_tokens"`   // ...or this many estimated tokens
	KeepRecent              int           `yaml:"keep_recent"`               // Messages left out of the summary
	MaxSummaryChars         int           `yaml:"max_summary_chars"`
	Mode                    string        `yaml:"mode"` // llm or concat
	ModelTimeout            time.Duration `yaml:"model_timeout"`
}

// DefaultCompactorConfig returns default compaction configuration
func DefaultCompactorConfig() *CompactorConfig {
	return &CompactorConfig{
		MaxUnsummarizedMessages: 40,
		MaxUnsummarizedTokens:   4000,
		KeepRecent:              10,
		MaxSummaryChars:         4000,
		Mode:                    CompactionModeLLM,
		ModelTimeout:            45 * time.Second,
	}
}

// CompactionResult describes one compaction pass.
type CompactionResult struct {
	ConversationID string                   `json:"conversation_id"`
	Mode           string                   `json:"mode"`
	Folded         int                      `json:"folded"`
	ThroughSeq     int64                    `json:"summarized_through_seq"`
	Remaining      int                      `json:"remaining"`
	Snapshot       *db.ConversationSnapshot `json:"snapshot"`
}

// Compactor folds old messages into the conversation's rolling summary.
// Messages are never deleted; only the watermark moves.
type Compactor struct {
	store   *ConversationStore
	model   einoModel.ToolCallingChatModel
	config  *CompactorConfig
	emitter *event.Emitter
	logger  *slog.Logger
}

func NewCompactor(store *ConversationStore, chatModel einoModel.ToolCallingChatModel, config *CompactorConfig) *Compactor {
	if config == nil {
		config = DefaultCompactorConfig()
	}
	return &Compactor{
		store:   store,
		model:   chatModel,
		config:  config,
		emitter: event.Global(),
		logger:  utils.GetLogger(),
	}
}

// NeedsCompaction reports whether the unsummarized tail crossed a threshold.
func (c *Compactor) NeedsCompaction(tail []db.Message) bool {
	if len(tail) > c.config.MaxUnsummarizedMessages {
		return true
	}
	return estimateMessageTokens(tail) > c.config.MaxUnsummarizedTokens
}

// Compact folds the oldest unsummarized messages when a threshold is
// crossed. It returns nil, nil when there is nothing to do.
func (c *Compactor) Compact(ctx context.Context, conversationID string) (*CompactionResult, error) {
	return c.compact(ctx, conversationID, false)
}

// CompactNow folds regardless of the thresholds, still keeping KeepRecent
// messages out of the summary.
func (c *Compactor) CompactNow(ctx context.Context, conversationID string) (*CompactionResult, error) {
	return c.compact(ctx, conversationID, true)
}

func (c *Compactor) compact(ctx context.Context, conversationID string, force bool) (*CompactionResult, error) {
	conv, err := c.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	tail, err := c.store.Unsummarized(ctx, conv)
	if err != nil {
		return nil, newTurnError(KindCompactionError, "compact", err)
	}
	if !force && !c.NeedsCompaction(tail) {
		return nil, nil
	}

	keep := c.keepCount(tail)
	if keep >= len(tail) {
		return nil, nil
	}
	toFold := tail[:len(tail)-keep]

	c.logger.Info("Conversation needs compaction",
		"conversationID", conversationID,
		"unsummarized", len(tail),
		"folding", len(toFold))

	mode := c.config.Mode
	var summary string
	if mode == CompactionModeLLM && c.model != nil {
		summary, err = c.summarize(ctx, conv.SummaryText(), toFold)
		if err != nil {
			compactionsTotal.WithLabelValues(mode, "error").Inc()
			c.logger.Warn("Compaction failed", "conversationID", conversationID, "error", err)
			return nil, newTurnError(KindCompactionError, "compact", err)
		}
	} else {
		mode = CompactionModeConcat
		summary = concatSummary(conv.SummaryText(), toFold)
	}
	summary = boundSummary(summary, c.config.MaxSummaryChars)

	originalTokens := estimateMessageTokens(toFold)
	compressedTokens := utils.EstimateTokens(summary)
	var ratio float64
	if originalTokens > 0 {
		ratio = float64(compressedTokens) / float64(originalTokens)
	}
	throughSeq := toFold[len(toFold)-1].Seq
	snapshot := &db.ConversationSnapshot{
		ID:               uuid.New().String(),
		ConversationID:   conversationID,
		Summary:          summary,
		Mode:             mode,
		FromSeq:          toFold[0].Seq,
		ToSeq:            throughSeq,
		MessageCount:     len(toFold),
		OriginalTokens:   originalTokens,
		CompressedTokens: compressedTokens,
		CompressionRatio: ratio,
		CreatedAt:        time.Now(),
	}

	if err := c.store.UpdateSummary(ctx, conversationID, conv.SummarizedThroughSeq, throughSeq, summary, snapshot); err != nil {
		if errors.Is(err, ErrSummaryConflict) {
			c.logger.Debug("Compaction lost the race, skipping", "conversationID", conversationID)
			return nil, nil
		}
		compactionsTotal.WithLabelValues(mode, "error").Inc()
		return nil, newTurnError(KindCompactionError, "compact", err)
	}

	compactionsTotal.WithLabelValues(mode, "success").Inc()
	c.emitter.Emit(event.ConversationCompactedEvent{ConversationID: conversationID, SummarizedThroughSeq: throughSeq})
	c.logger.Info("Conversation compacted",
		"conversationID", conversationID,
		"mode", mode,
		"folded", len(toFold),
		"throughSeq", throughSeq,
		"ratio", fmt.Sprintf("%.2f", ratio))

	return &CompactionResult{
		ConversationID: conversationID,
		Mode:           mode,
		Folded:         len(toFold),
		ThroughSeq:     throughSeq,
		Remaining:      keep,
		Snapshot:       snapshot,
	}, nil
}

// keepCount returns how many recent messages stay unsummarized. The kept
// tail always ends below both thresholds.
func (c *Compactor) keepCount(tail []db.Message) int {
	keep := c.config.KeepRecent
	if keep >= c.config.MaxUnsummarizedMessages {
		keep = c.config.MaxUnsummarizedMessages - 1
	}
	if keep > len(tail) {
		keep = len(tail)
	}
	if keep < 0 {
		keep = 0
	}
	for keep > 0 && estimateMessageTokens(tail[len(tail)-keep:]) > c.config.MaxUnsummarizedTokens {
		keep--
	}
	return keep
}

type summaryJSON struct {
	Summary string `json:"summary"`
}

// summarize merges the previous summary with the folded messages in one
// model call.
func (c *Compactor) summarize(ctx context.Context, previous string, msgs []db.Message) (string, error) {
	prompt := `Update the running summary of a customer conversation.

Output a JSON object:
{"summary": "Concise summary of who the customer is, what they asked for, what was quoted or created, and anything still open"}

Keep names, quantities, prices, quote references and folder names exactly as written.
`
	if previous != "" {
		prompt += "\nCurrent summary:\n" + previous + "\n"
	}
	prompt += "\nNew messages:\n" + transcript(msgs) + "\nOutput JSON only, no other text:"

	callCtx, cancel := context.WithTimeout(ctx, c.config.ModelTimeout)
	defer cancel()
	resp, err := c.model.Generate(callCtx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", fmt.Errorf("summary generation failed: %w", err)
	}

	content := strings.TrimSpace(resp.Content)
	if idx := strings.Index(content, "{"); idx >= 0 {
		content = content[idx:]
	}
	if idx := strings.LastIndex(content, "}"); idx >= 0 {
		content = content[:idx+1]
	}
	var out summaryJSON
	if err := json.Unmarshal([]byte(content), &out); err != nil || strings.TrimSpace(out.Summary) == "" {
		c.logger.Warn("Failed to parse summary JSON, using raw content", "error", err)
		out.Summary = strings.TrimSpace(resp.Content)
	}
	if out.Summary == "" {
		return "", errors.New("model returned an empty summary")
	}
	return out.Summary, nil
}

// concatSummary is the deterministic mode: the previous summary followed by
// one line per folded message.
func concatSummary(previous string, msgs []db.Message) string {
	var sb strings.Builder
	if previous != "" {
		sb.WriteString(previous)
		sb.WriteString("\n")
	}
	sb.WriteString(transcript(msgs))
	return strings.TrimSpace(sb.String())
}

func transcript(msgs []db.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Kind == db.MessageKindActionResult || m.Kind == db.MessageKindSystem {
			continue
		}
		body := strings.Join(strings.Fields(m.Body), " ")
		if body == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("%s: %s\n", m.SenderKind, body))
	}
	return sb.String()
}

// boundSummary keeps the last max characters, starting at a line or word
// boundary when one is close.
func boundSummary(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	cut := string(r[len(r)-max:])
	if i := strings.IndexAny(cut, "\n "); i >= 0 && i < max/10 {
		cut = cut[i+1:]
	}
	return strings.TrimSpace(cut)
}

func estimateMessageTokens(msgs []db.Message) int {
	total := 0
	for _, m := range msgs {
		total += utils.EstimateTokens(m.Body)
	}
	return total
}
