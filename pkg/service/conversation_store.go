package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrSummaryConflict = errors.New("summary watermark moved concurrently")

// NewMessage is the input to Append. Seq, ID and CreatedAt are assigned by
// the store.
type NewMessage struct {
	SenderKind string
	SenderID   string
	Kind       string
	Body       string
	TurnID     string
	ReplyToSeq int64
	Intents    db.IntentRecords
}

// ConversationStore persists conversations and their append-only message log.
// It exposes no way to modify or delete a message.
type ConversationStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewConversationStore(database *gorm.DB) *ConversationStore {
	return &ConversationStore{
		db:     database,
		logger: utils.GetLogger(),
	}
}

// GetOrCreateOpen returns the customer's open conversation, creating it on
// first use. created reports whether a new row was inserted.
func (s *ConversationStore) GetOrCreateOpen(ctx context.Context, tenantID, customerID string) (conv *db.Conversation, created bool, err error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(customerID) == "" {
		return nil, false, fmt.Errorf("tenant and customer are required")
	}
	key := db.OpenKeyFor(tenantID, customerID)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.Conversation
		err := tx.Where("open_key = ?", key).First(&existing).Error
		if err == nil {
			conv = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now()
		conv = &db.Conversation{
			ID:             uuid.New().String(),
			TenantID:       tenantID,
			CustomerID:     customerID,
			Status:         db.ConversationStatusOpen,
			OpenKey:        &key,
			LastActivityAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		// A concurrent writer on another connection may have won the unique
		// open_key; its row is the answer.
		var existing db.Conversation
		if ferr := s.db.WithContext(ctx).Where("open_key = ?", key).First(&existing).Error; ferr == nil {
			return &existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to get or create conversation: %w", err)
	}
	if created {
		s.logger.Info("Conversation opened", "conversationID", conv.ID, "tenantID", tenantID, "customerID", customerID)
	}
	return conv, created, nil
}

// Get returns a conversation by id.
func (s *ConversationStore) Get(ctx context.Context, id string) (*db.Conversation, error) {
	var conv db.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// Append adds msgs to the end of the conversation log in one transaction.
// Seq values are allocated from the conversation row so concurrent writers
// are serialized by the store.
func (s *ConversationStore) Append(ctx context.Context, conversationID string, msgs ...NewMessage) ([]db.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	var out []db.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&db.Conversation{}).
			Where("id = ? AND status = ?", conversationID, db.ConversationStatusOpen).
			Updates(map[string]interface{}{
				"last_seq":         gorm.Expr("last_seq + ?", len(msgs)),
				"last_activity_at": now,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var status string
			err := tx.Model(&db.Conversation{}).Select("status").Where("id = ?", conversationID).Row().Scan(&status)
			if err != nil {
				return ErrConversationNotFound
			}
			return ErrConversationArchived
		}

		var lastSeq int64
		if err := tx.Model(&db.Conversation{}).Select("last_seq").Where("id = ?", conversationID).Row().Scan(&lastSeq); err != nil {
			return err
		}

		out = make([]db.Message, len(msgs))
		first := lastSeq - int64(len(msgs)) + 1
		for i, m := range msgs {
			kind := m.Kind
			if kind == "" {
				kind = db.MessageKindText
			}
			row := db.Message{
				ID:             uuid.New().String(),
				ConversationID: conversationID,
				Seq:            first + int64(i),
				SenderKind:     m.SenderKind,
				SenderID:       m.SenderID,
				Kind:           kind,
				Body:           m.Body,
				Intents:        m.Intents,
				CreatedAt:      now,
			}
			if m.TurnID != "" {
				turnID := m.TurnID
				row.TurnID = &turnID
			}
			if m.ReplyToSeq > 0 {
				replyTo := m.ReplyToSeq
				row.ReplyToSeq = &replyTo
			}
			out[i] = row
		}
		return tx.Create(&out).Error
	})
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) || errors.Is(err, ErrConversationArchived) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to append messages: %w", err)
	}
	return out, nil
}

// ListMessages returns messages with seq > afterSeq in order. limit <= 0
// returns everything.
func (s *ConversationStore) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]db.Message, error) {
	q := s.db.WithContext(ctx).Where("conversation_id = ? AND seq > ?", conversationID, afterSeq).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var msgs []db.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// Recent returns the last n messages in ascending seq order.
func (s *ConversationStore) Recent(ctx context.Context, conversationID string, n int) ([]db.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	var msgs []db.Message
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("seq DESC").Limit(n).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Unsummarized returns every message past the summary watermark.
func (s *ConversationStore) Unsummarized(ctx context.Context, conv *db.Conversation) ([]db.Message, error) {
	return s.ListMessages(ctx, conv.ID, conv.SummarizedThroughSeq, 0)
}

// LatestCustomerMessage returns the newest message sent by the customer.
func (s *ConversationStore) LatestCustomerMessage(ctx context.Context, conversationID string) (*db.Message, error) {
	return s.CustomerMessageThrough(ctx, conversationID, 0)
}

// CustomerMessageThrough returns the newest customer message with seq at or
// below maxSeq. maxSeq <= 0 means no bound.
func (s *ConversationStore) CustomerMessageThrough(ctx context.Context, conversationID string, maxSeq int64) (*db.Message, error) {
	q := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sender_kind = ?", conversationID, db.SenderCustomer)
	if maxSeq > 0 {
		q = q.Where("seq <= ?", maxSeq)
	}
	var msg db.Message
	if err := q.Order("seq DESC").First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoCustomerMessage
		}
		return nil, err
	}
	return &msg, nil
}

// Answered reports whether an assistant reply answers the customer message at
// seq or a later one.
func (s *ConversationStore) Answered(ctx context.Context, conversationID string, seq int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&db.Message{}).
		Where("conversation_id = ? AND sender_kind = ? AND kind = ? AND reply_to_seq >= ?",
			conversationID, db.SenderAssistant, db.MessageKindText, seq).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateSummary stores a new rolling summary and moves the watermark from
// fromSeq to throughSeq. It fails with ErrSummaryConflict if another
// compaction moved the watermark first. snapshot, if not nil, is written in
// the same transaction.
func (s *ConversationStore) UpdateSummary(ctx context.Context, conversationID string, fromSeq, throughSeq int64, summary string, snapshot *db.ConversationSnapshot) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&db.Conversation{}).
			Where("id = ? AND summarized_through_seq = ?", conversationID, fromSeq).
			Updates(map[string]interface{}{
				"summary":                summary,
				"summary_updated_at":     now,
				"summarized_through_seq": throughSeq,
				"compaction_count":       gorm.Expr("compaction_count + 1"),
				"updated_at":             now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update summary: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrSummaryConflict
		}
		if snapshot != nil {
			if err := tx.Create(snapshot).Error; err != nil {
				return fmt.Errorf("failed to create snapshot: %w", err)
			}
		}
		return nil
	})
}

// Snapshots returns the compaction history of a conversation, newest first.
func (s *ConversationStore) Snapshots(ctx context.Context, conversationID string) ([]db.ConversationSnapshot, error) {
	var snapshots []db.ConversationSnapshot
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("to_seq DESC").Find(&snapshots).Error
	return snapshots, err
}

// Archive closes the conversation. Archiving twice is a no-op.
func (s *ConversationStore) Archive(ctx context.Context, conversationID string) (*db.Conversation, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&db.Conversation{}).
		Where("id = ? AND status = ?", conversationID, db.ConversationStatusOpen).
		Updates(map[string]interface{}{
			"status":      db.ConversationStatusArchived,
			"open_key":    nil,
			"archived_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to archive conversation: %w", res.Error)
	}
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected > 0 {
		s.logger.Info("Conversation archived", "conversationID", conversationID)
	}
	return conv, nil
}

// ListIdleOpen returns open conversations without activity since idleSince.
func (s *ConversationStore) ListIdleOpen(ctx context.Context, idleSince time.Time, limit int) ([]db.Conversation, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND last_activity_at < ?", db.ConversationStatusOpen, idleSince).
		Order("last_activity_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var convs []db.Conversation
	if err := q.Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("failed to list idle conversations: %w", err)
	}
	return convs, nil
}
