package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/utils"
	"gorm.io/gorm"
)

var ErrStaffNotFound = errors.New("staff member not found")

type staffCacheEntry struct {
	staff   bool
	expires time.Time
}

// IdentityService answers identity questions from the staff_members table:
// whether a sender is staff and which customer owns a conversation.
type IdentityService struct {
	db     *gorm.DB
	logger *slog.Logger
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]staffCacheEntry
}

func NewIdentityService(database *gorm.DB) *IdentityService {
	return &IdentityService{
		db:     database,
		logger: utils.GetLogger(),
		ttl:    time.Minute,
		cache:  make(map[string]staffCacheEntry),
	}
}

// IsStaff implements StaffDirectory. Lookup errors count as "not staff".
func (s *IdentityService) IsStaff(tenantID, senderID string) bool {
	if senderID == "" {
		return false
	}
	key := tenantID + "/" + senderID
	now := time.Now()

	s.mu.Lock()
	if e, ok := s.cache[key]; ok && now.Before(e.expires) {
		s.mu.Unlock()
		return e.staff
	}
	s.mu.Unlock()

	var count int64
	err := s.db.Model(&db.StaffMember{}).
		Where("id = ? AND tenant_id = ? AND active = ?", senderID, tenantID, true).
		Count(&count).Error
	if err != nil {
		s.logger.Warn("Staff lookup failed", "tenantID", tenantID, "senderID", senderID, "error", err)
		return false
	}

	s.mu.Lock()
	s.cache[key] = staffCacheEntry{staff: count > 0, expires: now.Add(s.ttl)}
	s.mu.Unlock()
	return count > 0
}

// CustomerFor returns the tenant and customer owning a conversation.
func (s *IdentityService) CustomerFor(ctx context.Context, conversationID string) (tenantID, customerID string, err error) {
	var conv db.Conversation
	if err := s.db.WithContext(ctx).Select("tenant_id", "customer_id").First(&conv, "id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", ErrConversationNotFound
		}
		return "", "", err
	}
	return conv.TenantID, conv.CustomerID, nil
}

// UpsertStaff registers or reactivates a staff identity.
func (s *IdentityService) UpsertStaff(ctx context.Context, tenantID, staffID, displayName string) (*db.StaffMember, error) {
	if tenantID == "" || staffID == "" {
		return nil, fmt.Errorf("tenant and staff id are required")
	}
	member := &db.StaffMember{
		ID:          staffID,
		TenantID:    tenantID,
		DisplayName: displayName,
		Active:      true,
		CreatedAt:   time.Now(),
	}
	if err := s.db.WithContext(ctx).Save(member).Error; err != nil {
		return nil, fmt.Errorf("failed to save staff member: %w", err)
	}
	s.forget(tenantID, staffID)
	return member, nil
}

// DeactivateStaff keeps the row for audit but stops treating the id as staff.
func (s *IdentityService) DeactivateStaff(ctx context.Context, tenantID, staffID string) error {
	res := s.db.WithContext(ctx).Model(&db.StaffMember{}).
		Where("id = ? AND tenant_id = ?", staffID, tenantID).
		Update("active", false)
	if res.Error != nil {
		return fmt.Errorf("failed to deactivate staff member: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaffNotFound
	}
	s.forget(tenantID, staffID)
	return nil
}

func (s *IdentityService) ListStaff(ctx context.Context, tenantID string) ([]db.StaffMember, error) {
	var members []db.StaffMember
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("display_name ASC").Find(&members).Error
	return members, err
}

func (s *IdentityService) forget(tenantID, staffID string) {
	s.mu.Lock()
	delete(s.cache, tenantID+"/"+staffID)
	s.mu.Unlock()
}
