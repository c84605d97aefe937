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
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrQuoteNotFound    = errors.New("quote not found")
	ErrFolderNotFound   = errors.New("folder not found")
	ErrFormNotFound     = errors.New("form not found")
	ErrFileNotFound     = errors.New("file not found")
	ErrDocumentNotFound = errors.New("document not found")
)

// ServiceIdentity is the elevated identity model-driven actions run under.
// CustomerID always comes from the conversation, never from model output.
type ServiceIdentity struct {
	Actor      string
	TenantID   string
	CustomerID string
}

type QuoteLine struct {
	Description string
	Quantity    int
	UnitPrice   decimal.Decimal
}

type CreateQuoteInput struct {
	Title   string
	Lines   []QuoteLine
	TaxRate *decimal.Decimal // percent
}

// DomainAPI is the business mutation surface used by the action executor.
type DomainAPI interface {
	CreateQuote(ctx context.Context, id ServiceIdentity, in CreateQuoteInput) (*db.Quote, error)
	CreateFolder(ctx context.Context, id ServiceIdentity, name, quoteID string) (*db.Folder, error)
	ResolveForm(ctx context.Context, id ServiceIdentity, ref string) (*db.Form, error)
	// AssignToFolder links an item to a folder unless the link already
	// exists. created is false when an existing assignment was returned.
	AssignToFolder(ctx context.Context, id ServiceIdentity, folderID, itemType, itemID string) (item *db.FolderItem, created bool, err error)
}

// DomainService is the built-in gorm implementation of DomainAPI.
type DomainService struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewDomainService(database *gorm.DB) *DomainService {
	return &DomainService{
		db:     database,
		logger: utils.GetLogger(),
	}
}

// QuoteTotals computes line totals, subtotal and total with tax, rounded to cents.
func QuoteTotals(lines []QuoteLine, taxRate *decimal.Decimal) (lineTotals []decimal.Decimal, subtotal, total decimal.Decimal) {
	lineTotals = make([]decimal.Decimal, len(lines))
	subtotal = decimal.Zero
	for i, l := range lines {
		lineTotals[i] = l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))).Round(2)
		subtotal = subtotal.Add(lineTotals[i])
	}
	total = subtotal
	if taxRate != nil && !taxRate.IsZero() {
		tax := subtotal.Mul(*taxRate).Div(decimal.NewFromInt(100)).Round(2)
		total = subtotal.Add(tax)
	}
	return lineTotals, subtotal, total
}

func newQuoteReference(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:6])
	return fmt.Sprintf("Q-%s-%s", now.Format("20060102"), suffix)
}

func (s *DomainService) CreateQuote(ctx context.Context, id ServiceIdentity, in CreateQuoteInput) (*db.Quote, error) {
	if len(in.Lines) == 0 {
		return nil, fmt.Errorf("quote requires at least one line item")
	}
	now := time.Now()
	lineTotals, subtotal, total := QuoteTotals(in.Lines, in.TaxRate)

	quote := &db.Quote{
		ID:         uuid.New().String(),
		TenantID:   id.TenantID,
		CustomerID: id.CustomerID,
		Reference:  newQuoteReference(now),
		Title:      in.Title,
		Subtotal:   subtotal.StringFixed(2),
		Total:      total.StringFixed(2),
		Status:     "draft",
		CreatedBy:  id.Actor,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if in.TaxRate != nil {
		quote.TaxRate = in.TaxRate.String()
	}
	for i, l := range in.Lines {
		quote.LineItems = append(quote.LineItems, db.QuoteLineItem{
			ID:          uuid.New().String(),
			QuoteID:     quote.ID,
			Position:    i + 1,
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice.StringFixed(2),
			LineTotal:   lineTotals[i].StringFixed(2),
		})
	}

	if err := s.db.WithContext(ctx).Create(quote).Error; err != nil {
		return nil, fmt.Errorf("failed to create quote: %w", err)
	}
	s.logger.Info("Quote created", "quoteID", quote.ID, "reference", quote.Reference, "customerID", id.CustomerID, "total", quote.Total)
	return quote, nil
}

func (s *DomainService) CreateFolder(ctx context.Context, id ServiceIdentity, name, quoteID string) (*db.Folder, error) {
	folder := &db.Folder{
		ID:         uuid.New().String(),
		TenantID:   id.TenantID,
		CustomerID: id.CustomerID,
		Name:       name,
		CreatedBy:  id.Actor,
		CreatedAt:  time.Now(),
	}
	if quoteID != "" {
		var count int64
		if err := s.db.WithContext(ctx).Model(&db.Quote{}).
			Where("id = ? AND tenant_id = ? AND customer_id = ?", quoteID, id.TenantID, id.CustomerID).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, ErrQuoteNotFound
		}
		folder.QuoteID = &quoteID
	}
	if err := s.db.WithContext(ctx).Create(folder).Error; err != nil {
		return nil, fmt.Errorf("failed to create folder: %w", err)
	}
	s.logger.Info("Folder created", "folderID", folder.ID, "customerID", id.CustomerID, "quoteID", quoteID)
	return folder, nil
}

// ResolveForm accepts a form id or its public slug.
func (s *DomainService) ResolveForm(ctx context.Context, id ServiceIdentity, ref string) (*db.Form, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrFormNotFound
	}
	var form db.Form
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND (id = ? OR public_slug = ?)", id.TenantID, ref, strings.ToLower(ref)).
		First(&form).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFormNotFound
		}
		return nil, err
	}
	return &form, nil
}

func (s *DomainService) AssignToFolder(ctx context.Context, id ServiceIdentity, folderID, itemType, itemID string) (*db.FolderItem, bool, error) {
	var item *db.FolderItem
	created, raced := false, false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var folder db.Folder
		if err := tx.Where("id = ? AND tenant_id = ? AND customer_id = ?", folderID, id.TenantID, id.CustomerID).
			First(&folder).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrFolderNotFound
			}
			return err
		}
		if err := s.checkItem(tx, id, itemType, itemID); err != nil {
			return err
		}

		var existing db.FolderItem
		err := tx.Where("folder_id = ? AND item_type = ? AND item_id = ?", folderID, itemType, itemID).First(&existing).Error
		if err == nil {
			item = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		item = &db.FolderItem{
			ID:        uuid.New().String(),
			FolderID:  folderID,
			ItemType:  itemType,
			ItemID:    itemID,
			CreatedBy: id.Actor,
			CreatedAt: time.Now(),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(item)
		if res.Error != nil {
			return fmt.Errorf("failed to assign %s to folder: %w", itemType, res.Error)
		}
		// Zero rows means a concurrent assignment won the unique index.
		created = res.RowsAffected > 0
		raced = !created
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if raced {
		var existing db.FolderItem
		if err := s.db.WithContext(ctx).
			Where("folder_id = ? AND item_type = ? AND item_id = ?", folderID, itemType, itemID).
			First(&existing).Error; err != nil {
			return nil, false, fmt.Errorf("failed to load existing folder item: %w", err)
		}
		item = &existing
	}
	return item, created, nil
}

func (s *DomainService) checkItem(tx *gorm.DB, id ServiceIdentity, itemType, itemID string) error {
	var (
		q        *gorm.DB
		notFound error
	)
	switch itemType {
	case db.FolderItemForm:
		q = tx.Model(&db.Form{}).Where("id = ? AND tenant_id = ?", itemID, id.TenantID)
		notFound = ErrFormNotFound
	case db.FolderItemFile:
		q = tx.Model(&db.StoredFile{}).Where("id = ? AND tenant_id = ? AND (customer_id = ? OR customer_id = ?)", itemID, id.TenantID, "", id.CustomerID)
		notFound = ErrFileNotFound
	case db.FolderItemDocument:
		q = tx.Model(&db.SignableDocument{}).Where("id = ? AND tenant_id = ?", itemID, id.TenantID)
		notFound = ErrDocumentNotFound
	default:
		return fmt.Errorf("unknown folder item type %q", itemType)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return notFound
	}
	return nil
}

// FolderItems lists the assignments of a folder.
func (s *DomainService) FolderItems(ctx context.Context, folderID string) ([]db.FolderItem, error) {
	var items []db.FolderItem
	err := s.db.WithContext(ctx).Where("folder_id = ?", folderID).Order("created_at ASC").Find(&items).Error
	return items, err
}

// GetQuote returns a quote with its line items.
func (s *DomainService) GetQuote(ctx context.Context, quoteID string) (*db.Quote, error) {
	var quote db.Quote
	if err := s.db.WithContext(ctx).Preload("LineItems", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC")
	}).First(&quote, "id = ?", quoteID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrQuoteNotFound
		}
		return nil, err
	}
	return &quote, nil
}
