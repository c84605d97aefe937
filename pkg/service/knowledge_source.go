package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/choraleia/concierge/pkg/db"
	"gorm.io/gorm"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// KnowledgeDocument is one source record handed to the indexer.
type KnowledgeDocument struct {
	TenantID   string    `json:"tenant_id"`
	SourceType string    `json:"source_type"`
	SourceID   string    `json:"source_id"`
	CustomerID string    `json:"customer_id,omitempty"` // empty for tenant-wide content
	Title      string    `json:"title,omitempty"`
	Content    string    `json:"content"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// KnowledgeSource enumerates documents to index.
type KnowledgeSource interface {
	Name() string
	Documents(ctx context.Context) ([]KnowledgeDocument, error)
}

// SQLSourceConfig describes a read-only query against an external business
// database. The query must return id and content columns and may return
// title, customer_id and updated_at.
type SQLSourceConfig struct {
	Name       string
	Driver     string // mysql or postgres
	DSN        string
	TenantID   string
	SourceType string
	Query      string
}

// SQLKnowledgeSource reads FAQ entries, pricing tiers and similar rows from
// a MySQL or PostgreSQL database.
type SQLKnowledgeSource struct {
	cfg SQLSourceConfig
	db  *sql.DB
	own bool
}

func NewSQLKnowledgeSource(cfg SQLSourceConfig) (*SQLKnowledgeSource, error) {
	if !db.ValidSourceType(cfg.SourceType) {
		return nil, fmt.Errorf("source %s: invalid source type %q", cfg.Name, cfg.SourceType)
	}
	var driver string
	switch cfg.Driver {
	case "mysql":
		driver = "mysql"
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		return nil, fmt.Errorf("source %s: unsupported driver %q", cfg.Name, cfg.Driver)
	}
	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("source %s: failed to open database: %w", cfg.Name, err)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Second)
	sqlDB.SetMaxOpenConns(2)
	return &SQLKnowledgeSource{cfg: cfg, db: sqlDB, own: true}, nil
}

// NewSQLKnowledgeSourceFromDB wraps an already opened handle. The caller keeps
// ownership of sqlDB.
func NewSQLKnowledgeSourceFromDB(cfg SQLSourceConfig, sqlDB *sql.DB) *SQLKnowledgeSource {
	return &SQLKnowledgeSource{cfg: cfg, db: sqlDB}
}

func (s *SQLKnowledgeSource) Name() string {
	if s.cfg.Name != "" {
		return s.cfg.Name
	}
	return s.cfg.SourceType
}

func (s *SQLKnowledgeSource) Close() error {
	if s.own {
		return s.db.Close()
	}
	return nil
}

func (s *SQLKnowledgeSource) Documents(ctx context.Context) ([]KnowledgeDocument, error) {
	rows, err := s.db.QueryContext(ctx, s.cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("source %s: query failed: %w", s.Name(), err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("source %s: failed to get columns: %w", s.Name(), err)
	}
	for i := range columns {
		columns[i] = strings.ToLower(columns[i])
	}

	var docs []KnowledgeDocument
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range columns {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("source %s: failed to scan row: %w", s.Name(), err)
		}

		doc := KnowledgeDocument{TenantID: s.cfg.TenantID, SourceType: s.cfg.SourceType}
		for i, col := range columns {
			switch col {
			case "id":
				doc.SourceID = columnString(values[i])
			case "content":
				doc.Content = columnString(values[i])
			case "title":
				doc.Title = columnString(values[i])
			case "customer_id":
				doc.CustomerID = columnString(values[i])
			case "updated_at":
				doc.UpdatedAt = columnTime(values[i])
			}
		}
		if doc.SourceID == "" {
			return nil, fmt.Errorf("source %s: query must select an id column", s.Name())
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source %s: %w", s.Name(), err)
	}
	return docs, nil
}

func columnString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

func columnTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case []byte:
		return parseTimeString(string(t))
	case string:
		return parseTimeString(t)
	}
	return time.Time{}
}

func parseTimeString(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// DomainKnowledgeSource indexes the built-in domain tables: forms are shared
// with every customer of the tenant, quotes are private to their customer.
type DomainKnowledgeSource struct {
	db       *gorm.DB
	tenantID string
}

func NewDomainKnowledgeSource(database *gorm.DB, tenantID string) *DomainKnowledgeSource {
	return &DomainKnowledgeSource{db: database, tenantID: tenantID}
}

func (s *DomainKnowledgeSource) Name() string {
	return "domain:" + s.tenantID
}

func (s *DomainKnowledgeSource) Documents(ctx context.Context) ([]KnowledgeDocument, error) {
	var forms []db.Form
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", s.tenantID).Find(&forms).Error; err != nil {
		return nil, fmt.Errorf("failed to list forms: %w", err)
	}
	var quotes []db.Quote
	if err := s.db.WithContext(ctx).Preload("LineItems").Where("tenant_id = ?", s.tenantID).Find(&quotes).Error; err != nil {
		return nil, fmt.Errorf("failed to list quotes: %w", err)
	}

	docs := make([]KnowledgeDocument, 0, len(forms)+len(quotes))
	for _, f := range forms {
		content := f.Title
		if f.Description != "" {
			content += "\n\n" + f.Description
		}
		if slug := f.Slug(); slug != "" {
			content += "\n\nForm link slug: " + slug
		}
		docs = append(docs, KnowledgeDocument{
			TenantID:   f.TenantID,
			SourceType: db.SourceTypeForm,
			SourceID:   f.ID,
			Title:      f.Title,
			Content:    content,
			UpdatedAt:  f.UpdatedAt,
		})
	}
	for _, q := range quotes {
		docs = append(docs, KnowledgeDocument{
			TenantID:   q.TenantID,
			SourceType: db.SourceTypeQuote,
			SourceID:   q.ID,
			CustomerID: q.CustomerID,
			Title:      q.Title,
			Content:    describeQuote(&q),
			UpdatedAt:  q.UpdatedAt,
		})
	}
	return docs, nil
}

func describeQuote(q *db.Quote) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Quote %s: %s (%s)\n", q.Reference, q.Title, q.Status)
	for _, li := range q.LineItems {
		fmt.Fprintf(&sb, "- %d x %s at %s = %s\n", li.Quantity, li.Description, li.UnitPrice, li.LineTotal)
	}
	if q.TaxRate != "" {
		fmt.Fprintf(&sb, "Tax rate: %s%%\n", q.TaxRate)
	}
	fmt.Fprintf(&sb, "Subtotal: %s, total: %s", q.Subtotal, q.Total)
	return sb.String()
}
