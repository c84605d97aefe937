// Database models for the built-in business domain adapter
package db

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Quote is a priced offer for a customer. Money is kept as decimal strings.
type Quote struct {
	ID         string          `json:"id" gorm:"primaryKey;size:36"`
	TenantID   string          `json:"tenant_id" gorm:"index;size:64;not null"`
	CustomerID string          `json:"customer_id" gorm:"index;size:64;not null"`
	Reference  string          `json:"reference" gorm:"uniqueIndex;size:32;not null"`
	Title      string          `json:"title" gorm:"size:200;not null"`
	TaxRate    string          `json:"tax_rate" gorm:"size:20"`
	Subtotal   string          `json:"subtotal" gorm:"size:32"`
	Total      string          `json:"total" gorm:"size:32"`
	Status     string          `json:"status" gorm:"size:20;default:'draft'"`
	CreatedBy  string          `json:"created_by" gorm:"size:64"`
	LineItems  []QuoteLineItem `json:"line_items,omitempty" gorm:"foreignKey:QuoteID"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (Quote) TableName() string {
	return "quotes"
}

type QuoteLineItem struct {
	ID          string `json:"id" gorm:"primaryKey;size:36"`
	QuoteID     string `json:"quote_id" gorm:"index;size:36;not null"`
	Position    int    `json:"position"`
	Description string `json:"description" gorm:"size:500;not null"`
	Quantity    int    `json:"quantity" gorm:"not null"`
	UnitPrice   string `json:"unit_price" gorm:"size:32;not null"`
	LineTotal   string `json:"line_total" gorm:"size:32"`
}

func (QuoteLineItem) TableName() string {
	return "quote_line_items"
}

// Folder groups a customer's forms, files and documents, optionally for a quote.
type Folder struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	TenantID   string    `json:"tenant_id" gorm:"index;size:64;not null"`
	CustomerID string    `json:"customer_id" gorm:"index;size:64;not null"`
	Name       string    `json:"name" gorm:"size:200;not null"`
	QuoteID    *string   `json:"quote_id,omitempty" gorm:"index;size:36"`
	CreatedBy  string    `json:"created_by" gorm:"size:64"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Folder) TableName() string {
	return "folders"
}

// Form is a fillable template, addressable by id or public slug. Slugs are
// unique per tenant; a form without one stores NULL.
type Form struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	TenantID    string    `json:"tenant_id" gorm:"index;uniqueIndex:idx_forms_tenant_slug,priority:1;size:64;not null"`
	PublicSlug  *string   `json:"public_slug,omitempty" gorm:"uniqueIndex:idx_forms_tenant_slug,priority:2;size:120"`
	Title       string    `json:"title" gorm:"size:200"`
	Description string    `json:"description" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Form) TableName() string {
	return "forms"
}

// Slug returns the public slug or "".
func (f *Form) Slug() string {
	if f.PublicSlug == nil {
		return ""
	}
	return *f.PublicSlug
}

// BeforeSave stores the slug lowercased and a blank slug as NULL.
func (f *Form) BeforeSave(*gorm.DB) error {
	if f.PublicSlug == nil {
		return nil
	}
	slug := strings.ToLower(strings.TrimSpace(*f.PublicSlug))
	if slug == "" {
		f.PublicSlug = nil
	} else {
		f.PublicSlug = &slug
	}
	return nil
}

// StoredFile is an uploaded file. An empty CustomerID means tenant-wide.
type StoredFile struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	TenantID   string    `json:"tenant_id" gorm:"index;size:64;not null"`
	CustomerID string    `json:"customer_id,omitempty" gorm:"index;size:64"`
	Name       string    `json:"name" gorm:"size:255"`
	CreatedAt  time.Time `json:"created_at"`
}

func (StoredFile) TableName() string {
	return "stored_files"
}

// SignableDocument is a document template that can be sent for signature.
type SignableDocument struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	TenantID  string    `json:"tenant_id" gorm:"index;size:64;not null"`
	Title     string    `json:"title" gorm:"size:200"`
	CreatedAt time.Time `json:"created_at"`
}

func (SignableDocument) TableName() string {
	return "signable_documents"
}

// Folder item types
const (
	FolderItemForm     = "form"
	FolderItemFile     = "file"
	FolderItemDocument = "document"
)

// FolderItem assigns one form, file or document to a folder. The unique
// index makes repeated assignment a no-op.
type FolderItem struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	FolderID  string    `json:"folder_id" gorm:"uniqueIndex:idx_folder_item,priority:1;size:36;not null"`
	ItemType  string    `json:"item_type" gorm:"uniqueIndex:idx_folder_item,priority:2;size:20;not null"`
	ItemID    string    `json:"item_id" gorm:"uniqueIndex:idx_folder_item,priority:3;size:36;not null"`
	CreatedBy string    `json:"created_by" gorm:"size:64"`
	CreatedAt time.Time `json:"created_at"`
}

func (FolderItem) TableName() string {
	return "folder_items"
}
