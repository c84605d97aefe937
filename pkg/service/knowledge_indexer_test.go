package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/event"
	"github.com/shopspring/decimal"
)

func TestUpsertOverwritesInPlace(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.indexer.chunker = &ChunkerConfig{MaxTokens: 10}
	ctx := context.Background()

	doc := KnowledgeDocument{
		TenantID:   "t1",
		SourceType: db.SourceTypePricingTier,
		SourceID:   "tier-1",
		Title:      "Gold",
		Content:    strings.Repeat("a", 30) + "\n\n" + strings.Repeat("b", 30) + "\n\n" + strings.Repeat("c", 30),
	}
	res, err := h.indexer.Upsert(ctx, doc)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if res.Chunks != 3 || res.Removed != 0 {
		t.Fatalf("first Upsert() = %+v", res)
	}
	var before []db.KnowledgeChunk
	h.db.Order("chunk_index").Find(&before)

	doc.Content = "Gold tier costs 99.00 per month."
	res, err = h.indexer.Upsert(ctx, doc)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if res.Chunks != 1 || res.Removed != 2 {
		t.Fatalf("second Upsert() = %+v", res)
	}

	var after []db.KnowledgeChunk
	h.db.Order("chunk_index").Find(&after)
	if len(after) != 1 || after[0].ID != before[0].ID || after[0].Content != doc.Content {
		t.Errorf("chunks after update = %+v", after)
	}
	if n := len(h.events.named(event.KnowledgeIndexed)); n != 2 {
		t.Errorf("knowledge.indexed events = %d, want 2", n)
	}
}

func TestUpsertValidation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	if _, err := h.indexer.Upsert(ctx, KnowledgeDocument{TenantID: "t1", SourceType: "wiki", SourceID: "x", Content: "x"}); !errors.Is(err, ErrInvalidSourceType) {
		t.Errorf("Upsert(bad type) error = %v", err)
	}
	if _, err := h.indexer.Upsert(ctx, KnowledgeDocument{SourceType: db.SourceTypeFAQ, SourceID: "x", Content: "x"}); !errors.Is(err, ErrInvalidDocument) {
		t.Errorf("Upsert(no tenant) error = %v", err)
	}
}

func TestRemoveSource(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	indexDocs(t, h,
		KnowledgeDocument{TenantID: "t1", SourceType: db.SourceTypeFAQ, SourceID: "f1", Content: "one"},
		KnowledgeDocument{TenantID: "t1", SourceType: db.SourceTypeFAQ, SourceID: "f2", Content: "two"},
	)
	n, err := h.indexer.Remove(ctx, "t1", db.SourceTypeFAQ, "f1")
	if err != nil || n != 1 {
		t.Fatalf("Remove() = %d, %v", n, err)
	}
	if c := countRows(t, h, &db.KnowledgeChunk{}); c != 1 {
		t.Errorf("chunks = %d, want 1", c)
	}
	if n, _ := h.indexer.Remove(ctx, "t1", db.SourceTypeFAQ, "missing"); n != 0 {
		t.Errorf("Remove(missing) = %d", n)
	}
}

func TestDomainKnowledgeSource(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	now := time.Now()
	slug := "intake"
	h.db.Create(&db.Form{ID: "form-1", TenantID: "t1", PublicSlug: &slug, Title: "Intake", Description: "Tell us about your event.", CreatedAt: now, UpdatedAt: now})
	quote, err := h.domain.CreateQuote(ctx, ServiceIdentity{Actor: "assistant", TenantID: "t1", CustomerID: "c1"}, CreateQuoteInput{
		Title: "Hats",
		Lines: []QuoteLine{{Description: "hat", Quantity: 2, UnitPrice: decimal.RequireFromString("12")}},
	})
	if err != nil {
		t.Fatalf("CreateQuote() error = %v", err)
	}

	src := NewDomainKnowledgeSource(h.db, "t1")
	docs, err := src.Documents(ctx)
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len(docs) = %d, want 2", len(docs))
	}
	for _, d := range docs {
		switch d.SourceType {
		case db.SourceTypeForm:
			if d.CustomerID != "" || !strings.Contains(d.Content, "intake") {
				t.Errorf("form doc = %+v", d)
			}
		case db.SourceTypeQuote:
			if d.CustomerID != "c1" || !strings.Contains(d.Content, quote.Reference) || !strings.Contains(d.Content, "24.00") {
				t.Errorf("quote doc = %+v", d)
			}
		default:
			t.Errorf("unexpected doc type %s", d.SourceType)
		}
	}

	n, err := h.indexer.IndexSource(ctx, src)
	if err != nil || n != 2 {
		t.Fatalf("IndexSource() = %d, %v", n, err)
	}
	hits, _ := h.retrieval.Retrieve(ctx, "hats quote", RetrievalScope{TenantID: "t1", CustomerID: "c2"}, 500)
	for _, sn := range hits {
		if sn.SourceRef.Type == db.SourceTypeQuote {
			t.Errorf("customer c2 retrieved c1's quote")
		}
	}
}
