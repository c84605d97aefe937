package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/choraleia/concierge/pkg/db"
)

var testIdentity = ServiceIdentity{Actor: "assistant", TenantID: "t1", CustomerID: "c1"}

func countRows(t *testing.T, h *harness, model interface{}) int64 {
	t.Helper()
	var n int64
	if err := h.db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestExecuteRejectsInvalidIntents(t *testing.T) {
	h := newHarness(t, harnessOptions{actionsEnabled: true})
	h.seedFolder(t, "t1", "c1", "folder-1")

	tests := []struct {
		name   string
		intent ActionIntent
	}{
		{"unknown action", ActionIntent{Name: "delete_customer", Arguments: `{}`}},
		{"arguments not json", ActionIntent{Name: "create_folder", Arguments: `{"name":`}},
		{"missing required field", ActionIntent{Name: "create_folder", Arguments: `{}`}},
		{"wrong type", ActionIntent{Name: "create_folder", Arguments: `{"name": 12}`}},
		{"customer id is not accepted", ActionIntent{Name: "create_folder", Arguments: `{"name":"x","customer_id":"c2"}`}},
		{"zero quantity", ActionIntent{Name: "create_quote", Arguments: `{"title":"x","line_items":[{"description":"hat","quantity":0,"unit_price":"1.00"}]}`}},
		{"bad price", ActionIntent{Name: "create_quote", Arguments: `{"title":"x","line_items":[{"description":"hat","quantity":1,"unit_price":"cheap"}]}`}},
		{"negative tax", ActionIntent{Name: "create_quote", Arguments: `{"title":"x","tax_rate":"-1","line_items":[{"description":"hat","quantity":1,"unit_price":"1.00"}]}`}},
		{"empty line items", ActionIntent{Name: "create_quote", Arguments: `{"title":"x","line_items":[]}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.executor.Execute(context.Background(), testIdentity, tt.intent)
			if res.Success || res.ErrorKind != KindInvalidIntent {
				t.Fatalf("Execute() = %+v, want %s", res, KindInvalidIntent)
			}
			if res.Message == "" {
				t.Error("expected an explanation message")
			}
		})
	}

	if n := countRows(t, h, &db.Quote{}); n != 0 {
		t.Errorf("quotes = %d, want 0", n)
	}
	if n := countRows(t, h, &db.Folder{}); n != 1 {
		t.Errorf("folders = %d, want only the seeded one", n)
	}
}

func TestCreateQuoteAction(t *testing.T) {
	h := newHarness(t, harnessOptions{actionsEnabled: true})
	res := h.executor.Execute(context.Background(), testIdentity, ActionIntent{
		Name:      "create_quote",
		Arguments: `{"title":"Hats","line_items":[{"description":"Embroidered hat","quantity":50,"unit_price":"12.00"}]}`,
	})
	if !res.Success {
		t.Fatalf("Execute() = %+v", res)
	}
	if res.ResultRefs["quote_id"] == "" || res.ResultRefs["folder_id"] == "" {
		t.Fatalf("ResultRefs = %v, want quote_id and folder_id", res.ResultRefs)
	}
	if !strings.Contains(res.Message, res.ResultRefs["quote_reference"]) || !strings.Contains(res.Message, "600.00") {
		t.Errorf("Message = %q", res.Message)
	}

	quote, err := h.domain.GetQuote(context.Background(), res.ResultRefs["quote_id"])
	if err != nil {
		t.Fatalf("GetQuote() error = %v", err)
	}
	if quote.CustomerID != "c1" || quote.Total != "600.00" {
		t.Errorf("quote = %+v", quote)
	}
	var folder db.Folder
	h.db.First(&folder, "id = ?", res.ResultRefs["folder_id"])
	if folder.QuoteID == nil || *folder.QuoteID != quote.ID || folder.CustomerID != "c1" {
		t.Errorf("folder = %+v", folder)
	}
}

func TestCreateQuoteWithoutFolder(t *testing.T) {
	h := newHarness(t, harnessOptions{actionsEnabled: true})
	res := h.executor.Execute(context.Background(), testIdentity, ActionIntent{
		Name:      "create_quote",
		Arguments: `{"title":"Caps","auto_create_folder":false,"tax_rate":"10","line_items":[{"description":"cap","quantity":2,"unit_price":"5"}]}`,
	})
	if !res.Success || res.ResultRefs["folder_id"] != "" {
		t.Fatalf("Execute() = %+v", res)
	}
	if !strings.Contains(res.Message, "11.00") {
		t.Errorf("Message = %q, want total 11.00", res.Message)
	}
	if n := countRows(t, h, &db.Folder{}); n != 0 {
		t.Errorf("folders = %d, want 0", n)
	}
}

// folderFailingDomain creates quotes but cannot create folders.
type folderFailingDomain struct {
	*DomainService
}

func (d folderFailingDomain) CreateFolder(context.Context, ServiceIdentity, string, string) (*db.Folder, error) {
	return nil, ErrQuoteNotFound
}

func TestCreateQuotePartialFailureKeepsQuote(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	executor := NewActionExecutor(folderFailingDomain{h.domain}, true)

	res := executor.Execute(context.Background(), testIdentity, ActionIntent{
		Name:      "create_quote",
		Arguments: `{"title":"Hats","line_items":[{"description":"hat","quantity":1,"unit_price":"3.50"}]}`,
	})
	if res.Success || res.ErrorKind != KindActionExecutionError {
		t.Fatalf("Execute() = %+v, want %s", res, KindActionExecutionError)
	}
	if res.ResultRefs["quote_id"] == "" {
		t.Fatalf("ResultRefs = %v, want the created quote", res.ResultRefs)
	}
	if n := countRows(t, h, &db.Quote{}); n != 1 {
		t.Errorf("quotes = %d, want the quote kept", n)
	}
	if !strings.Contains(res.Message, "could not create its folder") {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestAssignActionsAreIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{actionsEnabled: true})
	h.seedFolder(t, "t1", "c1", "folder-1")
	h.seedForm(t, "t1", "form-1", "intake", "Intake form")
	ctx := context.Background()

	intent := ActionIntent{Name: "assign_form_to_folder", Arguments: `{"folder_id":"folder-1","form":"intake"}`}
	first := h.executor.Execute(ctx, testIdentity, intent)
	second := h.executor.Execute(ctx, testIdentity, intent)
	if !first.Success || !second.Success {
		t.Fatalf("Execute() = %+v / %+v", first, second)
	}
	if first.ResultRefs["folder_item_id"] != second.ResultRefs["folder_item_id"] {
		t.Errorf("second assignment returned a different item")
	}
	if !strings.Contains(second.Message, "already in the folder") {
		t.Errorf("second Message = %q", second.Message)
	}
	if n := countRows(t, h, &db.FolderItem{}); n != 1 {
		t.Errorf("folder items = %d, want 1", n)
	}
}

func TestAssignToForeignFolderFails(t *testing.T) {
	h := newHarness(t, harnessOptions{actionsEnabled: true})
	h.seedFolder(t, "t1", "c2", "folder-2")
	h.seedForm(t, "t1", "form-1", "intake", "Intake form")

	res := h.executor.Execute(context.Background(), testIdentity, ActionIntent{
		Name:      "assign_form_to_folder",
		Arguments: `{"folder_id":"folder-2","form":"form-1"}`,
	})
	if res.Success || res.ErrorKind != KindActionExecutionError {
		t.Fatalf("Execute() = %+v", res)
	}
	if !strings.Contains(res.Message, "the folder does not exist") {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestExecuteAllDeduplicates(t *testing.T) {
	h := newHarness(t, harnessOptions{actionsEnabled: true})
	intents := []ActionIntent{
		{Name: "create_folder", Arguments: `{"name":"Spring order"}`},
		{Name: "create_folder", Arguments: `{ "name" : "Spring order" }`},
		{Name: "create_folder", Arguments: `{"name":"Summer order"}`},
	}
	results := h.executor.ExecuteAll(context.Background(), testIdentity, intents)
	if len(results) != 3 {
		t.Fatalf("len(results) = %d", len(results))
	}
	if !results[1].repeat || results[1].ResultRefs["folder_id"] != results[0].ResultRefs["folder_id"] {
		t.Errorf("duplicate intent was not reused: %+v", results[1])
	}
	if n := countRows(t, h, &db.Folder{}); n != 2 {
		t.Errorf("folders = %d, want 2", n)
	}

	folded := FoldOutcomes("Done.", results)
	if strings.Count(folded, "Spring order") != 1 {
		t.Errorf("FoldOutcomes() repeated an outcome: %q", folded)
	}
}

func TestExecuteDisabled(t *testing.T) {
	h := newHarness(t, harnessOptions{actionsEnabled: false})
	res := h.executor.Execute(context.Background(), testIdentity, ActionIntent{Name: "create_folder", Arguments: `{"name":"x"}`})
	if res.Success || res.ErrorKind != "" {
		t.Fatalf("Execute() = %+v", res)
	}
	if !strings.Contains(res.Message, "actions are disabled") {
		t.Errorf("Message = %q", res.Message)
	}
	if n := countRows(t, h, &db.Folder{}); n != 0 {
		t.Errorf("folders = %d, want 0", n)
	}
}

func TestFoldOutcomes(t *testing.T) {
	results := []ActionResult{
		{Name: "a", Success: true, Message: "Created folder \"A\"."},
		{Name: "b", ErrorKind: KindInvalidIntent, Message: "The request was rejected."},
	}
	tests := []struct {
		name string
		text string
		want string
	}{
		{"with text", "Sure.", "Sure.\n\nCreated folder \"A\".\nThe request was rejected."},
		{"without text", "  ", "Created folder \"A\".\nThe request was rejected."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FoldOutcomes(tt.text, results); got != tt.want {
				t.Errorf("FoldOutcomes() = %q, want %q", got, tt.want)
			}
		})
	}
	if got := FoldOutcomes(" hi ", nil); got != "hi" {
		t.Errorf("FoldOutcomes(no results) = %q", got)
	}
}

func TestIntentRecords(t *testing.T) {
	intents := []ActionIntent{{Name: "create_folder", Arguments: `{"name":"x"}`}, {Name: "bogus", Arguments: `not json`}}
	results := []ActionResult{{Success: true, ResultRefs: map[string]string{"folder_id": "f1"}}, {ErrorKind: KindInvalidIntent}}
	recs := intentRecords(intents, results)
	if len(recs) != 2 {
		t.Fatalf("len(records) = %d", len(recs))
	}
	if !recs[0].Success || recs[0].ResultRefs["folder_id"] != "f1" || string(recs[0].Arguments) != `{"name":"x"}` {
		t.Errorf("records[0] = %+v", recs[0])
	}
	if recs[1].Arguments != nil || recs[1].ErrorKind != string(KindInvalidIntent) {
		t.Errorf("records[1] = %+v", recs[1])
	}

	var decoded []ActionResult
	if err := json.Unmarshal([]byte(ActionResultBody(results)), &decoded); err != nil || len(decoded) != 2 {
		t.Errorf("ActionResultBody() did not round-trip: %v", err)
	}
}
