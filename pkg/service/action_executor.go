package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/tools"
	"github.com/choraleia/concierge/pkg/utils"
	"github.com/shopspring/decimal"
)

// ActionIntent is one tool call emitted by the model. Arguments is the raw
// JSON object the model produced.
type ActionIntent struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ActionResult is the outcome of one intent.
type ActionResult struct {
	Name       string            `json:"name"`
	Success    bool              `json:"success"`
	ResultRefs map[string]string `json:"result_refs,omitempty"`
	ErrorKind  ErrorKind         `json:"error_kind,omitempty"`
	Message    string            `json:"message"`

	// repeat marks a result reused for an identical intent in the same turn.
	repeat bool
}

type actionHandler func(ctx context.Context, e *ActionExecutor, id ServiceIdentity, args map[string]any) ActionResult

// actionHandlers has exactly one entry per tools.ActionName.
var actionHandlers = map[tools.ActionName]actionHandler{
	tools.ActionCreateQuote:            handleCreateQuote,
	tools.ActionCreateFolder:           handleCreateFolder,
	tools.ActionAssignFormToFolder:     handleAssignForm,
	tools.ActionAssignFileToFolder:     handleAssignFile,
	tools.ActionAssignDocumentToFolder: handleAssignDocument,
}

// ActionExecutor turns validated intents into domain mutations under the
// assistant's service identity.
type ActionExecutor struct {
	domain  DomainAPI
	enabled bool
	logger  *slog.Logger
}

func NewActionExecutor(domain DomainAPI, enabled bool) *ActionExecutor {
	return &ActionExecutor{
		domain:  domain,
		enabled: enabled,
		logger:  utils.GetLogger(),
	}
}

// Enabled reports whether tools are bound to the model.
func (e *ActionExecutor) Enabled() bool {
	return e != nil && e.enabled && e.domain != nil
}

// ExecuteAll runs the intents of one turn in order and returns one result per
// intent. Identical intents (same name and arguments) run once; later copies
// reuse the first result. Earlier steps are never rolled back when a later
// one fails.
func (e *ActionExecutor) ExecuteAll(ctx context.Context, id ServiceIdentity, intents []ActionIntent) []ActionResult {
	results := make([]ActionResult, len(intents))
	seen := make(map[string]int, len(intents))
	for i, intent := range intents {
		key, keyErr := intentKey(intent)
		if keyErr == nil {
			if first, ok := seen[key]; ok {
				r := results[first]
				r.repeat = true
				results[i] = r
				continue
			}
			seen[key] = i
		}
		results[i] = e.Execute(ctx, id, intent)
	}
	return results
}

// Execute validates and runs a single intent.
func (e *ActionExecutor) Execute(ctx context.Context, id ServiceIdentity, intent ActionIntent) ActionResult {
	if !e.Enabled() {
		actionsExecuted.WithLabelValues(intent.Name, "skipped").Inc()
		return ActionResult{
			Name:    intent.Name,
			Message: fmt.Sprintf("The %s action was not executed because actions are disabled.", humanAction(intent.Name)),
		}
	}

	def, ok := tools.Lookup(intent.Name)
	if !ok {
		return e.invalid(intent.Name, fmt.Errorf("%w %q", ErrUnknownAction, intent.Name))
	}
	args, err := tools.ParseArguments(intent.Arguments)
	if err != nil {
		return e.invalid(intent.Name, err)
	}
	if err := def.Validate(args); err != nil {
		return e.invalid(intent.Name, err)
	}

	handler := actionHandlers[def.Name]
	result := handler(ctx, e, id, args)
	result.Name = intent.Name

	outcome := "success"
	if !result.Success {
		outcome = string(result.ErrorKind)
		e.logger.Warn("Action failed", "action", intent.Name, "customerID", id.CustomerID, "errorKind", result.ErrorKind, "message", result.Message)
	} else {
		e.logger.Info("Action executed", "action", intent.Name, "customerID", id.CustomerID, "refs", result.ResultRefs)
	}
	actionsExecuted.WithLabelValues(intent.Name, outcome).Inc()
	return result
}

func (e *ActionExecutor) invalid(name string, err error) ActionResult {
	e.logger.Warn("Rejected action intent", "action", name, "error", err)
	actionsExecuted.WithLabelValues(name, string(KindInvalidIntent)).Inc()
	return ActionResult{
		Name:      name,
		ErrorKind: KindInvalidIntent,
		Message:   fmt.Sprintf("I could not run the %s action: %v.", humanAction(name), err),
	}
}

func failed(err error, format string, a ...any) ActionResult {
	msg := fmt.Sprintf(format, a...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v.", msg, userFacingError(err))
	}
	return ActionResult{ErrorKind: KindActionExecutionError, Message: msg}
}

func userFacingError(err error) string {
	switch {
	case errors.Is(err, ErrFolderNotFound):
		return "the folder does not exist"
	case errors.Is(err, ErrQuoteNotFound):
		return "the quote does not exist"
	case errors.Is(err, ErrFormNotFound):
		return "the form does not exist"
	case errors.Is(err, ErrFileNotFound):
		return "the file does not exist"
	case errors.Is(err, ErrDocumentNotFound):
		return "the document does not exist"
	}
	return "an internal error occurred"
}

// intentKey canonicalizes an intent. encoding/json sorts map keys, so equal
// argument objects produce equal keys.
func intentKey(intent ActionIntent) (string, error) {
	args, err := tools.ParseArguments(intent.Arguments)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return intent.Name + ":" + string(b), nil
}

func humanAction(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

// ---- handlers ----

func handleCreateQuote(ctx context.Context, e *ActionExecutor, id ServiceIdentity, args map[string]any) ActionResult {
	in := CreateQuoteInput{Title: strings.TrimSpace(args["title"].(string))}

	items, _ := args["line_items"].([]any)
	if len(items) == 0 {
		return invalidArgs("line_items must contain at least one item")
	}
	for i, raw := range items {
		item := raw.(map[string]any)
		qty := int(item["quantity"].(float64))
		if qty <= 0 {
			return invalidArgs(fmt.Sprintf("line_items[%d].quantity must be at least 1", i))
		}
		price, err := decimal.NewFromString(strings.TrimSpace(item["unit_price"].(string)))
		if err != nil || price.IsNegative() {
			return invalidArgs(fmt.Sprintf("line_items[%d].unit_price must be a non-negative decimal", i))
		}
		in.Lines = append(in.Lines, QuoteLine{
			Description: strings.TrimSpace(item["description"].(string)),
			Quantity:    qty,
			UnitPrice:   price,
		})
	}
	if raw, ok := args["tax_rate"].(string); ok && strings.TrimSpace(raw) != "" {
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || rate.IsNegative() {
			return invalidArgs("tax_rate must be a non-negative decimal")
		}
		in.TaxRate = &rate
	}
	autoFolder := true
	if v, ok := args["auto_create_folder"].(bool); ok {
		autoFolder = v
	}

	quote, err := e.domain.CreateQuote(ctx, id, in)
	if err != nil {
		return failed(err, "I could not create the quote")
	}
	refs := map[string]string{"quote_id": quote.ID, "quote_reference": quote.Reference}
	if !autoFolder {
		return ActionResult{
			Success:    true,
			ResultRefs: refs,
			Message:    fmt.Sprintf("Created quote %s for a total of %s.", quote.Reference, quote.Total),
		}
	}

	folder, err := e.domain.CreateFolder(ctx, id, "Quote "+quote.Reference, quote.ID)
	if err != nil {
		r := failed(err, "Created quote %s for a total of %s, but I could not create its folder", quote.Reference, quote.Total)
		r.ResultRefs = refs
		return r
	}
	refs["folder_id"] = folder.ID
	return ActionResult{
		Success:    true,
		ResultRefs: refs,
		Message:    fmt.Sprintf("Created quote %s for a total of %s and a folder for it.", quote.Reference, quote.Total),
	}
}

func invalidArgs(reason string) ActionResult {
	return ActionResult{ErrorKind: KindInvalidIntent, Message: "The request was rejected: " + reason + "."}
}

func handleCreateFolder(ctx context.Context, e *ActionExecutor, id ServiceIdentity, args map[string]any) ActionResult {
	name := strings.TrimSpace(args["name"].(string))
	quoteID, _ := args["quote_id"].(string)
	folder, err := e.domain.CreateFolder(ctx, id, name, strings.TrimSpace(quoteID))
	if err != nil {
		return failed(err, "I could not create the folder %q", name)
	}
	return ActionResult{
		Success:    true,
		ResultRefs: map[string]string{"folder_id": folder.ID},
		Message:    fmt.Sprintf("Created folder %q.", folder.Name),
	}
}

func handleAssignForm(ctx context.Context, e *ActionExecutor, id ServiceIdentity, args map[string]any) ActionResult {
	form, err := e.domain.ResolveForm(ctx, id, args["form"].(string))
	if err != nil {
		return failed(err, "I could not add the form to the folder")
	}
	label := form.Title
	if label == "" {
		label = form.ID
	}
	return assign(ctx, e, id, args["folder_id"].(string), db.FolderItemForm, form.ID, "form "+label)
}

func handleAssignFile(ctx context.Context, e *ActionExecutor, id ServiceIdentity, args map[string]any) ActionResult {
	fileID := args["file_id"].(string)
	return assign(ctx, e, id, args["folder_id"].(string), db.FolderItemFile, fileID, "file "+fileID)
}

func handleAssignDocument(ctx context.Context, e *ActionExecutor, id ServiceIdentity, args map[string]any) ActionResult {
	docID := args["document_id"].(string)
	return assign(ctx, e, id, args["folder_id"].(string), db.FolderItemDocument, docID, "document "+docID)
}

func assign(ctx context.Context, e *ActionExecutor, id ServiceIdentity, folderID, itemType, itemID, label string) ActionResult {
	item, created, err := e.domain.AssignToFolder(ctx, id, strings.TrimSpace(folderID), itemType, strings.TrimSpace(itemID))
	if err != nil {
		return failed(err, "I could not add the %s to the folder", label)
	}
	msg := fmt.Sprintf("Added the %s to the folder.", label)
	if !created {
		msg = fmt.Sprintf("The %s was already in the folder.", label)
	}
	return ActionResult{
		Success:    true,
		ResultRefs: map[string]string{"folder_item_id": item.ID, "folder_id": item.FolderID, "item_id": item.ItemID},
		Message:    msg,
	}
}

// ---- outcome folding ----

// FoldOutcomes appends the outcome of each distinct action to the model's
// reply text.
func FoldOutcomes(text string, results []ActionResult) string {
	var lines []string
	for _, r := range results {
		if r.repeat || r.Message == "" {
			continue
		}
		lines = append(lines, r.Message)
	}
	text = strings.TrimSpace(text)
	if len(lines) == 0 {
		return text
	}
	outcome := strings.Join(lines, "\n")
	if text == "" {
		return outcome
	}
	return text + "\n\n" + outcome
}

// ActionResultBody renders the body of the action-result message.
func ActionResultBody(results []ActionResult) string {
	b, err := json.Marshal(results)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// intentRecords builds the audit trail stored on the assistant message.
func intentRecords(intents []ActionIntent, results []ActionResult) db.IntentRecords {
	records := make(db.IntentRecords, 0, len(intents))
	for i, in := range intents {
		rec := db.IntentRecord{Name: in.Name}
		if json.Valid([]byte(in.Arguments)) {
			rec.Arguments = json.RawMessage(in.Arguments)
		}
		if i < len(results) {
			rec.Success = results[i].Success
			rec.ErrorKind = string(results[i].ErrorKind)
			rec.ResultRefs = results[i].ResultRefs
		}
		records = append(records, rec)
	}
	return records
}
