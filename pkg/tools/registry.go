// Package tools declares the closed set of business actions the assistant may
// request through tool calls, together with their argument schemas.
//
// The vocabulary is a static table. Names outside it can never be resolved to
// a handler, so an unknown tool call from the model is rejected by lookup.
package tools

import (
	"sort"

	"github.com/cloudwego/eino/schema"
)

// ActionName identifies one business mutation.
type ActionName string

const (
	ActionCreateQuote            ActionName = "create_quote"
	ActionCreateFolder           ActionName = "create_folder"
	ActionAssignFormToFolder     ActionName = "assign_form_to_folder"
	ActionAssignFileToFolder     ActionName = "assign_file_to_folder"
	ActionAssignDocumentToFolder ActionName = "assign_document_to_folder"
)

// ActionDefinition describes an action as exposed to the model.
type ActionDefinition struct {
	Name        ActionName
	Description string
	Params      map[string]*schema.ParameterInfo
	// Composite actions run dependent sub-steps (create_quote may create a folder).
	Composite bool
	// Idempotent actions check for an existing record before mutating.
	Idempotent bool
}

var lineItemParams = map[string]*schema.ParameterInfo{
	"description": {Type: schema.String, Desc: "What is being sold", Required: true},
	"quantity":    {Type: schema.Integer, Desc: "Number of units, at least 1", Required: true},
	"unit_price":  {Type: schema.String, Desc: "Price per unit as a decimal string, e.g. \"12.00\"", Required: true},
}

var definitions = map[ActionName]ActionDefinition{
	ActionCreateQuote: {
		Name:        ActionCreateQuote,
		Description: "Create a draft quote for the current customer. By default a folder linked to the quote is created too.",
		Composite:   true,
		Params: map[string]*schema.ParameterInfo{
			"title": {Type: schema.String, Desc: "Short title for the quote", Required: true},
			"line_items": {
				Type:     schema.Array,
				Desc:     "Quoted line items",
				Required: true,
				ElemInfo: &schema.ParameterInfo{Type: schema.Object, SubParams: lineItemParams},
			},
			"tax_rate":           {Type: schema.String, Desc: "Optional tax rate in percent as a decimal string, e.g. \"8.25\""},
			"auto_create_folder": {Type: schema.Boolean, Desc: "Create a folder for this quote (default true)"},
		},
	},
	ActionCreateFolder: {
		Name:        ActionCreateFolder,
		Description: "Create a folder for the current customer, optionally linked to one of their quotes.",
		Params: map[string]*schema.ParameterInfo{
			"name":     {Type: schema.String, Desc: "Folder name", Required: true},
			"quote_id": {Type: schema.String, Desc: "Optional id of an existing quote to link"},
		},
	},
	ActionAssignFormToFolder: {
		Name:        ActionAssignFormToFolder,
		Description: "Attach a form to one of the customer's folders. The form may be given by id or by its public slug.",
		Idempotent:  true,
		Params: map[string]*schema.ParameterInfo{
			"folder_id": {Type: schema.String, Desc: "Target folder id", Required: true},
			"form":      {Type: schema.String, Desc: "Form id or public slug", Required: true},
		},
	},
	ActionAssignFileToFolder: {
		Name:        ActionAssignFileToFolder,
		Description: "Attach an uploaded file to one of the customer's folders.",
		Idempotent:  true,
		Params: map[string]*schema.ParameterInfo{
			"folder_id": {Type: schema.String, Desc: "Target folder id", Required: true},
			"file_id":   {Type: schema.String, Desc: "File id", Required: true},
		},
	},
	ActionAssignDocumentToFolder: {
		Name:        ActionAssignDocumentToFolder,
		Description: "Attach a signable document to one of the customer's folders.",
		Idempotent:  true,
		Params: map[string]*schema.ParameterInfo{
			"folder_id":   {Type: schema.String, Desc: "Target folder id", Required: true},
			"document_id": {Type: schema.String, Desc: "Signable document id", Required: true},
		},
	},
}

// Lookup resolves a model-supplied tool name.
func Lookup(name string) (ActionDefinition, bool) {
	def, ok := definitions[ActionName(name)]
	return def, ok
}

// Names returns every action name, sorted.
func Names() []ActionName {
	names := make([]ActionName, 0, len(definitions))
	for n := range definitions {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ToolInfo returns the eino tool schema bound to the chat model.
func (d ActionDefinition) ToolInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name:        string(d.Name),
		Desc:        d.Description,
		ParamsOneOf: schema.NewParamsOneOfByParams(d.Params),
	}
}

// ToolInfos returns the schemas of every action in name order.
func ToolInfos() []*schema.ToolInfo {
	names := Names()
	infos := make([]*schema.ToolInfo, 0, len(names))
	for _, n := range names {
		infos = append(infos, definitions[n].ToolInfo())
	}
	return infos
}
