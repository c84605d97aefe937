package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// ValidationError reports the first argument that does not match an action's schema.
type ValidationError struct {
	Action ActionName
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("%s: argument %q %s", e.Action, e.Field, e.Reason)
}

// ParseArguments decodes a tool-call argument string into a JSON object.
// An empty string is treated as {}.
func ParseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		return map[string]any{}, nil
	}
	return args, nil
}

// Validate checks args against the action's declared parameters: required
// fields present, no undeclared fields, and JSON types matching.
func (d ActionDefinition) Validate(args map[string]any) error {
	return validateObject(d.Name, "", d.Params, args)
}

func validateObject(action ActionName, prefix string, params map[string]*schema.ParameterInfo, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := params[k]; !ok {
			return &ValidationError{Action: action, Field: prefix + k, Reason: "is not accepted"}
		}
	}

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		p := params[name]
		v, present := obj[name]
		if !present || v == nil {
			if p.Required {
				return &ValidationError{Action: action, Field: prefix + name, Reason: "is required"}
			}
			continue
		}
		if err := validateValue(action, prefix+name, p, v); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(action ActionName, field string, p *schema.ParameterInfo, v any) error {
	mismatch := func(want string) error {
		return &ValidationError{Action: action, Field: field, Reason: "must be " + want}
	}

	switch p.Type {
	case schema.String:
		s, ok := v.(string)
		if !ok {
			return mismatch("a string")
		}
		if p.Required && strings.TrimSpace(s) == "" {
			return &ValidationError{Action: action, Field: field, Reason: "must not be empty"}
		}
		if len(p.Enum) > 0 && !contains(p.Enum, s) {
			return mismatch("one of " + strings.Join(p.Enum, ", "))
		}
	case schema.Integer:
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return mismatch("an integer")
		}
	case schema.Number:
		if _, ok := v.(float64); !ok {
			return mismatch("a number")
		}
	case schema.Boolean:
		if _, ok := v.(bool); !ok {
			return mismatch("a boolean")
		}
	case schema.Array:
		arr, ok := v.([]any)
		if !ok {
			return mismatch("an array")
		}
		if p.Required && len(arr) == 0 {
			return &ValidationError{Action: action, Field: field, Reason: "must not be empty"}
		}
		if p.ElemInfo != nil {
			for i, elem := range arr {
				if err := validateValue(action, fmt.Sprintf("%s[%d]", field, i), p.ElemInfo, elem); err != nil {
					return err
				}
			}
		}
	case schema.Object:
		obj, ok := v.(map[string]any)
		if !ok {
			return mismatch("an object")
		}
		if p.SubParams != nil {
			return validateObject(action, field+".", p.SubParams, obj)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
