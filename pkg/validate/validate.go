// Package validate admits requests at the boundary: payload size budget,
// recursive string sanitization, injection scanning, then JSON Schema
// validation. A request either passes untouched or is rejected whole; no
// partial mutation is ever observable.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vorion-labs/vorion/core/pkg/api"
)

// DefaultMaxBodyBytes is the payload budget applied before any parsing.
const DefaultMaxBodyBytes = 1 << 20 // 1 MiB

// Issue is one structured validation failure.
type Issue struct {
	Path     string `json:"path"`
	Code     string `json:"code"`
	Expected string `json:"expected,omitempty"`
	Received string `json:"received,omitempty"`
	Message  string `json:"message"`
}

// Error is the aggregate rejection for one request.
type Error struct {
	Code   api.ErrorCode `json:"code"`
	Issues []Issue       `json:"issues"`
}

func (e *Error) Error() string {
	if len(e.Issues) == 0 {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s at %s", e.Code, e.Issues[0].Message, e.Issues[0].Path)
}

// Envelope converts the rejection into the client error envelope.
func (e *Error) Envelope(requestID, traceID string, now time.Time) api.Envelope {
	msg := "validation failed"
	if e.Code == api.CodePayloadTooLarge {
		msg = "payload exceeds size budget"
	}
	return api.NewEnvelope(&api.Error{
		Code:    e.Code,
		Message: msg,
		Details: map[string]any{"issues": e.Issues},
	}, requestID, traceID, now)
}

// Validator compiles and caches schemas, then runs the admission pipeline.
type Validator struct {
	maxBodyBytes int
	schemas      map[string]*jsonschema.Schema
}

// Option configures a Validator.
type Option func(*Validator)

// WithMaxBodyBytes overrides the payload budget.
func WithMaxBodyBytes(n int) Option {
	return func(v *Validator) { v.maxBodyBytes = n }
}

// New builds a validator.
func New(opts ...Option) *Validator {
	v := &Validator{
		maxBodyBytes: DefaultMaxBodyBytes,
		schemas:      make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RegisterSchema compiles and caches a named JSON Schema (draft 2020-12).
func (v *Validator) RegisterSchema(name, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://vorion.schemas.local/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("validate: load schema %q: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("validate: compile schema %q: %w", name, err)
	}
	v.schemas[name] = compiled
	return nil
}

// ValidateBody runs the full pipeline on a raw JSON payload: size budget,
// parse, sanitize, injection scan, then the named schema. Returns the
// sanitized document on success.
func (v *Validator) ValidateBody(raw []byte, schemaName string) (map[string]any, *Error) {
	if len(raw) > v.maxBodyBytes {
		return nil, &Error{
			Code: api.CodePayloadTooLarge,
			Issues: []Issue{{
				Path:     "$",
				Code:     "payload_too_large",
				Expected: fmt.Sprintf("<= %d bytes", v.maxBodyBytes),
				Received: fmt.Sprintf("%d bytes", len(raw)),
				Message:  "payload exceeds size budget",
			}},
		}
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &Error{
			Code: api.CodeInvalidInput,
			Issues: []Issue{{
				Path:    "$",
				Code:    "malformed_json",
				Message: err.Error(),
			}},
		}
	}
	return v.validateDocument(doc, schemaName)
}

// ValidateQuery validates already-parsed query parameters.
func (v *Validator) ValidateQuery(params map[string]any, schemaName string) (map[string]any, *Error) {
	return v.validateDocument(params, schemaName)
}

// ValidatePath validates already-parsed path parameters.
func (v *Validator) ValidatePath(params map[string]any, schemaName string) (map[string]any, *Error) {
	return v.validateDocument(params, schemaName)
}

func (v *Validator) validateDocument(doc map[string]any, schemaName string) (map[string]any, *Error) {
	// Sanitize a copy so a rejection leaves the caller's document untouched.
	sanitized := sanitizeValue(doc).(map[string]any)

	if issues := scanInjection(sanitized, "$"); len(issues) > 0 {
		return nil, &Error{Code: api.CodeInvalidInput, Issues: issues}
	}

	schema, ok := v.schemas[schemaName]
	if !ok {
		return nil, &Error{
			Code: api.CodeInternal,
			Issues: []Issue{{
				Path:    "$",
				Code:    "unknown_schema",
				Message: fmt.Sprintf("no schema registered under %q", schemaName),
			}},
		}
	}
	if err := schema.Validate(sanitized); err != nil {
		return nil, &Error{Code: api.CodeValidation, Issues: schemaIssues(err)}
	}
	return sanitized, nil
}

// schemaIssues flattens a jsonschema validation error into structured issues.
func schemaIssues(err error) []Issue {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Issue{{Path: "$", Code: "schema", Message: err.Error()}}
	}
	leaves := ve.Causes
	if len(leaves) == 0 {
		leaves = []*jsonschema.ValidationError{ve}
	}
	issues := make([]Issue, 0, len(leaves))
	for _, c := range leaves {
		path := "$"
		if c.InstanceLocation != "" {
			path = "$" + strings.ReplaceAll(c.InstanceLocation, "/", ".")
		}
		issues = append(issues, Issue{
			Path:     path,
			Code:     "schema",
			Expected: c.KeywordLocation,
			Message:  c.Message,
		})
	}
	return issues
}
