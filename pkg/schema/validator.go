// Package schema validates kernel documents (work orders, prompt contracts,
// attention templates, package manifests) against embedded JSON Schemas, and
// compiles ad-hoc schemas carried inside prompt contracts.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Well-known document kinds.
const (
	KindWorkOrder         = "work_order"
	KindPromptContract    = "prompt_contract"
	KindAttentionTemplate = "attention_template"
	KindPackageManifest   = "package_manifest"
)

const schemaBaseURL = "https://braingarden.schemas.local/"

// ValidationError carries the failing document kind and the underlying
// jsonschema detail.
type ValidationError struct {
	Kind   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("VALIDATION_ERROR: %s: %s", e.Kind, e.Detail)
}

// Validator holds compiled schemas for the well-known kinds.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator compiles all embedded schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{compiled: make(map[string]*jsonschema.Schema)}
	for _, kind := range []string{KindWorkOrder, KindPromptContract, KindAttentionTemplate, KindPackageManifest} {
		data, err := schemaFS.ReadFile("schemas/" + kind + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("schema: missing embedded schema for %s: %w", kind, err)
		}
		compiled, err := compile(kind+".schema.json", string(data))
		if err != nil {
			return nil, err
		}
		v.compiled[kind] = compiled
	}
	return v, nil
}

func compile(name, body string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := schemaBaseURL + name
	if err := c.AddResource(url, strings.NewReader(body)); err != nil {
		return nil, fmt.Errorf("schema: load %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %s: %w", name, err)
	}
	return compiled, nil
}

// Validate checks doc (any json-marshalable value) against the named kind.
func (v *Validator) Validate(kind string, doc interface{}) error {
	v.mu.Lock()
	compiled, ok := v.compiled[kind]
	v.mu.Unlock()
	if !ok {
		return &ValidationError{Kind: kind, Detail: "unknown document kind"}
	}

	generic, err := toGeneric(doc)
	if err != nil {
		return &ValidationError{Kind: kind, Detail: err.Error()}
	}
	if err := compiled.Validate(generic); err != nil {
		return &ValidationError{Kind: kind, Detail: err.Error()}
	}
	return nil
}

// CompileInline compiles a schema document carried inside a contract (e.g. a
// contract's output_schema) for repeated use.
func CompileInline(id string, schemaDoc map[string]interface{}) (*jsonschema.Schema, error) {
	body, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal inline %s: %w", id, err)
	}
	return compile("inline/"+id+".schema.json", string(body))
}

// ValidateInline validates doc against an inline schema document.
func ValidateInline(id string, schemaDoc map[string]interface{}, doc interface{}) error {
	compiled, err := CompileInline(id, schemaDoc)
	if err != nil {
		return &ValidationError{Kind: id, Detail: err.Error()}
	}
	generic, err := toGeneric(doc)
	if err != nil {
		return &ValidationError{Kind: id, Detail: err.Error()}
	}
	if err := compiled.Validate(generic); err != nil {
		return &ValidationError{Kind: id, Detail: err.Error()}
	}
	return nil
}

// toGeneric round-trips doc through JSON so struct values validate the same
// way their wire form would.
func toGeneric(doc interface{}) (interface{}, error) {
	switch t := doc.(type) {
	case map[string]interface{}, []interface{}, string, float64, bool, nil:
		return t, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}
