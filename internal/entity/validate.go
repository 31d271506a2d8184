package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrValidation = errors.New("validation failed")

// ValidationError points at the response item that failed to validate.
type ValidationError struct {
	RequestID string
	Index     int
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("request %s item %d: %v", e.RequestID, e.Index, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validator accepts one raw feed item and produces a typed record.
type Validator func(raw json.RawMessage) (Record, error)

// SchemaValidator checks raw against a JSON schema before decoding it into
// a fresh value from newRecord.
func SchemaValidator(name, schema string, newRecord func() Record) (Validator, error) {
	compiled, err := compileSchema(name, schema)
	if err != nil {
		return nil, err
	}
	return func(raw json.RawMessage) (Record, error) {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if err := compiled.Validate(inst); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		rec := newRecord()
		if err := json.Unmarshal(raw, rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return rec, nil
	}, nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse %s schema: %w", name, err)
	}
	url := "mem://relaysync/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return compiled, nil
}

const (
	idProperty   = `"id": {"type": "string", "minLength": 1}`
	optString    = `{"type": ["string", "null"]}`
	optBool      = `{"type": ["boolean", "null"]}`
	optTimestamp = `{"type": ["string", "null"]}`
)

var schemas = map[string]string{
	"user": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			` + idProperty + `,
			"displayName": ` + optString + `,
			"userPrincipalName": ` + optString + `,
			"mail": ` + optString + `,
			"accountEnabled": ` + optBool + `
		}
	}`,
	"group": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			` + idProperty + `,
			"displayName": ` + optString + `,
			"groupTypes": {"type": ["array", "null"], "items": {"type": "string"}},
			"members": {"type": ["array", "null"], "items": {"$ref": "#/$defs/member"}},
			"members@delta": {"type": ["array", "null"], "items": {"$ref": "#/$defs/member"}}
		},
		"$defs": {
			"member": {
				"type": "object",
				"required": ["id"],
				"properties": {` + idProperty + `}
			}
		}
	}`,
	"device": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			` + idProperty + `,
			"deviceName": ` + optString + `,
			"operatingSystem": ` + optString + `,
			"complianceState": ` + optString + `,
			"lastSyncDateTime": ` + optTimestamp + `
		}
	}`,
	"policy": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			` + idProperty + `,
			"name": ` + optString + `,
			"lastModifiedDateTime": ` + optTimestamp + `
		}
	}`,
	"script": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			` + idProperty + `,
			"displayName": ` + optString + `,
			"fileName": ` + optString + `
		}
	}`,
	"application": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			` + idProperty + `,
			"displayName": ` + optString + `,
			"isAssigned": ` + optBool + `
		}
	}`,
	"assignmentSet": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			` + idProperty + `,
			"assignments": {
				"type": ["array", "null"],
				"items": {
					"type": "object",
					"required": ["id"],
					"properties": {` + idProperty + `, "target": {"type": ["object", "null"]}}
				}
			}
		}
	}`,
	"organization": `{
		"type": "object",
		"required": ["id"],
		"properties": {
			` + idProperty + `,
			"displayName": ` + optString + `,
			"verifiedDomains": {
				"type": ["array", "null"],
				"items": {"type": "object", "required": ["name"]}
			}
		}
	}`,
}

var (
	validatorsOnce sync.Once
	validators     map[string]Validator
	validatorsErr  error
)

// Validators returns the compiled validator for every built-in entity type.
func Validators() (map[string]Validator, error) {
	validatorsOnce.Do(func() {
		constructors := map[string]func() Record{
			"user":          func() Record { return &User{} },
			"group":         func() Record { return &Group{} },
			"device":        func() Record { return &Device{} },
			"policy":        func() Record { return &Policy{} },
			"script":        func() Record { return &Script{} },
			"application":   func() Record { return &Application{} },
			"assignmentSet": func() Record { return &AssignmentSet{} },
			"organization":  func() Record { return &Organization{} },
		}
		out := make(map[string]Validator, len(constructors))
		for name, newRecord := range constructors {
			v, err := SchemaValidator(name, schemas[name], newRecord)
			if err != nil {
				validatorsErr = err
				return
			}
			out[name] = v
		}
		validators = out
	})
	return validators, validatorsErr
}
