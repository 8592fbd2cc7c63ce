// Package schema validates inbound JSON payloads at the service boundary.
// Request data for known request types and template data for every template
// type are checked against compiled JSON schemas before any Go decoding.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

const money = `{"type": ["number", "string"], "pattern": "^-?[0-9]+(\\.[0-9]+)?$"}`

const object = `{"type": "object"}`

var requestSchemas = map[string]string{
	"invoice": `{
		"type": "object",
		"required": ["amount"],
		"properties": {
			"amount":      {"type": "number", "minimum": 0},
			"currency":    {"type": "string", "pattern": "^[A-Z]{3}$"},
			"vendor_id":   {"type": "string"},
			"department":  {"type": "string"}
		}
	}`,
	"expense": `{
		"type": "object",
		"required": ["amount"],
		"properties": {
			"amount":     {"type": "number", "minimum": 0},
			"currency":   {"type": "string", "pattern": "^[A-Z]{3}$"},
			"category":   {"type": "string"},
			"department": {"type": "string"}
		}
	}`,
	"payment": `{
		"type": "object",
		"required": ["amount"],
		"properties": {
			"amount":   {"type": "number", "minimum": 0},
			"currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
			"payee_id": {"type": "string"}
		}
	}`,
}

var templateSchemas = map[string]string{
	"invoice": `{
		"type": "object",
		"required": ["customer_id", "currency", "lines"],
		"properties": {
			"customer_id":        {"type": "string", "minLength": 1},
			"currency":           {"type": "string", "pattern": "^[A-Z]{3}$"},
			"description":        {"type": "string"},
			"payment_terms_days": {"type": "integer", "minimum": 0},
			"lines": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["description", "quantity", "unit_price"],
					"properties": {
						"description": {"type": "string"},
						"account_id":  {"type": "string"},
						"quantity":    ` + money + `,
						"unit_price":  ` + money + `
					}
				}
			}
		}
	}`,
	"expense": `{
		"type": "object",
		"required": ["vendor_id", "category", "amount", "currency"],
		"properties": {
			"vendor_id":   {"type": "string", "minLength": 1},
			"category":    {"type": "string", "minLength": 1},
			"account_id":  {"type": "string"},
			"amount":      ` + money + `,
			"currency":    {"type": "string", "pattern": "^[A-Z]{3}$"},
			"description": {"type": "string"}
		}
	}`,
	"payment": `{
		"type": "object",
		"required": ["payee_id", "amount", "currency", "method"],
		"properties": {
			"payee_id":  {"type": "string", "minLength": 1},
			"amount":    ` + money + `,
			"currency":  {"type": "string", "pattern": "^[A-Z]{3}$"},
			"method":    {"enum": ["bank_transfer", "card", "check", "cash", "ach", "wire"]},
			"reference": {"type": "string"}
		}
	}`,
}

var (
	compiledRequests  = mustCompile(requestSchemas)
	compiledTemplates = mustCompile(templateSchemas)
	anyObject         = mustCompileOne(object)
)

func mustCompile(src map[string]string) map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(src))
	for name, s := range src {
		out[name] = mustCompileOne(s)
	}
	return out
}

func mustCompileOne(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("schema: compile: %v", err))
	}
	return schema
}

// ValidateRequestData checks an approval request's data bag. Known request
// types have a schema; any other type only needs a JSON object.
func ValidateRequestData(requestType string, data json.RawMessage) error {
	s, ok := compiledRequests[requestType]
	if !ok {
		s = anyObject
	}
	return validate(s, "request_data", data)
}

// ValidateTemplateData checks a recurring template's payload for its type.
func ValidateTemplateData(templateType string, data json.RawMessage) error {
	s, ok := compiledTemplates[templateType]
	if !ok {
		return errors.InvalidInput("template_type", fmt.Sprintf("unsupported template type %q", templateType))
	}
	return validate(s, "template_data", data)
}

func validate(s *gojsonschema.Schema, root string, data json.RawMessage) error {
	if len(data) == 0 {
		return errors.InvalidInput(root, root+" is required")
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.InvalidInput(root, "malformed JSON: "+err.Error())
	}
	if result.Valid() {
		return nil
	}

	first := result.Errors()[0]
	field := root
	if f := first.Field(); f != "" && f != "(root)" {
		field = root + "." + f
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.InvalidInput(field, strings.Join(msgs, "; "))
}
