package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

func TestValidateRequestData(t *testing.T) {
	tests := []struct {
		name        string
		requestType string
		data        string
		wantField   string
	}{
		{"invoice ok", "invoice", `{"amount": 1500, "department": "eng"}`, ""},
		{"invoice missing amount", "invoice", `{"department": "eng"}`, "request_data"},
		{"invoice string amount", "invoice", `{"amount": "1500"}`, "request_data.amount"},
		{"invoice negative", "invoice", `{"amount": -1}`, "request_data.amount"},
		{"invoice bad currency", "invoice", `{"amount": 1, "currency": "usd"}`, "request_data.currency"},
		{"unknown type accepts any object", "purchase_order", `{"anything": true}`, ""},
		{"unknown type rejects array", "purchase_order", `[1, 2]`, "request_data"},
		{"empty", "invoice", ``, "request_data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequestData(tt.requestType, json.RawMessage(tt.data))
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
			assert.Contains(t, errors.FieldOf(err), tt.wantField)
		})
	}
}

func TestValidateTemplateData(t *testing.T) {
	tests := []struct {
		name         string
		templateType string
		data         string
		wantErr      bool
	}{
		{"invoice ok", "invoice", `{"customer_id":"c1","currency":"USD","lines":[{"description":"Hosting","quantity":1,"unit_price":"99.50"}]}`, false},
		{"invoice no lines", "invoice", `{"customer_id":"c1","currency":"USD","lines":[]}`, true},
		{"invoice bad price", "invoice", `{"customer_id":"c1","currency":"USD","lines":[{"description":"x","quantity":1,"unit_price":"ten"}]}`, true},
		{"expense ok", "expense", `{"vendor_id":"v1","category":"rent","amount":2000,"currency":"EUR"}`, false},
		{"expense missing vendor", "expense", `{"category":"rent","amount":2000,"currency":"EUR"}`, true},
		{"payment ok", "payment", `{"payee_id":"p1","amount":"10.00","currency":"USD","method":"ach"}`, false},
		{"payment bad method", "payment", `{"payee_id":"p1","amount":"10.00","currency":"USD","method":"bitcoin"}`, true},
		{"unknown type", "timesheet", `{}`, true},
		{"malformed", "expense", `{`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTemplateData(tt.templateType, json.RawMessage(tt.data))
			if tt.wantErr {
				assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
