package repository

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

// TemplateType selects which downstream record a template materializes.
type TemplateType string

const (
	TemplateInvoice TemplateType = "invoice"
	TemplateExpense TemplateType = "expense"
	TemplatePayment TemplateType = "payment"
)

// Valid reports whether t is a known template type.
func (t TemplateType) Valid() bool {
	switch t {
	case TemplateInvoice, TemplateExpense, TemplatePayment:
		return true
	}
	return false
}

// RecurrencePattern is the unit of repetition.
type RecurrencePattern string

const (
	PatternDaily   RecurrencePattern = "daily"
	PatternWeekly  RecurrencePattern = "weekly"
	PatternMonthly RecurrencePattern = "monthly"
	PatternYearly  RecurrencePattern = "yearly"
	PatternCustom  RecurrencePattern = "custom"
)

// Valid reports whether p is a known pattern.
func (p RecurrencePattern) Valid() bool {
	switch p {
	case PatternDaily, PatternWeekly, PatternMonthly, PatternYearly, PatternCustom:
		return true
	}
	return false
}

// RecurrenceAnchors pin a pattern to a calendar position. Only DayOfMonth is
// consulted, by the monthly pattern.
type RecurrenceAnchors struct {
	DayOfMonth *int `json:"day_of_month,omitempty"`
	DayOfWeek  *int `json:"day_of_week,omitempty"`
	Month      *int `json:"month,omitempty"`
}

// Validate checks anchor ranges.
func (a RecurrenceAnchors) Validate() error {
	if a.DayOfMonth != nil && (*a.DayOfMonth < 1 || *a.DayOfMonth > 31) {
		return errors.InvalidInput("recurrence_day_of_month", "must be between 1 and 31")
	}
	if a.DayOfWeek != nil && (*a.DayOfWeek < 0 || *a.DayOfWeek > 6) {
		return errors.InvalidInput("recurrence_day_of_week", "must be between 0 (Sunday) and 6")
	}
	if a.Month != nil && (*a.Month < 1 || *a.Month > 12) {
		return errors.InvalidInput("recurrence_month", "must be between 1 and 12")
	}
	return nil
}

// RecurringTemplate describes a record to be generated on a schedule.
type RecurringTemplate struct {
	ID                 string            `json:"id"`
	TenantID           string            `json:"tenant_id"`
	Name               string            `json:"name"`
	Description        *string           `json:"description,omitempty"`
	TemplateType       TemplateType      `json:"template_type"`
	TemplateData       TemplateData      `json:"template_data"`
	RecurrencePattern  RecurrencePattern `json:"recurrence_pattern"`
	RecurrenceInterval int               `json:"recurrence_interval"`
	Anchors            RecurrenceAnchors `json:"anchors"`
	StartDate          time.Time         `json:"start_date"`
	EndDate            *time.Time        `json:"end_date,omitempty"`
	LastGeneratedAt    *time.Time        `json:"last_generated_at,omitempty"`
	IsActive           bool              `json:"is_active"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// TemplatePatch carries UpdateRecurringTemplate fields; nil leaves a field
// unchanged. TemplateData is decoded against the template's existing type.
type TemplatePatch struct {
	Name               *string            `json:"name,omitempty"`
	Description        *string            `json:"description,omitempty"`
	TemplateData       json.RawMessage    `json:"template_data,omitempty"`
	RecurrencePattern  *RecurrencePattern `json:"recurrence_pattern,omitempty"`
	RecurrenceInterval *int               `json:"recurrence_interval,omitempty"`
	Anchors            *RecurrenceAnchors `json:"anchors,omitempty"`
	StartDate          *time.Time         `json:"start_date,omitempty"`
	EndDate            *time.Time         `json:"end_date,omitempty"`
	ClearEndDate       bool               `json:"clear_end_date,omitempty"`
	IsActive           *bool              `json:"is_active,omitempty"`
}

// GenerationError is one per-template failure captured during a run.
type GenerationError struct {
	TemplateID   string `json:"template_id"`
	TemplateName string `json:"template_name"`
	Error        string `json:"error"`
}

// GenerationLog summarizes one orchestrator run. Append-only.
type GenerationLog struct {
	ID                  string            `json:"id"`
	TenantID            string            `json:"tenant_id"`
	TemplatesConsidered int               `json:"templates_considered"`
	Generated           int               `json:"generated"`
	Skipped             int               `json:"skipped"`
	Errors              []GenerationError `json:"errors"`
	TriggeredBy         string            `json:"triggered_by"`
	RunAt               time.Time         `json:"run_at"`
}

// ── Typed template payloads ──────────────────────────────────────────────────

// TemplateData is the payload of a recurring template. The concrete type is
// selected by the template's TemplateType.
type TemplateData interface {
	TemplateType() TemplateType
	Validate() error
}

// TemplateLine is one invoice line in an invoice template.
type TemplateLine struct {
	Description string          `json:"description"`
	AccountID   string          `json:"account_id,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Amount returns quantity × unit price rounded to cents.
func (l TemplateLine) Amount() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice).Round(2)
}

// InvoiceTemplate materializes a customer invoice.
type InvoiceTemplate struct {
	CustomerID       string         `json:"customer_id"`
	Currency         string         `json:"currency"`
	Description      string         `json:"description,omitempty"`
	PaymentTermsDays int            `json:"payment_terms_days"`
	Lines            []TemplateLine `json:"lines"`
}

func (InvoiceTemplate) TemplateType() TemplateType { return TemplateInvoice }

func (t InvoiceTemplate) Validate() error {
	if t.CustomerID == "" {
		return errors.InvalidInput("template_data.customer_id", "customer_id is required")
	}
	if err := validateCurrency(t.Currency); err != nil {
		return err
	}
	if t.PaymentTermsDays < 0 {
		return errors.InvalidInput("template_data.payment_terms_days", "payment terms cannot be negative")
	}
	if len(t.Lines) == 0 {
		return errors.InvalidInput("template_data.lines", "invoice template must have at least 1 line")
	}
	for i, line := range t.Lines {
		if !line.Quantity.IsPositive() {
			return errors.InvalidInput(fmt.Sprintf("template_data.lines[%d].quantity", i), "quantity must be positive")
		}
		if line.UnitPrice.IsNegative() {
			return errors.InvalidInput(fmt.Sprintf("template_data.lines[%d].unit_price", i), "unit price cannot be negative")
		}
	}
	return nil
}

// Total sums the line amounts.
func (t InvoiceTemplate) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range t.Lines {
		total = total.Add(line.Amount())
	}
	return total
}

// ExpenseTemplate materializes a recurring expense.
type ExpenseTemplate struct {
	VendorID    string          `json:"vendor_id"`
	Category    string          `json:"category"`
	AccountID   string          `json:"account_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
}

func (ExpenseTemplate) TemplateType() TemplateType { return TemplateExpense }

func (t ExpenseTemplate) Validate() error {
	if t.VendorID == "" {
		return errors.InvalidInput("template_data.vendor_id", "vendor_id is required")
	}
	if t.Category == "" {
		return errors.InvalidInput("template_data.category", "category is required")
	}
	if !t.Amount.IsPositive() {
		return errors.InvalidInput("template_data.amount", "amount must be positive")
	}
	return validateCurrency(t.Currency)
}

// PaymentTemplate materializes a scheduled outgoing payment.
type PaymentTemplate struct {
	PayeeID   string          `json:"payee_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Method    string          `json:"method"`
	Reference string          `json:"reference,omitempty"`
}

func (PaymentTemplate) TemplateType() TemplateType { return TemplatePayment }

func (t PaymentTemplate) Validate() error {
	if t.PayeeID == "" {
		return errors.InvalidInput("template_data.payee_id", "payee_id is required")
	}
	if !t.Amount.IsPositive() {
		return errors.InvalidInput("template_data.amount", "amount must be positive")
	}
	switch t.Method {
	case "bank_transfer", "card", "check", "cash", "ach", "wire":
	default:
		return errors.InvalidInput("template_data.method", "unsupported payment method")
	}
	return validateCurrency(t.Currency)
}

func validateCurrency(c string) error {
	if len(c) != 3 || strings.ToUpper(c) != c {
		return errors.InvalidInput("template_data.currency", "currency must be 3-letter uppercase ISO code")
	}
	return nil
}

// DecodeTemplateData decodes raw JSON into the payload type selected by t.
func DecodeTemplateData(t TemplateType, raw []byte) (TemplateData, error) {
	var (
		data TemplateData
		err  error
	)
	switch t {
	case TemplateInvoice:
		var v InvoiceTemplate
		err = json.Unmarshal(raw, &v)
		data = v
	case TemplateExpense:
		var v ExpenseTemplate
		err = json.Unmarshal(raw, &v)
		data = v
	case TemplatePayment:
		var v PaymentTemplate
		err = json.Unmarshal(raw, &v)
		data = v
	default:
		return nil, errors.InvalidInput("template_type", fmt.Sprintf("unsupported template type %q", t))
	}
	if err != nil {
		return nil, errors.InvalidInput("template_data", "malformed template data: "+err.Error())
	}
	return data, nil
}

// ── Materialized records ─────────────────────────────────────────────────────

// Invoice is a customer invoice generated from a template.
type Invoice struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	TemplateID    *string         `json:"template_id,omitempty"`
	InvoiceNumber string          `json:"invoice_number"`
	CustomerID    string          `json:"customer_id"`
	IssueDate     time.Time       `json:"issue_date"`
	DueDate       time.Time       `json:"due_date"`
	Currency      string          `json:"currency"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Description   string          `json:"description,omitempty"`
	Lines         []TemplateLine  `json:"lines"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Expense is an expense generated from a template.
type Expense struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	TemplateID  *string         `json:"template_id,omitempty"`
	VendorID    string          `json:"vendor_id"`
	Category    string          `json:"category"`
	AccountID   string          `json:"account_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	ExpenseDate time.Time       `json:"expense_date"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Payment is a scheduled payment generated from a template.
type Payment struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	TemplateID  *string         `json:"template_id,omitempty"`
	PayeeID     string          `json:"payee_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Method      string          `json:"method"`
	Reference   string          `json:"reference,omitempty"`
	PaymentDate time.Time       `json:"payment_date"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}
