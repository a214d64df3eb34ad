package app

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
)

type contentRule func(fields map[string]interface{}) error

var contentRules = map[domain.RequestType]contentRule{
	domain.RequestTypeLoanApplication:           loanApplicationContent,
	domain.RequestTypeLoanDisbursement:          requirePositive("amount"),
	domain.RequestTypeSavingsWithdrawal:         requirePositive("amount"),
	domain.RequestTypePersonalSavingsWithdrawal: requirePositive("amount"),
	domain.RequestTypeSharesWithdrawal:          requirePositive("amount"),
	domain.RequestTypePersonalSavingsCreation:   requireString("planName"),
	domain.RequestTypeSystemSettingUpdate:       systemSettingContent,
	domain.RequestTypeContactUpdate:             requireNonEmpty,
	domain.RequestTypeAccountUpdate:             requireNonEmpty,
	domain.RequestTypeBiodataUpdate:             requireNonEmpty,
}

// ValidateContent checks that content has the shape the request type expects.
// Types without a rule only need a JSON object.
func ValidateContent(t domain.RequestType, content json.RawMessage) error {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return domain.ValidationError("content is required")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return domain.ValidationError("content must be a JSON object")
	}

	rule, ok := contentRules[t]
	if !ok {
		return nil
	}
	return rule(fields)
}

func loanApplicationContent(fields map[string]interface{}) error {
	if err := requirePositive("amount")(fields); err != nil {
		return err
	}
	if _, present := fields["tenureMonths"]; !present {
		return nil
	}
	tenure, ok := number(fields["tenureMonths"])
	if !ok || tenure < 1 || tenure != float64(int(tenure)) {
		return domain.ValidationError("content.tenureMonths must be a positive whole number")
	}
	return nil
}

func systemSettingContent(fields map[string]interface{}) error {
	if err := requireString("key")(fields); err != nil {
		return err
	}
	if _, ok := fields["value"]; !ok {
		return domain.ValidationError("content.value is required")
	}
	return nil
}

func requireNonEmpty(fields map[string]interface{}) error {
	if len(fields) == 0 {
		return domain.ValidationError("content must carry at least one field")
	}
	return nil
}

func requirePositive(field string) contentRule {
	return func(fields map[string]interface{}) error {
		v, ok := number(fields[field])
		if !ok {
			return domain.ValidationError("content.%s must be a number", field)
		}
		if v <= 0 {
			return domain.ValidationError("content.%s must be greater than zero", field)
		}
		return nil
	}
}

func requireString(field string) contentRule {
	return func(fields map[string]interface{}) error {
		v, ok := fields[field].(string)
		if !ok || strings.TrimSpace(v) == "" {
			return domain.ValidationError("content.%s is required", field)
		}
		return nil
	}
}

// number accepts JSON numbers and numeric strings; amounts often arrive as
// decimal strings.
func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
