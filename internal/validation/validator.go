// Package validation checks assigned field values against their type and
// validation rules.
package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pitabwire/signet/model"
)

// Validator validates AssignedField values. Compiled patterns are cached, so
// a single Validator should be shared. It is safe for concurrent use.
type Validator struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

// New creates a Validator with an empty pattern cache.
func New() *Validator {
	return &Validator{patterns: make(map[string]*regexp.Regexp)}
}

// Validate checks the field's current value (or signature image) against
// its type and rules. It returns a VALIDATION_ERROR whose single detail
// carries the failing reason, or nil.
func (v *Validator) Validate(field model.AssignedField) error {
	if field.FieldType.IsSignature() {
		if field.IsRequired && field.SignatureImageURL == "" {
			return missing(field)
		}
		return nil
	}

	value := field.FieldValue
	if strings.TrimSpace(value) == "" {
		if field.IsRequired {
			return missing(field)
		}
		return nil
	}

	if field.FieldType == model.FieldTypeCheckbox && field.IsRequired && value == "false" {
		return missing(field)
	}

	rules := field.ValidationRules
	n := utf8.RuneCountInString(value)
	if rules.MinLength > 0 && n < rules.MinLength {
		return model.NewValidationError(model.FieldError{
			Field:   field.ID,
			Code:    model.ReasonLengthViolation,
			Message: fmt.Sprintf("%s must be at least %d characters", label(field), rules.MinLength),
		})
	}
	if rules.MaxLength > 0 && n > rules.MaxLength {
		return model.NewValidationError(model.FieldError{
			Field:   field.ID,
			Code:    model.ReasonLengthViolation,
			Message: fmt.Sprintf("%s must be at most %d characters", label(field), rules.MaxLength),
		})
	}

	if !formatOK(field.FieldType, value) {
		return model.NewValidationError(model.FieldError{
			Field:   field.ID,
			Code:    model.ReasonPatternMismatch,
			Message: fmt.Sprintf("%s is not a valid %s", label(field), field.FieldType),
		})
	}

	if rules.Pattern != "" {
		re, err := v.compile(rules.Pattern)
		if err != nil {
			return model.NewInvalidConfigError(fmt.Sprintf("field %s has an invalid pattern: %v", field.ID, err))
		}
		if !re.MatchString(value) {
			return model.NewValidationError(model.FieldError{
				Field:   field.ID,
				Code:    model.ReasonPatternMismatch,
				Message: fmt.Sprintf("%s format is invalid", label(field)),
			})
		}
	}

	return nil
}

// ValidateRules checks that a rule set is usable before it is attached to a
// field.
func (v *Validator) ValidateRules(rules model.ValidationRules) error {
	var errs []string
	if rules.MinLength < 0 {
		errs = append(errs, "minLength must not be negative")
	}
	if rules.MaxLength < 0 {
		errs = append(errs, "maxLength must not be negative")
	}
	if rules.MaxLength > 0 && rules.MinLength > rules.MaxLength {
		errs = append(errs, fmt.Sprintf("minLength %d exceeds maxLength %d", rules.MinLength, rules.MaxLength))
	}
	if rules.Pattern != "" {
		if _, err := v.compile(rules.Pattern); err != nil {
			errs = append(errs, fmt.Sprintf("pattern does not compile: %v", err))
		}
	}
	if len(errs) > 0 {
		return model.NewInvalidConfigError("invalid validation rules: " + strings.Join(errs, "; "))
	}
	return nil
}

func (v *Validator) compile(pattern string) (*regexp.Regexp, error) {
	v.mu.RLock()
	re, ok := v.patterns[pattern]
	v.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.patterns[pattern] = re
	v.mu.Unlock()
	return re, nil
}

func formatOK(t model.FieldType, value string) bool {
	switch t {
	case model.FieldTypeDate:
		if _, err := time.Parse(time.DateOnly, value); err == nil {
			return true
		}
		_, err := time.Parse(time.RFC3339, value)
		return err == nil
	case model.FieldTypeCheckbox:
		return value == "true" || value == "false"
	case model.FieldTypeEmail:
		addr, err := mail.ParseAddress(value)
		return err == nil && addr.Address == value
	case model.FieldTypeNumber:
		_, err := strconv.ParseFloat(value, 64)
		return err == nil
	}
	return true
}

func missing(field model.AssignedField) error {
	return model.NewValidationError(model.FieldError{
		Field:   field.ID,
		Code:    model.ReasonRequiredFieldMissing,
		Message: fmt.Sprintf("%s is required", label(field)),
	})
}

func label(field model.AssignedField) string {
	if field.Label != "" {
		return field.Label
	}
	return "field"
}
