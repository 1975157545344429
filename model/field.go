package model

import "time"

// FieldType is the kind of input an AssignedField collects.
type FieldType string

// Known field types.
const (
	FieldTypeSignature FieldType = "signature"
	FieldTypeInitial   FieldType = "initial"
	FieldTypeText      FieldType = "text"
	FieldTypeDate      FieldType = "date"
	FieldTypeCheckbox  FieldType = "checkbox"
	FieldTypeEmail     FieldType = "email"
	FieldTypeNumber    FieldType = "number"
)

var knownFieldTypes = map[FieldType]bool{
	FieldTypeSignature: true,
	FieldTypeInitial:   true,
	FieldTypeText:      true,
	FieldTypeDate:      true,
	FieldTypeCheckbox:  true,
	FieldTypeEmail:     true,
	FieldTypeNumber:    true,
}

// Known reports whether the type is in the supported set.
func (t FieldType) Known() bool {
	return knownFieldTypes[t]
}

// IsSignature reports whether the field is satisfied by a captured image
// rather than a typed value.
func (t FieldType) IsSignature() bool {
	return t == FieldTypeSignature || t == FieldTypeInitial
}

// ValidationRules constrain a field's value. Zero values disable a rule.
type ValidationRules struct {
	MinLength int    `json:"minLength,omitempty"`
	MaxLength int    `json:"maxLength,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

// AssignedField is a placed input that one recipient has to fill.
type AssignedField struct {
	Entity
	RequestID         string          `json:"requestId"`
	RecipientID       string          `json:"recipientId"`
	FormFieldID       string          `json:"formFieldId,omitempty"`
	FieldType         FieldType       `json:"fieldType"`
	Label             string          `json:"fieldLabel,omitempty"`
	PositionX         float64         `json:"positionX"`
	PositionY         float64         `json:"positionY"`
	Width             float64         `json:"width"`
	Height            float64         `json:"height"`
	PageNumber        int             `json:"pageNumber"`
	IsRequired        bool            `json:"isRequired"`
	PlaceholderText   string          `json:"placeholderText,omitempty"`
	ValidationRules   ValidationRules `json:"validationRules"`
	FieldValue        string          `json:"fieldValue,omitempty"`
	SignatureImageURL string          `json:"signatureImageUrl,omitempty"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
}

// IsCompleted reports whether a value or signature image has been set.
func (f AssignedField) IsCompleted() bool {
	return f.CompletedAt != nil
}

// Overlaps reports whether the two fields share area on the same page.
func (f AssignedField) Overlaps(o AssignedField) bool {
	if f.PageNumber != o.PageNumber {
		return false
	}
	return f.PositionX < o.PositionX+o.Width &&
		o.PositionX < f.PositionX+f.Width &&
		f.PositionY < o.PositionY+o.Height &&
		o.PositionY < f.PositionY+f.Height
}

// Clone returns a deep copy.
func (f AssignedField) Clone() AssignedField {
	out := f
	out.CompletedAt = cloneTime(f.CompletedAt)
	return out
}
