package model

import (
	"testing"
	"time"
)

func TestSignatureRequest_Progress(t *testing.T) {
	tests := []struct {
		name     string
		statuses []RecipientStatus
		want     Progress
	}{
		{name: "no recipients", statuses: nil, want: Progress{}},
		{
			name:     "one of two",
			statuses: []RecipientStatus{RecipientStatusCompleted, RecipientStatusPending},
			want:     Progress{Total: 2, Completed: 1, Percentage: 50},
		},
		{
			name:     "declined counts toward total only",
			statuses: []RecipientStatus{RecipientStatusCompleted, RecipientStatusDeclined, RecipientStatusCompleted, RecipientStatusViewed},
			want:     Progress{Total: 4, Completed: 2, Percentage: 50},
		},
		{
			name:     "all done",
			statuses: []RecipientStatus{RecipientStatusCompleted, RecipientStatusCompleted, RecipientStatusCompleted},
			want:     Progress{Total: 3, Completed: 3, Percentage: 100},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req SignatureRequest
			for _, s := range tt.statuses {
				req.Recipients = append(req.Recipients, SignatureRecipient{Status: s})
			}
			if got := req.Progress(); got != tt.want {
				t.Errorf("Progress() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSignatureRequest_IsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := SignatureRequest{}
	if req.IsExpired(now) {
		t.Error("IsExpired() without due date = true, want false")
	}
	req.DueDate = TimePtr(now.Add(-time.Minute))
	if !req.IsExpired(now) {
		t.Error("IsExpired() past due date = false, want true")
	}
	req.DueDate = TimePtr(now)
	if req.IsExpired(now) {
		t.Error("IsExpired() at due date = true, want false")
	}
}

func TestSignatureRequest_NeedsReminder(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sent := now.Add(-4 * 24 * time.Hour)

	req := SignatureRequest{Status: RequestStatusDraft, ReminderFrequency: 3}
	if req.NeedsReminder(now) {
		t.Error("draft request needs reminder, want false")
	}

	req.Status = RequestStatusSent
	req.SentAt = &sent
	if !req.NeedsReminder(now) {
		t.Error("4 days after send with 3-day cadence: NeedsReminder = false, want true")
	}

	last := now.Add(-24 * time.Hour)
	req.LastReminderSent = &last
	if req.NeedsReminder(now) {
		t.Error("1 day after last reminder: NeedsReminder = true, want false")
	}

	req.Status = RequestStatusCompleted
	req.LastReminderSent = nil
	if req.NeedsReminder(now) {
		t.Error("completed request needs reminder, want false")
	}
}

func TestSignatureRequest_Clone_is_deep(t *testing.T) {
	now := time.Now().UTC()
	orig := SignatureRequest{
		DueDate: TimePtr(now),
		Recipients: []SignatureRecipient{{
			Entity: Entity{ID: "r1"},
			Fields: []AssignedField{{Entity: Entity{ID: "f1"}}},
		}},
		Signatures: []DigitalSignature{{ID: "s1", IsValid: true, Geolocation: &Geolocation{Latitude: 1}}},
	}

	cp := orig.Clone()
	cp.Recipients[0].Fields[0].FieldValue = "changed"
	cp.Recipients[0].Status = RecipientStatusCompleted
	cp.Signatures[0].Geolocation.Latitude = 2
	*cp.DueDate = now.Add(time.Hour)

	if orig.Recipients[0].Fields[0].FieldValue != "" {
		t.Error("field mutation leaked into original")
	}
	if orig.Recipients[0].Status != "" {
		t.Error("recipient mutation leaked into original")
	}
	if orig.Signatures[0].Geolocation.Latitude != 1 {
		t.Error("geolocation mutation leaked into original")
	}
	if !orig.DueDate.Equal(now) {
		t.Error("due date mutation leaked into original")
	}
}

func TestAssignedField_Overlaps(t *testing.T) {
	a := AssignedField{PageNumber: 1, PositionX: 10, PositionY: 10, Width: 100, Height: 20}
	tests := []struct {
		name string
		b    AssignedField
		want bool
	}{
		{"same spot", AssignedField{PageNumber: 1, PositionX: 10, PositionY: 10, Width: 100, Height: 20}, true},
		{"partial", AssignedField{PageNumber: 1, PositionX: 50, PositionY: 25, Width: 100, Height: 20}, true},
		{"touching edge", AssignedField{PageNumber: 1, PositionX: 110, PositionY: 10, Width: 10, Height: 10}, false},
		{"other page", AssignedField{PageNumber: 2, PositionX: 10, PositionY: 10, Width: 100, Height: 20}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Overlaps(tt.b); got != tt.want {
				t.Errorf("Overlaps() = %v, want %v", got, tt.want)
			}
		})
	}
}
