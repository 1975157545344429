package model

import "time"

// Entity carries the identity and timestamps shared by every persisted
// signing entity.
type Entity struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewEntity returns an Entity created at now.
func NewEntity(id string, now time.Time) Entity {
	return Entity{ID: id, CreatedAt: now, UpdatedAt: now}
}

// Touch stamps UpdatedAt.
func (e *Entity) Touch(now time.Time) {
	e.UpdatedAt = now
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
