// Package trigger holds the user's process triggers: which process name
// to watch, where to publish, and what to publish on each edge. The
// [Registry] keeps them in display order, gives each one a stable ID,
// and writes the full list through to a [Saver] after every edit.
package trigger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors returned by [Registry] methods.
var (
	// ErrOutOfRange is returned when a positional index is past the end
	// of the list. The registry is left unchanged.
	ErrOutOfRange = errors.New("trigger index out of range")

	// ErrNotFound is returned when no trigger has the given ID. The
	// registry is left unchanged.
	ErrNotFound = errors.New("trigger not found")

	// ErrLockUnavailable is returned when the registry lock could not be
	// acquired within the lock timeout. Nothing was read or changed.
	ErrLockUnavailable = errors.New("trigger registry busy")

	// ErrNotPersisted wraps a Saver failure. The in-memory change that
	// preceded it stands.
	ErrNotPersisted = errors.New("trigger list not persisted")
)

// Trigger maps a process name to the payloads published when that
// process starts and stops.
type Trigger struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Topic    string `json:"topic"`
	OnValue  string `json:"on_value"`
	OffValue string `json:"off_value"`

	// Running is the state observed at the last reconciliation tick.
	// Only the reconciler changes it.
	Running bool `json:"is_running"`
}

// Fields are the user-editable parts of a Trigger.
type Fields struct {
	Name     string `json:"name"`
	Topic    string `json:"topic"`
	OnValue  string `json:"on_value"`
	OffValue string `json:"off_value"`
}

func (t *Trigger) apply(f Fields) {
	t.Name = f.Name
	t.Topic = f.Topic
	t.OnValue = f.OnValue
	t.OffValue = f.OffValue
}

// NewID returns a fresh time-ordered trigger identifier.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate trigger id: %w", err)
	}
	return id.String(), nil
}
