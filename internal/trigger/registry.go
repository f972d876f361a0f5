package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Saver persists the full trigger list. It is called with the
// post-change list after every mutation.
type Saver interface {
	SaveTriggers(triggers []Trigger) error
}

// DefaultLockTimeout bounds how long a caller waits for the registry.
const DefaultLockTimeout = 500 * time.Millisecond

// Registry is the ordered, concurrency-safe trigger list. Lock waits
// are bounded so callers get [ErrLockUnavailable] instead of hanging
// behind a stuck holder.
type Registry struct {
	sem         chan struct{}
	triggers    []Trigger
	saver       Saver
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewRegistry creates an empty registry. saver may be nil, in which
// case edits are kept in memory only.
func NewRegistry(saver Saver, lockTimeout time.Duration, logger *slog.Logger) *Registry {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sem:         make(chan struct{}, 1),
		saver:       saver,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

func (r *Registry) lock(ctx context.Context) error {
	select {
	case r.sem <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(r.lockTimeout)
	defer timer.Stop()
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockUnavailable
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrLockUnavailable, ctx.Err())
	}
}

func (r *Registry) unlock() {
	<-r.sem
}

// Load replaces the list with previously persisted triggers. Every
// trigger starts not running. Triggers without an ID get one, and the
// list is saved back so the IDs stay stable.
func (r *Registry) Load(ctx context.Context, triggers []Trigger) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()

	loaded := make([]Trigger, len(triggers))
	assigned := false
	for i, t := range triggers {
		t.Running = false
		if t.ID == "" {
			id, err := NewID()
			if err != nil {
				return err
			}
			t.ID = id
			assigned = true
		}
		loaded[i] = t
	}
	r.triggers = loaded

	if assigned {
		return r.persist("load")
	}
	return nil
}

// List returns a copy of the triggers in display order.
func (r *Registry) List(ctx context.Context) ([]Trigger, error) {
	if err := r.lock(ctx); err != nil {
		return nil, err
	}
	defer r.unlock()
	return r.snapshot(), nil
}

// Add appends a trigger with empty fields and returns it.
func (r *Registry) Add(ctx context.Context) (Trigger, error) {
	id, err := NewID()
	if err != nil {
		return Trigger{}, err
	}

	if err := r.lock(ctx); err != nil {
		return Trigger{}, err
	}
	defer r.unlock()

	t := Trigger{ID: id}
	r.triggers = append(r.triggers, t)
	return t, r.persist("add")
}

// Remove deletes the trigger with the given ID.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()

	i := r.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.removeAt(i)
	return r.persist("remove")
}

// RemoveAt deletes the trigger at a display position.
func (r *Registry) RemoveAt(ctx context.Context, index int) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()

	if index < 0 || index >= len(r.triggers) {
		return fmt.Errorf("%w: %d (len %d)", ErrOutOfRange, index, len(r.triggers))
	}
	r.removeAt(index)
	return r.persist("remove")
}

// Update overwrites the editable fields of the trigger with the given
// ID. The running flag is left as is.
func (r *Registry) Update(ctx context.Context, id string, f Fields) (Trigger, error) {
	if err := r.lock(ctx); err != nil {
		return Trigger{}, err
	}
	defer r.unlock()

	i := r.indexOf(id)
	if i < 0 {
		return Trigger{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.triggers[i].apply(f)
	return r.triggers[i], r.persist("update")
}

// UpdateAt overwrites the editable fields of the trigger at a display
// position. The running flag is left as is.
func (r *Registry) UpdateAt(ctx context.Context, index int, f Fields) (Trigger, error) {
	if err := r.lock(ctx); err != nil {
		return Trigger{}, err
	}
	defer r.unlock()

	if index < 0 || index >= len(r.triggers) {
		return Trigger{}, fmt.Errorf("%w: %d (len %d)", ErrOutOfRange, index, len(r.triggers))
	}
	r.triggers[index].apply(f)
	return r.triggers[index], r.persist("update")
}

// Each calls fn for every trigger in display order while holding the
// registry lock. fn may change Running; it must not change anything
// else, must not block, and must not call back into the registry.
func (r *Registry) Each(ctx context.Context, fn func(t *Trigger)) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()

	for i := range r.triggers {
		fn(&r.triggers[i])
	}
	return nil
}

// Flush writes the current list through the Saver.
func (r *Registry) Flush(ctx context.Context) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()
	return r.persist("flush")
}

func (r *Registry) indexOf(id string) int {
	for i := range r.triggers {
		if r.triggers[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Registry) removeAt(i int) {
	r.triggers = append(r.triggers[:i], r.triggers[i+1:]...)
}

func (r *Registry) snapshot() []Trigger {
	out := make([]Trigger, len(r.triggers))
	copy(out, r.triggers)
	return out
}

// persist must be called with the lock held.
func (r *Registry) persist(op string) error {
	if r.saver == nil {
		return nil
	}
	if err := r.saver.SaveTriggers(r.snapshot()); err != nil {
		r.logger.Error("failed to persist trigger list", "op", op, "count", len(r.triggers), "error", err)
		return fmt.Errorf("%w: %w", ErrNotPersisted, err)
	}
	return nil
}
