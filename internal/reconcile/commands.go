package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/proctrigger/internal/events"
	"github.com/nugget/proctrigger/internal/mqtt"
	"github.com/nugget/proctrigger/internal/trigger"
)

// ListTriggers returns the triggers in display order.
func (e *Engine) ListTriggers(ctx context.Context) ([]trigger.Trigger, error) {
	return e.registry.List(ctx)
}

// AddTrigger appends an empty trigger.
func (e *Engine) AddTrigger(ctx context.Context) (trigger.Trigger, error) {
	t, err := e.registry.Add(ctx)
	if err != nil && !errors.Is(err, trigger.ErrNotPersisted) {
		return trigger.Trigger{}, err
	}
	e.logger.Info("trigger added", "trigger_id", t.ID)
	e.changed("add", t.ID)
	return t, err
}

// RemoveTrigger deletes the trigger with the given ID.
func (e *Engine) RemoveTrigger(ctx context.Context, id string) error {
	err := e.registry.Remove(ctx, id)
	if err != nil && !errors.Is(err, trigger.ErrNotPersisted) {
		return err
	}
	e.logger.Info("trigger removed", "trigger_id", id)
	e.changed("remove", id)
	return err
}

// RemoveTriggerAt deletes the trigger at a display position.
func (e *Engine) RemoveTriggerAt(ctx context.Context, index int) error {
	err := e.registry.RemoveAt(ctx, index)
	if err != nil && !errors.Is(err, trigger.ErrNotPersisted) {
		return err
	}
	e.logger.Info("trigger removed", "index", index)
	e.changed("remove", "")
	return err
}

// UpdateTrigger overwrites the editable fields of the trigger with the
// given ID.
func (e *Engine) UpdateTrigger(ctx context.Context, id string, f trigger.Fields) (trigger.Trigger, error) {
	t, err := e.registry.Update(ctx, id, f)
	if err != nil && !errors.Is(err, trigger.ErrNotPersisted) {
		return trigger.Trigger{}, err
	}
	e.logger.Info("trigger updated", "trigger_id", t.ID, "process", t.Name, "topic", t.Topic)
	e.changed("update", t.ID)
	return t, err
}

// UpdateTriggerAt overwrites the editable fields of the trigger at a
// display position.
func (e *Engine) UpdateTriggerAt(ctx context.Context, index int, f trigger.Fields) (trigger.Trigger, error) {
	t, err := e.registry.UpdateAt(ctx, index, f)
	if err != nil && !errors.Is(err, trigger.ErrNotPersisted) {
		return trigger.Trigger{}, err
	}
	e.logger.Info("trigger updated", "trigger_id", t.ID, "index", index, "process", t.Name, "topic", t.Topic)
	e.changed("update", t.ID)
	return t, err
}

func (e *Engine) changed(op, id string) {
	e.bus.Publish(events.Event{
		Source: events.SourceRegistry,
		Kind:   events.KindTriggersChanged,
		Data:   map[string]any{"op": op, "id": id},
	})
}

// ConnectionSettings returns the broker settings in effect.
func (e *Engine) ConnectionSettings() mqtt.Settings {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	return e.settings
}

// ErrInvalidSettings wraps a settings validation failure. Nothing is
// stored or reconnected.
var ErrInvalidSettings = errors.New("invalid connection settings")

// SetConnectionSettings validates, stores and persists s, then
// reconnects the broker client with it. A persistence failure is
// returned but the new settings are still applied.
func (e *Engine) SetConnectionSettings(ctx context.Context, s mqtt.Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	e.settingsMu.Lock()
	e.settings = s
	e.settingsMu.Unlock()

	var saveErr error
	if e.store != nil {
		if err := e.store.SaveConnectionSettings(s); err != nil {
			e.logger.Error("failed to persist connection settings", "broker", s.String(), "error", err)
			saveErr = fmt.Errorf("%w: %w", trigger.ErrNotPersisted, err)
		}
	}

	e.logger.Info("connection settings changed", "broker", s.String())
	if err := e.client.Configure(ctx, s); err != nil {
		e.logger.Error("mqtt configure failed", "broker", s.String(), "error", err)
		return err
	}
	return saveErr
}

// Reconnect discards the broker connection and connects again with the
// current settings.
func (e *Engine) Reconnect(ctx context.Context) error {
	s := e.ConnectionSettings()
	e.logger.Info("mqtt reconnect requested", "broker", s.String())
	if err := e.client.Configure(ctx, s); err != nil {
		e.logger.Error("mqtt configure failed", "broker", s.String(), "error", err)
		return err
	}
	return nil
}

// IsConnected reports the broker connectivity flag.
func (e *Engine) IsConnected() bool {
	return e.client.IsConnected()
}

// Processes returns the names in the latest snapshot, sorted
// case-insensitively. Before the first background sample it samples
// once on demand.
func (e *Engine) Processes(ctx context.Context) ([]string, error) {
	snap := e.sampler.Snapshot()
	if snap == nil {
		var err error
		if snap, err = e.sampler.Sample(ctx); err != nil {
			return nil, err
		}
	}
	return snap.Names(), nil
}

// RunningStates returns the ordered running flags and trigger IDs as
// of the last tick.
func (e *Engine) RunningStates(ctx context.Context) ([]bool, []string, error) {
	list, err := e.registry.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	states := make([]bool, len(list))
	ids := make([]string, len(list))
	for i, t := range list {
		states[i] = t.Running
		ids[i] = t.ID
	}
	return states, ids, nil
}

// Flush writes the trigger list to the store. Called once at shutdown.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.registry.Flush(ctx); err != nil {
		e.logger.Error("final trigger flush failed", "error", err)
		return err
	}
	e.logger.Info("trigger list flushed")
	return nil
}
