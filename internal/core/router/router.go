// Package router turns inbound gateway events into accessory updates.
package router

import (
	"fmt"
	"log/slog"

	"github.com/trymwestin/deconzws/internal/config"
	"github.com/trymwestin/deconzws/internal/core/accessory"
	"github.com/trymwestin/deconzws/internal/core/envelope"
)

// Directory is the part of the accessory directory the router needs.
type Directory interface {
	Value(name string, c accessory.Characteristic) (any, error)
	Validate(name string, c accessory.Characteristic, value any) (any, error)
	ApplyAndNotify(name string, c accessory.Characteristic, value any, origin accessory.Origin) error
}

// Status is the result class of routing one event.
type Status int

const (
	Applied Status = iota + 1
	Ignored
	Failed
)

func (s Status) String() string {
	switch s {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Reason explains an Ignored outcome.
type Reason string

const (
	ReasonUnknownDevice Reason = "unknown_device"
	ReasonUnknownEvent  Reason = "unknown_event"
)

// Outcome describes what happened to one inbound event.
type Outcome struct {
	Status  Status
	Reason  Reason
	Setting config.DeviceSetting
	// Characteristic and Value are set for Applied outcomes.
	Characteristic accessory.Characteristic
	Value          any
	Err            error
}

type handlerKey struct {
	event string
	typ   config.SettingType
}

type handler func(r *Router, s config.DeviceSetting, env envelope.Inbound) Outcome

var handlers = map[handlerKey]handler{
	{event: "changed", typ: config.TypeToggleSwitch}: toggle,
}

// Router dispatches events by device id.
type Router struct {
	settings map[string]config.DeviceSetting
	dir      Directory
	log      *slog.Logger
}

// New creates a router over the configured device settings.
func New(settings []config.DeviceSetting, dir Directory, log *slog.Logger) *Router {
	byID := make(map[string]config.DeviceSetting, len(settings))
	for _, s := range settings {
		byID[s.ID] = s
	}
	return &Router{settings: byID, dir: dir, log: log}
}

// Route applies one inbound event. It never panics on unknown input.
func (r *Router) Route(env envelope.Inbound) Outcome {
	s, ok := r.settings[env.ID]
	if !ok {
		r.log.Debug("ignoring event for unknown device", "id", env.ID, "event", env.Event)
		return Outcome{Status: Ignored, Reason: ReasonUnknownDevice}
	}

	h, ok := handlers[handlerKey{event: env.Event, typ: s.Type}]
	if !ok {
		r.log.Warn("unhandled event", "id", env.ID, "event", env.Event, "name", s.Name, "type", s.Type)
		return Outcome{Status: Ignored, Reason: ReasonUnknownEvent, Setting: s}
	}

	out := h(r, s, env)
	if out.Status == Failed {
		r.log.Error("failed to apply event", "id", env.ID, "event", env.Event, "name", s.Name, "error", out.Err)
	}
	return out
}

// toggle flips On for toggleSwitch devices; the event carries no value.
func toggle(r *Router, s config.DeviceSetting, _ envelope.Inbound) Outcome {
	fail := func(err error) Outcome {
		return Outcome{Status: Failed, Setting: s, Characteristic: accessory.On, Err: err}
	}

	cur, err := r.dir.Value(s.Name, accessory.On)
	if err != nil {
		return fail(err)
	}
	on, _ := cur.(bool)

	next, err := r.dir.Validate(s.Name, accessory.On, !on)
	if err != nil {
		return fail(err)
	}
	if err := r.dir.ApplyAndNotify(s.Name, accessory.On, next, accessory.OriginGateway); err != nil {
		return fail(err)
	}

	r.log.Info("toggled", "name", s.Name, "on", next)
	return Outcome{Status: Applied, Setting: s, Characteristic: accessory.On, Value: next}
}
