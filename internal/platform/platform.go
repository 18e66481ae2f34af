// Package platform is the host-side glue: it registers accessories from the
// configuration, handles add/remove requests and forwards host writes to the
// synchronization engine.
package platform

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/trymwestin/deconzws/internal/config"
	"github.com/trymwestin/deconzws/internal/core/accessory"
)

// Engine is the part of the synchronization engine the platform drives.
type Engine interface {
	Set(name string, c accessory.Characteristic, value any) error
	Get(name string, c accessory.Characteristic) error
	SendAck(ack bool, message string) error
	SendAccessories(list []accessory.Accessory) error
}

// Directory is the accessory registry.
type Directory interface {
	Add(def accessory.Definition) (accessory.Accessory, error)
	Remove(name string) error
	List() []accessory.Accessory
	Get(name string) (accessory.Accessory, error)
	SetInformation(name string, info accessory.Information) (bool, error)
	ApplyAndNotify(name string, c accessory.Characteristic, value any, origin accessory.Origin) error
}

// Result is the acknowledgement of a platform operation.
type Result struct {
	Ack     bool   `json:"ack"`
	Message string `json:"message"`
}

// Platform wires the host side of the bridge.
type Platform struct {
	dir    Directory
	engine Engine
	bus    *accessory.EventBus
	log    *slog.Logger
}

// New creates a platform. bus receives gateway connect/disconnect events.
func New(dir Directory, engine Engine, bus *accessory.EventBus, log *slog.Logger) *Platform {
	return &Platform{dir: dir, engine: engine, bus: bus, log: log}
}

// Bootstrap registers one accessory per known device setting plus every
// standalone accessory definition, and returns how many were added.
func (p *Platform) Bootstrap(settings []config.DeviceSetting, defs []config.AccessoryDef) int {
	added := 0
	for _, s := range settings {
		switch s.Type {
		case config.TypeToggleSwitch:
			if r := p.AddAccessory(accessory.Definition{Name: s.Name, Service: string(accessory.ServiceSwitch)}); r.Ack {
				added++
			}
		default:
			p.log.Warn("unknown device type", "id", s.ID, "type", s.Type)
		}
	}
	for _, d := range defs {
		r := p.AddAccessory(accessory.Definition{
			Name:             d.Name,
			Service:          d.Service,
			Manufacturer:     d.Manufacturer,
			Model:            d.Model,
			SerialNumber:     d.SerialNumber,
			FirmwareRevision: d.FirmwareRevision,
		})
		if r.Ack {
			added++
		}
	}

	p.log.Info("accessories registered", "count", len(p.dir.List()))
	return added
}

// AddAccessory registers an accessory.
func (p *Platform) AddAccessory(def accessory.Definition) Result {
	var r Result
	_, err := p.dir.Add(def)
	switch {
	case err == nil:
		r = Result{Ack: true, Message: fmt.Sprintf("accessory '%s' is added.", def.Name)}
	case errors.Is(err, accessory.ErrDuplicateAccessory):
		r = Result{Message: fmt.Sprintf("name '%s' is already used.", def.Name)}
	case errors.Is(err, accessory.ErrUnknownService):
		r = Result{Message: fmt.Sprintf("service '%s' undefined.", def.Service)}
	default:
		r = Result{Message: err.Error()}
	}

	p.log.Info("add accessory", "ack", r.Ack, "message", r.Message)
	return r
}

// RemoveAccessory unregisters an accessory and acknowledges it to the gateway.
func (p *Platform) RemoveAccessory(name string) Result {
	r := Result{Ack: true, Message: fmt.Sprintf("accessory '%s' is removed.", name)}
	if err := p.dir.Remove(name); err != nil {
		r = Result{Message: fmt.Sprintf("accessory '%s' not found.", name)}
	}

	p.log.Info("remove accessory", "ack", r.Ack, "message", r.Message)
	if err := p.engine.SendAck(r.Ack, r.Message); err != nil {
		p.log.Warn("failed to acknowledge removal", "name", name, "error", err)
	}
	return r
}

// SetInformation updates accessory information fields.
func (p *Platform) SetInformation(name string, info accessory.Information) Result {
	set, err := p.dir.SetInformation(name, info)
	var r Result
	switch {
	case err != nil:
		r = Result{Message: fmt.Sprintf("accessory '%s' undefined.", name)}
	case set:
		r = Result{Ack: true, Message: fmt.Sprintf("accessory '%s', accessoryinformation is set.", name)}
	default:
		r = Result{Message: fmt.Sprintf("accessory '%s', accessoryinformation properties undefined.", name)}
	}

	p.log.Info("set accessory information", "ack", r.Ack, "message", r.Message)
	return r
}

// SetValue is a host-side write. It is sent to the gateway and, once
// accepted, applied locally so other observers see it.
func (p *Platform) SetValue(name, characteristic string, value any) error {
	c, err := accessory.ParseCharacteristic(characteristic)
	if err != nil {
		return err
	}
	if err := p.engine.Set(name, c, value); err != nil {
		return err
	}
	return p.dir.ApplyAndNotify(name, c, value, accessory.OriginHost)
}

// RequestValue asks the gateway to report a characteristic's value.
func (p *Platform) RequestValue(name, characteristic string) error {
	c, err := accessory.ParseCharacteristic(characteristic)
	if err != nil {
		return err
	}
	return p.engine.Get(name, c)
}

// HandleOpen announces the accessory list on every new gateway session.
func (p *Platform) HandleOpen() {
	p.bus.Publish(accessory.Event{Type: accessory.EventGatewayConnected})
	if err := p.engine.SendAccessories(p.dir.List()); err != nil {
		p.log.Warn("failed to send accessories", "error", err)
	}
}

// HandleClose reports the lost gateway session.
func (p *Platform) HandleClose(cause error) {
	data := ""
	if cause != nil {
		data = cause.Error()
	}
	p.bus.Publish(accessory.Event{Type: accessory.EventGatewayDisconnected, Data: data})
}
