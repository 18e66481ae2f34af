package accessory

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// uuidNamespace seeds name-derived accessory UUIDs so a name always maps to the same UUID.
var uuidNamespace = uuid.MustParse("6f2c1e0a-51d3-4c55-9a3e-2b8f0d7c4e19")

// Definition describes an accessory to register.
type Definition struct {
	Name             string `json:"name"`
	Service          string `json:"service"`
	Manufacturer     string `json:"manufacturer,omitempty"`
	Model            string `json:"model,omitempty"`
	SerialNumber     string `json:"serial_number,omitempty"`
	FirmwareRevision string `json:"firmware_revision,omitempty"`
}

// Accessory is a snapshot of one registered accessory.
type Accessory struct {
	Name             string         `json:"name"`
	UUID             string         `json:"uuid"`
	Service          Service        `json:"service"`
	Manufacturer     string         `json:"manufacturer,omitempty"`
	Model            string         `json:"model,omitempty"`
	SerialNumber     string         `json:"serial_number,omitempty"`
	FirmwareRevision string         `json:"firmware_revision,omitempty"`
	Values           map[string]any `json:"values"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Persister stores characteristic values across restarts.
type Persister interface {
	Save(accessory, characteristic string, value any, origin string) error
	Load(accessory string) (map[string]any, error)
	Delete(accessory string) error
}

type entry struct {
	def       Definition
	id        string
	service   Service
	values    map[Characteristic]any
	updatedAt time.Time
}

func (e *entry) snapshot() Accessory {
	values := make(map[string]any, len(e.values))
	for c, v := range e.values {
		values[c.String()] = v
	}
	return Accessory{
		Name:             e.def.Name,
		UUID:             e.id,
		Service:          e.service,
		Manufacturer:     e.def.Manufacturer,
		Model:            e.def.Model,
		SerialNumber:     e.def.SerialNumber,
		FirmwareRevision: e.def.FirmwareRevision,
		Values:           values,
		UpdatedAt:        e.updatedAt,
	}
}

// Directory holds the registered accessories and their current values.
type Directory struct {
	// applyMu orders apply, persist and publish across writers.
	applyMu   sync.Mutex
	mu        sync.RWMutex
	entries   map[string]*entry
	bus       *EventBus
	persister Persister
	log       *slog.Logger
}

// NewDirectory creates an empty directory publishing on bus.
// persister may be nil.
func NewDirectory(bus *EventBus, persister Persister, log *slog.Logger) *Directory {
	return &Directory{
		entries:   make(map[string]*entry),
		bus:       bus,
		persister: persister,
		log:       log,
	}
}

// UUIDFor returns the UUID an accessory named name is registered under.
func UUIDFor(name string) string {
	return uuid.NewSHA1(uuidNamespace, []byte(name)).String()
}

// Add registers an accessory, restoring persisted values when available.
func (d *Directory) Add(def Definition) (Accessory, error) {
	svc, err := ParseService(def.Service)
	if err != nil {
		return Accessory{}, err
	}

	e := &entry{
		def:       def,
		id:        UUIDFor(def.Name),
		service:   svc,
		values:    make(map[Characteristic]any, len(services[svc])),
		updatedAt: time.Now(),
	}
	for _, c := range services[svc] {
		e.values[c] = rules[c].defaultValue()
	}
	d.restore(e)

	d.mu.Lock()
	if _, ok := d.entries[def.Name]; ok {
		d.mu.Unlock()
		return Accessory{}, fmt.Errorf("%w: %q", ErrDuplicateAccessory, def.Name)
	}
	d.entries[def.Name] = e
	snap := e.snapshot()
	d.mu.Unlock()

	d.bus.Publish(Event{Type: EventAccessoryAdded, Data: snap})
	return snap, nil
}

func (d *Directory) restore(e *entry) {
	if d.persister == nil {
		return
	}
	saved, err := d.persister.Load(e.def.Name)
	if err != nil {
		d.log.Warn("failed to load persisted values", "accessory", e.def.Name, "error", err)
		return
	}
	for name, raw := range saved {
		c, err := ParseCharacteristic(name)
		if err != nil || !e.service.Has(c) {
			continue
		}
		v, err := rules[c].Normalize(raw)
		if err != nil {
			d.log.Warn("discarding persisted value", "accessory", e.def.Name, "characteristic", name, "error", err)
			continue
		}
		e.values[c] = v
	}
}

// Information holds accessory information fields; empty fields are left unchanged.
type Information struct {
	Manufacturer     string `json:"manufacturer,omitempty"`
	Model            string `json:"model,omitempty"`
	SerialNumber     string `json:"serial_number,omitempty"`
	FirmwareRevision string `json:"firmware_revision,omitempty"`
}

// SetInformation updates the information fields of an accessory and reports
// whether any field was given.
func (d *Directory) SetInformation(name string, info Information) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownAccessory, name)
	}

	set := false
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&e.def.Manufacturer, info.Manufacturer},
		{&e.def.Model, info.Model},
		{&e.def.SerialNumber, info.SerialNumber},
		{&e.def.FirmwareRevision, info.FirmwareRevision},
	} {
		if f.src != "" {
			*f.dst = f.src
			set = true
		}
	}
	return set, nil
}

// Remove unregisters an accessory and forgets its persisted values.
func (d *Directory) Remove(name string) error {
	d.mu.Lock()
	e, ok := d.entries[name]
	if ok {
		delete(d.entries, name)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAccessory, name)
	}

	if d.persister != nil {
		if err := d.persister.Delete(name); err != nil {
			d.log.Warn("failed to delete persisted values", "accessory", name, "error", err)
		}
	}

	d.bus.Publish(Event{Type: EventAccessoryRemoved, Data: e.snapshot()})
	return nil
}

// List returns all accessories sorted by name.
func (d *Directory) List() []Accessory {
	d.mu.RLock()
	out := make([]Accessory, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.snapshot())
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one accessory.
func (d *Directory) Get(name string) (Accessory, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[name]
	if !ok {
		return Accessory{}, fmt.Errorf("%w: %q", ErrUnknownAccessory, name)
	}
	return e.snapshot(), nil
}

// Value returns the current value of one characteristic.
func (d *Directory) Value(name string, c Characteristic) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, err := d.lookup(name, c)
	if err != nil {
		return nil, err
	}
	return e.values[c], nil
}

// Validate checks a prospective write and returns the normalized value.
func (d *Directory) Validate(name string, c Characteristic, value any) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, err := d.lookup(name, c); err != nil {
		return nil, err
	}
	return rules[c].Normalize(value)
}

// ApplyAndNotify validates and stores a value, then notifies subscribers.
// Concurrent writers persist and publish in the order they were applied.
// A persistence failure is logged; the value is still applied.
func (d *Directory) ApplyAndNotify(name string, c Characteristic, value any, origin Origin) error {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	d.mu.Lock()
	e, err := d.lookup(name, c)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	v, err := rules[c].Normalize(value)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	e.values[c] = v
	e.updatedAt = time.Now()
	d.mu.Unlock()

	if d.persister != nil {
		if err := d.persister.Save(name, c.String(), v, string(origin)); err != nil {
			d.log.Warn("failed to persist value", "accessory", name, "characteristic", c, "error", err)
		}
	}

	d.log.Debug("characteristic updated", "accessory", name, "characteristic", c, "value", v, "origin", origin)
	d.bus.Publish(Event{
		Type: EventValueChanged,
		Data: ValueChange{Accessory: name, Characteristic: c, Value: v, Origin: origin},
	})
	return nil
}

// lookup must be called with d.mu held.
func (d *Directory) lookup(name string, c Characteristic) (*entry, error) {
	e, ok := d.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccessory, name)
	}
	if !e.service.Has(c) {
		return nil, fmt.Errorf("%w: %s has no %s", ErrUnknownCharacteristic, name, c)
	}
	return e, nil
}
