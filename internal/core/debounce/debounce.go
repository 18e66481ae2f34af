// Package debounce coalesces rapid writes to continuous characteristics.
//
// Each (accessory, characteristic) key holds at most one pending write. A new
// request for the same key cancels the pending one and re-arms the timer with
// the newest value, so a burst of writes costs one send carrying the last value.
package debounce

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trymwestin/deconzws/internal/core/accessory"
)

// Window is how long a continuous write waits for a newer value.
const Window = 300 * time.Millisecond

// SendFunc delivers a value to the gateway.
type SendFunc func(value any) error

// PendingWrite is a write waiting for its window to elapse.
type PendingWrite struct {
	AccessoryName  string                   `json:"accessory"`
	Characteristic accessory.Characteristic `json:"characteristic"`
	Value          any                      `json:"value"`
	Deadline       time.Time                `json:"deadline"`
}

type key struct {
	name string
	c    accessory.Characteristic
}

type pending struct {
	write PendingWrite
	send  SendFunc
	timer *time.Timer
}

// Debouncer holds one timer per key.
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[key]*pending
	log     *slog.Logger
}

// New creates a Debouncer using the fixed Window.
func New(log *slog.Logger) *Debouncer {
	return &Debouncer{
		window:  Window,
		pending: make(map[key]*pending),
		log:     log,
	}
}

// Request schedules value for delivery. Discrete characteristics are sent at
// once and the send error is returned; continuous ones are deferred and
// always return nil.
func (d *Debouncer) Request(name string, c accessory.Characteristic, value any, send SendFunc) error {
	if !c.Continuous() {
		return send(value)
	}

	k := key{name: name, c: c}
	p := &pending{
		write: PendingWrite{
			AccessoryName:  name,
			Characteristic: c,
			Value:          value,
			Deadline:       time.Now().Add(d.window),
		},
		send: send,
	}

	d.mu.Lock()
	if old, ok := d.pending[k]; ok {
		old.timer.Stop()
		d.log.Debug("superseding pending write", "accessory", name, "characteristic", c, "old", old.write.Value, "new", value)
	}
	d.pending[k] = p
	p.timer = time.AfterFunc(d.window, func() { d.expire(k, p) })
	d.mu.Unlock()

	return nil
}

// expire runs on the timer goroutine.
func (d *Debouncer) expire(k key, p *pending) {
	d.mu.Lock()
	if d.pending[k] != p {
		// superseded or dropped after the timer had already fired
		d.mu.Unlock()
		return
	}
	delete(d.pending, k)
	d.mu.Unlock()

	d.deliver(p)
}

func (d *Debouncer) deliver(p *pending) {
	if err := p.send(p.write.Value); err != nil {
		d.log.Error("debounced write lost",
			"accessory", p.write.AccessoryName,
			"characteristic", p.write.Characteristic,
			"value", p.write.Value,
			"error", err)
	}
}

// Drop cancels every pending write and returns how many were discarded.
func (d *Debouncer) Drop() int {
	all := d.takeAll()
	for _, p := range all {
		d.log.Warn("dropping pending write",
			"accessory", p.write.AccessoryName,
			"characteristic", p.write.Characteristic,
			"value", p.write.Value)
	}
	return len(all)
}

// Fire delivers every pending write now and returns how many were sent.
func (d *Debouncer) Fire() int {
	all := d.takeAll()
	for _, p := range all {
		d.deliver(p)
	}
	return len(all)
}

// Pending returns a snapshot of the writes waiting for their window.
func (d *Debouncer) Pending() []PendingWrite {
	d.mu.Lock()
	out := make([]PendingWrite, 0, len(d.pending))
	for _, p := range d.pending {
		out = append(out, p.write)
	}
	d.mu.Unlock()

	sortWrites(out)
	return out
}

// takeAll empties the table, stopping every timer, in deadline order.
func (d *Debouncer) takeAll() []*pending {
	d.mu.Lock()
	all := make([]*pending, 0, len(d.pending))
	for k, p := range d.pending {
		p.timer.Stop()
		all = append(all, p)
		delete(d.pending, k)
	}
	d.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].write.Deadline.Before(all[j].write.Deadline) })
	return all
}

func sortWrites(ws []PendingWrite) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].Deadline.Before(ws[j].Deadline) })
}
