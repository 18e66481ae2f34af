// Package mqtt mirrors accessory state to an MQTT broker for Home Assistant.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and an HAPublisher that publishes auto-discovery configs, retained
// per-characteristic state, and relays command topics to the platform.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/deconzws/internal/config"
	"github.com/trymwestin/deconzws/internal/core/accessory"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Setter applies host-side writes.
type Setter interface {
	SetValue(name, characteristic string, value any) error
}

// StateReader lists the current accessories.
type StateReader interface {
	List() []accessory.Accessory
}

// ---------------------------------------------------------------------------
// HAPublisher
// ---------------------------------------------------------------------------

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher mirrors accessories to MQTT with Home Assistant discovery.
type HAPublisher struct {
	cfg    config.MQTTConfig
	setter Setter
	reader StateReader
	bus    *accessory.EventBus
	log    *slog.Logger

	client pahomqtt.Client
	// send publishes one message; replaced in tests.
	send func(topic, payload string, retained bool)

	// connectWait bounds how long Start waits for the first broker connection.
	connectWait time.Duration

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

const defaultConnectWait = 10 * time.Second

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg config.MQTTConfig, setter Setter, reader StateReader, bus *accessory.EventBus, log *slog.Logger) *HAPublisher {
	p := &HAPublisher{
		cfg:    cfg,
		setter: setter,
		reader: reader,
		bus:    bus,
		log:    log,
		stopC:  make(chan struct{}),

		connectWait: defaultConnectWait,
	}
	p.send = p.publish
	return p
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the broker and starts forwarding events from the bus.
// Discovery, command subscriptions and a full state dump happen on every
// (re)connect. An unreachable broker does not block Start past ctx or
// connectWait; paho keeps retrying in the background.
func (p *HAPublisher) Start(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(p.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	timer := time.NewTimer(p.connectWait)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		p.log.Warn("MQTT broker not reachable yet, retrying in background", "broker", p.cfg.Broker)
	case <-timer.C:
		p.log.Warn("MQTT broker not reachable yet, retrying in background", "broker", p.cfg.Broker)
	}

	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop publishes offline availability and disconnects.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil {
		if p.client.IsConnected() {
			p.send(p.availabilityTopic(), "offline", true)
		}
		// also aborts a connect still retrying
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// onConnect runs on every (re)connect.
func (p *HAPublisher) onConnect() {
	p.send(p.availabilityTopic(), "online", true)
	p.publishDiscovery()
	p.subscribeCommands()

	// re-publish when Home Assistant restarts
	p.client.Subscribe(p.cfg.DiscoveryPrefix+"/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishDiscovery()
			p.publishFullState()
		}
	})

	p.publishFullState()
}

func (p *HAPublisher) subscribeCommands() {
	t := fmt.Sprintf("%s/+/+/set", p.cfg.TopicPrefix)
	token := p.client.Subscribe(t, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		p.handleCommand(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

type discoveryConfig struct {
	component string
	objectID  string
	payload   map[string]any
}

func (p *HAPublisher) publishDiscovery() {
	for _, acc := range p.reader.List() {
		p.publishAccessoryDiscovery(acc)
	}
}

func (p *HAPublisher) publishAccessoryDiscovery(acc accessory.Accessory) {
	for _, dc := range p.discoveryConfigs(acc) {
		data, err := json.Marshal(dc.payload)
		if err != nil {
			p.log.Error("failed to marshal discovery config", "component", dc.component, "object_id", dc.objectID, "error", err)
			continue
		}
		p.send(p.discoveryTopic(dc.component, dc.objectID), string(data), true)
	}
}

// removeAccessoryDiscovery clears retained discovery configs so Home Assistant drops the entities.
func (p *HAPublisher) removeAccessoryDiscovery(acc accessory.Accessory) {
	for _, dc := range p.discoveryConfigs(acc) {
		p.send(p.discoveryTopic(dc.component, dc.objectID), "", true)
	}
}

// discoveryConfigs maps an accessory's characteristics onto HA entities: a
// light for Lightbulb, a switch for On and a number for everything else.
func (p *HAPublisher) discoveryConfigs(acc accessory.Accessory) []discoveryConfig {
	dev := map[string]any{
		"identifiers":  []string{acc.UUID},
		"name":         acc.Name,
		"manufacturer": fallback(acc.Manufacturer, "deconzws"),
		"model":        fallback(acc.Model, string(acc.Service)),
	}
	if acc.FirmwareRevision != "" {
		dev["sw_version"] = acc.FirmwareRevision
	}
	avail := map[string]any{"topic": p.availabilityTopic()}
	base := objectID(acc.Name)

	if acc.Service == accessory.ServiceLightbulb {
		return []discoveryConfig{{
			component: "light",
			objectID:  base,
			payload: map[string]any{
				"name":                     nil,
				"unique_id":                acc.UUID + "_light",
				"state_topic":              p.stateTopic(acc.Name, accessory.On),
				"command_topic":            p.commandTopic(acc.Name, accessory.On),
				"brightness_state_topic":   p.stateTopic(acc.Name, accessory.Brightness),
				"brightness_command_topic": p.commandTopic(acc.Name, accessory.Brightness),
				"brightness_scale":         100,
				"payload_on":               "ON",
				"payload_off":              "OFF",
				"device":                   dev,
				"availability":             avail,
			},
		}}
	}

	var out []discoveryConfig
	for _, c := range acc.Service.Characteristics() {
		rule, _ := c.Rule()
		id := base + "_" + objectID(c.String())
		payload := map[string]any{
			"name":          c.String(),
			"unique_id":     acc.UUID + "_" + objectID(c.String()),
			"state_topic":   p.stateTopic(acc.Name, c),
			"command_topic": p.commandTopic(acc.Name, c),
			"device":        dev,
			"availability":  avail,
		}
		if rule.Kind == accessory.KindBool {
			payload["payload_on"] = "ON"
			payload["payload_off"] = "OFF"
			out = append(out, discoveryConfig{component: "switch", objectID: id, payload: payload})
			continue
		}
		payload["min"] = rule.Min
		payload["max"] = rule.Max
		payload["step"] = rule.Step
		payload["mode"] = "slider"
		out = append(out, discoveryConfig{component: "number", objectID: id, payload: payload})
	}
	return out
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (p *HAPublisher) handleCommand(topic string, payload []byte) {
	name, charName, ok := p.parseCommandTopic(topic)
	if !ok {
		p.log.Warn("ignoring command on unexpected topic", "topic", topic)
		return
	}
	c, err := accessory.ParseCharacteristic(charName)
	if err != nil {
		p.log.Warn("ignoring command for unknown characteristic", "topic", topic)
		return
	}
	value, err := parsePayload(c, string(payload))
	if err != nil {
		p.log.Error("invalid command payload", "topic", topic, "payload", string(payload), "error", err)
		return
	}

	p.log.Info("MQTT command", "accessory", name, "characteristic", c, "value", value)
	if err := p.setter.SetValue(name, c.String(), value); err != nil {
		p.log.Error("failed to apply MQTT command", "accessory", name, "characteristic", c, "error", err)
		// restore the retained state so HA shows the real value
		p.publishAccessoryState(name)
	}
}

// parseCommandTopic splits {prefix}/{accessory}/{characteristic}/set and
// resolves the topic-safe accessory segment back to its name.
func (p *HAPublisher) parseCommandTopic(topic string) (name, characteristic string, ok bool) {
	rest, found := strings.CutPrefix(topic, p.cfg.TopicPrefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return "", "", false
	}
	for _, acc := range p.reader.List() {
		if topicSegment(acc.Name) == parts[0] {
			return acc.Name, parts[1], true
		}
	}
	return "", "", false
}

func parsePayload(c accessory.Characteristic, payload string) (any, error) {
	raw := strings.TrimSpace(payload)
	rule, ok := c.Rule()
	if !ok {
		return nil, fmt.Errorf("unknown characteristic %s", c)
	}
	if rule.Kind == accessory.KindBool {
		switch strings.ToUpper(raw) {
		case "ON", "TRUE", "1":
			return true, nil
		case "OFF", "FALSE", "0":
			return false, nil
		}
		return nil, fmt.Errorf("want ON or OFF, got %q", raw)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("want a number: %w", err)
	}
	return f, nil
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

func (p *HAPublisher) publishFullState() {
	for _, acc := range p.reader.List() {
		p.publishValues(acc)
	}
}

func (p *HAPublisher) publishAccessoryState(name string) {
	for _, acc := range p.reader.List() {
		if acc.Name == name {
			p.publishValues(acc)
			return
		}
	}
}

func (p *HAPublisher) publishValues(acc accessory.Accessory) {
	for _, c := range acc.Service.Characteristics() {
		if v, ok := acc.Values[c.String()]; ok {
			p.send(p.stateTopic(acc.Name, c), formatValue(v), true)
		}
	}
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan accessory.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt accessory.Event) {
	switch evt.Type {
	case accessory.EventValueChanged:
		vc, ok := evt.Data.(accessory.ValueChange)
		if !ok {
			p.log.Warn("unexpected data type for value_changed")
			return
		}
		p.send(p.stateTopic(vc.Accessory, vc.Characteristic), formatValue(vc.Value), true)

	case accessory.EventAccessoryAdded:
		acc, ok := evt.Data.(accessory.Accessory)
		if !ok {
			p.log.Warn("unexpected data type for accessory_added")
			return
		}
		p.publishAccessoryDiscovery(acc)
		p.publishValues(acc)

	case accessory.EventAccessoryRemoved:
		acc, ok := evt.Data.(accessory.Accessory)
		if !ok {
			p.log.Warn("unexpected data type for accessory_removed")
			return
		}
		p.removeAccessoryDiscovery(acc)

	case accessory.EventGatewayConnected:
		p.send(p.connectionTopic(), "ON", true)

	case accessory.EventGatewayDisconnected:
		p.send(p.connectionTopic(), "OFF", true)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (p *HAPublisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func (p *HAPublisher) connectionTopic() string {
	return p.cfg.TopicPrefix + "/gateway/connection"
}

func (p *HAPublisher) stateTopic(name string, c accessory.Characteristic) string {
	return fmt.Sprintf("%s/%s/%s/state", p.cfg.TopicPrefix, topicSegment(name), c)
}

func (p *HAPublisher) commandTopic(name string, c accessory.Characteristic) string {
	return fmt.Sprintf("%s/%s/%s/set", p.cfg.TopicPrefix, topicSegment(name), c)
}

func (p *HAPublisher) discoveryTopic(component, objectID string) string {
	return fmt.Sprintf("%s/%s/%s_%s/config", p.cfg.DiscoveryPrefix, component, p.cfg.ClientID, objectID)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

// topicSegment replaces MQTT topic separators and wildcards in a name.
func topicSegment(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, name)
}

// objectID lowercases a name and keeps only [a-z0-9_].
func objectID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "ON"
		}
		return "OFF"
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func fallback(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
