// Package deconzws provides a public facade re-exporting core types
// for external consumers of this module.
package deconzws

import (
	"github.com/trymwestin/deconzws/internal/core/accessory"
	"github.com/trymwestin/deconzws/internal/core/connection"
	"github.com/trymwestin/deconzws/internal/core/engine"
	"github.com/trymwestin/deconzws/internal/core/envelope"
	"github.com/trymwestin/deconzws/internal/core/transport"
)

// Re-export core types for external use.
type (
	// Characteristic is one controllable accessory property.
	Characteristic = accessory.Characteristic
	// Service is an accessory's service type.
	Service = accessory.Service
	// Accessory is a snapshot of one registered accessory.
	Accessory = accessory.Accessory
	// Definition describes an accessory to register.
	Definition = accessory.Definition
	// Event is published on every directory or connection change.
	Event = accessory.Event
	// EventType identifies event categories.
	EventType = accessory.EventType
	// ValueChange carries a characteristic update.
	ValueChange = accessory.ValueChange
	// State is the gateway connection state.
	State = connection.State
	// Engine synchronizes accessories with the gateway.
	Engine = engine.Engine
	// Inbound is a decoded gateway event envelope.
	Inbound = envelope.Inbound
	// Dialer creates websocket connections to the gateway.
	Dialer = transport.Dialer
	// Conn represents a websocket connection.
	Conn = transport.Conn
)

// Characteristic constants.
const (
	On                        = accessory.On
	Brightness                = accessory.Brightness
	TargetPosition            = accessory.TargetPosition
	TargetHorizontalTiltAngle = accessory.TargetHorizontalTiltAngle
	TargetVerticalTiltAngle   = accessory.TargetVerticalTiltAngle
	TargetRelativeHumidity    = accessory.TargetRelativeHumidity
	TargetTemperature         = accessory.TargetTemperature
)

// Service constants.
const (
	ServiceSwitch         = accessory.ServiceSwitch
	ServiceOutlet         = accessory.ServiceOutlet
	ServiceLightbulb      = accessory.ServiceLightbulb
	ServiceWindowCovering = accessory.ServiceWindowCovering
	ServiceThermostat     = accessory.ServiceThermostat
)

// Event type constants.
const (
	EventValueChanged        = accessory.EventValueChanged
	EventAccessoryAdded      = accessory.EventAccessoryAdded
	EventAccessoryRemoved    = accessory.EventAccessoryRemoved
	EventGatewayConnected    = accessory.EventGatewayConnected
	EventGatewayDisconnected = accessory.EventGatewayDisconnected
)

// Connection state constants.
const (
	Disconnected = connection.Disconnected
	Connecting   = connection.Connecting
	Open         = connection.Open
)
