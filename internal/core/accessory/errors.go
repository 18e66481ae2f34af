package accessory

import "errors"

var (
	// ErrUnknownAccessory is returned when no accessory has the given name.
	ErrUnknownAccessory = errors.New("accessory: unknown accessory")
	// ErrUnknownCharacteristic is returned when the accessory's service lacks the characteristic.
	ErrUnknownCharacteristic = errors.New("accessory: unknown characteristic")
	// ErrMissingValue is returned when a write carries no value.
	ErrMissingValue = errors.New("accessory: missing value")
	// ErrOutOfRange is returned for values of the wrong type or outside the characteristic's bounds.
	ErrOutOfRange = errors.New("accessory: value out of range")
	// ErrDuplicateAccessory is returned when adding a name that is already registered.
	ErrDuplicateAccessory = errors.New("accessory: duplicate accessory")
	// ErrUnknownService is returned for service names outside the supported set.
	ErrUnknownService = errors.New("accessory: unknown service")
)
