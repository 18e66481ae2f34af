package accessory

import "fmt"

// Service is the kind of accessory, which fixes its characteristics.
type Service string

const (
	ServiceSwitch         Service = "Switch"
	ServiceOutlet         Service = "Outlet"
	ServiceLightbulb      Service = "Lightbulb"
	ServiceWindowCovering Service = "WindowCovering"
	ServiceThermostat     Service = "Thermostat"
)

var services = map[Service][]Characteristic{
	ServiceSwitch:         {On},
	ServiceOutlet:         {On},
	ServiceLightbulb:      {On, Brightness},
	ServiceWindowCovering: {TargetPosition, TargetHorizontalTiltAngle, TargetVerticalTiltAngle},
	ServiceThermostat:     {TargetTemperature, TargetRelativeHumidity},
}

// ParseService validates a service name.
func ParseService(name string) (Service, error) {
	s := Service(name)
	if _, ok := services[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return s, nil
}

// Characteristics returns the characteristics the service exposes.
func (s Service) Characteristics() []Characteristic {
	return append([]Characteristic(nil), services[s]...)
}

// Has reports whether the service exposes c.
func (s Service) Has(c Characteristic) bool {
	for _, sc := range services[s] {
		if sc == c {
			return true
		}
	}
	return false
}
