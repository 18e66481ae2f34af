package accessory

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCharacteristic(t *testing.T) {
	for _, c := range Characteristics() {
		parsed, err := ParseCharacteristic(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}

	_, err := ParseCharacteristic("Hue")
	assert.ErrorIs(t, err, ErrUnknownCharacteristic)
}

func TestContinuous(t *testing.T) {
	assert.False(t, On.Continuous())
	for _, c := range []Characteristic{
		Brightness, TargetPosition, TargetHorizontalTiltAngle,
		TargetVerticalTiltAngle, TargetRelativeHumidity, TargetTemperature,
	} {
		assert.True(t, c.Continuous(), c.String())
	}
	assert.False(t, Characteristic(0).Continuous())
}

func TestCharacteristic_JSON(t *testing.T) {
	data, err := json.Marshal(ValueChange{Accessory: "lamp", Characteristic: Brightness, Value: 5})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"characteristic":"Brightness"`)

	var vc ValueChange
	require.NoError(t, json.Unmarshal(data, &vc))
	assert.Equal(t, Brightness, vc.Characteristic)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		c       Characteristic
		in      any
		want    any
		wantErr error
	}{
		{name: "on bool", c: On, in: true, want: true},
		{name: "on zero", c: On, in: 0, want: false},
		{name: "on number", c: On, in: 1.0, want: true},
		{name: "on string", c: On, in: "true", wantErr: ErrOutOfRange},
		{name: "on nil", c: On, in: nil, wantErr: ErrMissingValue},
		{name: "brightness int", c: Brightness, in: 42, want: 42},
		{name: "brightness rounds", c: Brightness, in: 41.6, want: 42},
		{name: "brightness json number", c: Brightness, in: json.Number("7"), want: 7},
		{name: "brightness upper bound", c: Brightness, in: 100, want: 100},
		{name: "brightness above", c: Brightness, in: 101, wantErr: ErrOutOfRange},
		{name: "brightness below", c: Brightness, in: -1, wantErr: ErrOutOfRange},
		{name: "brightness bool", c: Brightness, in: true, wantErr: ErrOutOfRange},
		{name: "brightness NaN", c: Brightness, in: math.NaN(), wantErr: ErrOutOfRange},
		{name: "tilt negative", c: TargetHorizontalTiltAngle, in: -45, want: -45},
		{name: "tilt beyond", c: TargetVerticalTiltAngle, in: -91, wantErr: ErrOutOfRange},
		{name: "temperature snaps", c: TargetTemperature, in: 21.56, want: 21.6},
		{name: "temperature from int", c: TargetTemperature, in: 20, want: 20.0},
		{name: "temperature low", c: TargetTemperature, in: 9.9, wantErr: ErrOutOfRange},
		{name: "humidity snaps", c: TargetRelativeHumidity, in: 44.4, want: 44.0},
		{name: "humidity high", c: TargetRelativeHumidity, in: 100.6, wantErr: ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := tt.c.Rule()
			require.True(t, ok)
			got, err := r.Normalize(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseService(t *testing.T) {
	s, err := ParseService("Lightbulb")
	require.NoError(t, err)
	assert.Equal(t, []Characteristic{On, Brightness}, s.Characteristics())
	assert.True(t, s.Has(Brightness))
	assert.False(t, s.Has(TargetPosition))

	_, err = ParseService("Fan")
	assert.ErrorIs(t, err, ErrUnknownService)
}
