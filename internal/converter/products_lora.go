package converter

import (
	"encoding/binary"
	"fmt"
)

// LHT65 is the Dragino temperature and humidity sensor. Uplinks are 11
// bytes: battery(2) temperature(2) humidity(2) extType(1) extTemp(2) ...
type LHT65 struct{ table }

// lht65BatteryMask strips the two battery status bits from the voltage word.
const lht65BatteryMask = 0x3FFF

// NewLHT65 returns a converter for the LHT65.
func NewLHT65() Converter {
	return &LHT65{newTable("LHT65", "Dragino", PowerBattery,
		field{
			prop:    Property{Name: "battery", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "Battery (V)"},
			addr:    Address{Offset: 0, Length: 2},
			enc:     encU16BE,
			divisor: 1000,
		},
		field{
			prop:    Property{Name: "temperature", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "Temperature (°C)"},
			addr:    Address{Offset: 2, Length: 2},
			enc:     encS16BE,
			divisor: 100,
		},
		field{
			prop:    Property{Name: "humidity", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "Humidity (%)"},
			addr:    Address{Offset: 4, Length: 2},
			enc:     encU16BE,
			divisor: 10,
		},
		field{
			prop:    Property{Name: "externalTemperature", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "Probe temperature (°C)"},
			addr:    Address{Offset: 7, Length: 2},
			enc:     encS16BE,
			divisor: 100,
		},
	)}
}

// Get masks the battery status bits before scaling.
func (c *LHT65) Get(p Property, raw []byte) (Reading, error) {
	if p.Name != "battery" {
		return c.table.Get(p, raw)
	}
	if len(raw) < 2 {
		return Reading{}, fmt.Errorf("%w: battery requires 2 bytes, got %d", ErrDecodingFailed, len(raw))
	}
	v := float64(binary.BigEndian.Uint16(raw)&lht65BatteryMask) / 1000
	return Reading{Value: v, Numeric: numeric(v)}, nil
}

// LT22222L is the Dragino LT-22222-L I/O controller with two relays.
type LT22222L struct{ table }

// NewLT22222L returns a converter for the LT-22222-L.
func NewLT22222L() Converter {
	return &LT22222L{newTable("LT-22222-L", "Dragino", PowerMains,
		field{
			prop:    Property{Name: "voltage1", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "AVI1 (V)"},
			addr:    Address{Offset: 0, Length: 2},
			enc:     encU16BE,
			divisor: 1000,
		},
		field{
			prop:    Property{Name: "voltage2", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "AVI2 (V)"},
			addr:    Address{Offset: 2, Length: 2},
			enc:     encU16BE,
			divisor: 1000,
		},
		field{
			prop:    Property{Name: "current1", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "ACI1 (mA)"},
			addr:    Address{Offset: 4, Length: 2},
			enc:     encU16BE,
			divisor: 1000,
		},
		field{
			prop: Property{Name: "inputs", ValueType: ValueSubproperties, AnyValue: []string{"DI1", "DI2", "DI3"}, Read: true, Notify: true, Translation: "Digital inputs"},
			addr: Address{Offset: 6, Length: 1},
			enc:  encU8,
			bits: []string{"DI1", "DI2", "DI3"},
		},
		field{
			prop:    Property{Name: "relay1", ValueType: ValueOptions, AnyValue: []string{"off", "on"}, Read: true, Write: true, Notify: true, Translation: "Relay 1"},
			addr:    Address{Offset: 7, Length: 1},
			enc:     encU8,
			options: []string{"off", "on"},
		},
		field{
			prop:    Property{Name: "relay2", ValueType: ValueOptions, AnyValue: []string{"off", "on"}, Read: true, Write: true, Notify: true, Translation: "Relay 2"},
			addr:    Address{Offset: 8, Length: 1},
			enc:     encU8,
			options: []string{"off", "on"},
		},
	)}
}
