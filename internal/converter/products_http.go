package converter

// ShellyPlus1 is the Shelly Plus 1 relay reporting through outbound webhooks.
type ShellyPlus1 struct{ table }

// NewShellyPlus1 returns a converter for the Shelly Plus 1.
func NewShellyPlus1() Converter {
	return &ShellyPlus1{newTable("Shelly Plus 1", "Shelly", PowerMains,
		field{
			prop:    Property{Name: "switch", ValueType: ValueOptions, AnyValue: []string{"off", "on"}, Read: true, Write: true, Notify: true, Translation: "Relay"},
			addr:    Address{Tag: "output"},
			enc:     encJSON,
			options: []string{"off", "on"},
			boolean: true,
		},
		field{
			prop: Property{Name: "temperature", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "Device temperature (°C)"},
			addr: Address{Tag: "temperature"},
			enc:  encJSON,
		},
		field{
			prop: Property{Name: "name", ValueType: ValueString, AnyValue: "", Read: true, Write: true, Translation: "Name"},
			addr: Address{Tag: "name"},
			enc:  encJSON,
		},
	)}
}

// ShellyHT is the battery Shelly H&T sensor.
type ShellyHT struct{ table }

// NewShellyHT returns a converter for the Shelly H&T.
func NewShellyHT() Converter {
	return &ShellyHT{newTable("Shelly H&T", "Shelly", PowerBattery,
		field{
			prop: Property{Name: "temperature", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "Temperature (°C)"},
			addr: Address{Tag: "temperature"},
			enc:  encJSON,
		},
		field{
			prop: Property{Name: "humidity", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "Humidity (%)"},
			addr: Address{Tag: "humidity"},
			enc:  encJSON,
		},
		field{
			prop: Property{Name: "battery", ValueType: ValueInteger, AnyValue: 0, Read: true, Notify: true, Translation: "Battery (%)"},
			addr: Address{Tag: "battery"},
			enc:  encJSON,
		},
	)}
}
