package converter

import "fmt"

// GATT characteristics used by bluetooth products.
const (
	uuidDeviceName  = "2a00"
	uuidBatteryLvl  = "2a19"
	uuidTemperature = "2a6e"
	uuidHumidity    = "2a6f"

	uuidHueOnOff      = "932c32bd-0002-47a2-835a-a8d455b859dd"
	uuidHueBrightness = "932c32bd-0003-47a2-835a-a8d455b859dd"
)

// LYWSD03MMC is the Xiaomi thermometer/hygrometer running firmware that
// exposes the standard Environmental Sensing characteristics.
type LYWSD03MMC struct{ table }

// NewLYWSD03MMC returns a converter for the LYWSD03MMC.
func NewLYWSD03MMC() Converter {
	return &LYWSD03MMC{newTable("LYWSD03MMC", "Xiaomi", PowerBattery,
		field{
			prop:    Property{Name: "temperature", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "Temperature (°C)"},
			addr:    Address{UUID: uuidTemperature},
			enc:     encS16LE,
			divisor: 100,
		},
		field{
			prop:    Property{Name: "humidity", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "Humidity (%)"},
			addr:    Address{UUID: uuidHumidity},
			enc:     encU16LE,
			divisor: 100,
		},
		field{
			prop: Property{Name: "battery", ValueType: ValueInteger, AnyValue: 0, Read: true, Translation: "Battery (%)"},
			addr: Address{UUID: uuidBatteryLvl},
			enc:  encU8,
		},
	)}
}

// HueWhiteLamp is a Philips Hue white bulb controlled over its BLE light service.
type HueWhiteLamp struct{ table }

// NewHueWhiteLamp returns a converter for Hue white bulbs.
func NewHueWhiteLamp() Converter {
	return &HueWhiteLamp{newTable("Hue white lamp", "Signify", PowerMains,
		field{
			prop:    Property{Name: "onOff", ValueType: ValueOptions, AnyValue: []string{"off", "on"}, Read: true, Write: true, Notify: true, Translation: "Power"},
			addr:    Address{UUID: uuidHueOnOff},
			enc:     encU8,
			options: []string{"off", "on"},
		},
		field{
			prop: Property{Name: "brightness", ValueType: ValueInteger, AnyValue: 254, Read: true, Write: true, Notify: true, Translation: "Brightness"},
			addr: Address{UUID: uuidHueBrightness},
			enc:  encU8,
		},
		field{
			prop: Property{Name: "name", ValueType: ValueString, AnyValue: "", Read: true, Translation: "Device name"},
			addr: Address{UUID: uuidDeviceName},
			enc:  encUTF8,
		},
	)}
}

// Set limits brightness to 1..254. Switching off goes through onOff.
func (c *HueWhiteLamp) Set(p Property, v any) ([]byte, error) {
	raw, err := c.table.Set(p, v)
	if err != nil {
		return nil, err
	}
	if p.Name == "brightness" && (raw[0] == 0 || raw[0] == 0xFF) {
		return nil, fmt.Errorf("%w: brightness must be 1..254", ErrInvalidValue)
	}
	return raw, nil
}
