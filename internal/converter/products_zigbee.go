package converter

import "fmt"

// ZCL clusters, attributes and data types used by zigbee products.
const (
	zclClusterPowerConfig = 0x0001
	zclClusterOnOff       = 0x0006
	zclClusterLevel       = 0x0008
	zclClusterColor       = 0x0300
	zclClusterTemperature = 0x0402
	zclClusterHumidity    = 0x0405

	zclAttrBatteryPercentage = 0x0021
	zclAttrColorTemperature  = 0x0007

	zclTypeBool   = 0x10
	zclTypeUint8  = 0x20
	zclTypeUint16 = 0x21
	zclTypeInt16  = 0x29
)

// TradfriBulbWS is the IKEA TRADFRI white spectrum E27 bulb.
type TradfriBulbWS struct{ table }

// NewTradfriBulbWS returns a converter for the TRADFRI white spectrum bulb.
func NewTradfriBulbWS() Converter {
	return &TradfriBulbWS{newTable("TRADFRI bulb E27 WS opal 980lm", "IKEA of Sweden", PowerMains,
		field{
			prop:    Property{Name: "onOff", ValueType: ValueOptions, AnyValue: []string{"off", "on"}, Read: true, Write: true, Notify: true, Translation: "Power"},
			addr:    Address{Endpoint: 1, Cluster: zclClusterOnOff, Attribute: 0x0000, DataType: zclTypeBool},
			enc:     encU8,
			options: []string{"off", "on"},
		},
		field{
			prop: Property{Name: "brightness", ValueType: ValueInteger, AnyValue: 254, Read: true, Write: true, Notify: true, Translation: "Brightness"},
			addr: Address{Endpoint: 1, Cluster: zclClusterLevel, Attribute: 0x0000, DataType: zclTypeUint8},
			enc:  encU8,
		},
		field{
			prop: Property{Name: "colorTemperature", ValueType: ValueInteger, AnyValue: 370, Read: true, Write: true, Notify: true, Translation: "Colour temperature (mired)"},
			addr: Address{Endpoint: 1, Cluster: zclClusterColor, Attribute: zclAttrColorTemperature, DataType: zclTypeUint16},
			enc:  encU16LE,
		},
	)}
}

// Set keeps colour temperature inside the bulb's 250–454 mired range.
func (c *TradfriBulbWS) Set(p Property, v any) ([]byte, error) {
	if p.Name == "colorTemperature" {
		n, err := toInt64(v)
		if err != nil || n < 250 || n > 454 {
			return nil, fmt.Errorf("%w: colorTemperature must be 250..454 mired, got %v", ErrInvalidValue, v)
		}
	}
	return c.table.Set(p, v)
}

// SNZB02 is the SONOFF temperature and humidity sensor.
type SNZB02 struct{ table }

// NewSNZB02 returns a converter for the SNZB-02.
func NewSNZB02() Converter {
	return &SNZB02{newTable("SNZB-02", "SONOFF", PowerBattery,
		field{
			prop:    Property{Name: "temperature", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "Temperature (°C)"},
			addr:    Address{Endpoint: 1, Cluster: zclClusterTemperature, Attribute: 0x0000, DataType: zclTypeInt16},
			enc:     encS16LE,
			divisor: 100,
		},
		field{
			prop:    Property{Name: "humidity", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "Humidity (%)"},
			addr:    Address{Endpoint: 1, Cluster: zclClusterHumidity, Attribute: 0x0000, DataType: zclTypeUint16},
			enc:     encU16LE,
			divisor: 100,
		},
		field{
			// Reported in half-percent steps.
			prop:    Property{Name: "battery", ValueType: ValueNumeric, AnyValue: 0.0, Read: true, Notify: true, Translation: "Battery (%)"},
			addr:    Address{Endpoint: 1, Cluster: zclClusterPowerConfig, Attribute: zclAttrBatteryPercentage, DataType: zclTypeUint8},
			enc:     encU8,
			divisor: 2,
		},
	)}
}

// AqaraDoorSensor is the Aqara door and window contact sensor.
type AqaraDoorSensor struct{ table }

// NewAqaraDoorSensor returns a converter for lumi.sensor_magnet.aq2.
func NewAqaraDoorSensor() Converter {
	return &AqaraDoorSensor{newTable("lumi.sensor_magnet.aq2", "LUMI", PowerBattery,
		field{
			// The sensor reports on/off true when the magnet is away.
			prop:    Property{Name: "contact", ValueType: ValueOptions, AnyValue: []string{"closed", "open"}, Read: true, Notify: true, Translation: "Contact"},
			addr:    Address{Endpoint: 1, Cluster: zclClusterOnOff, Attribute: 0x0000, DataType: zclTypeBool},
			enc:     encU8,
			options: []string{"closed", "open"},
		},
	)}
}
