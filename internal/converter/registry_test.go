package converter

import (
	"errors"
	"reflect"
	"testing"
)

// roundTripSamples lists legal values for every readable and writable
// property, keyed by product then property.
var roundTripSamples = map[string]map[string][]any{
	"Hue white lamp": {
		"onOff":      {"off", "on"},
		"brightness": {int64(1), int64(127), int64(254)},
	},
	"TRADFRI bulb E27 WS opal 980lm": {
		"onOff":            {"off", "on"},
		"brightness":       {int64(0), int64(128), int64(254)},
		"colorTemperature": {int64(250), int64(370), int64(454)},
	},
	"LT-22222-L": {
		"relay1": {"off", "on"},
		"relay2": {"off", "on"},
	},
	"Shelly Plus 1": {
		"switch": {"off", "on"},
		"name":   {"Garage door", "", "Küche"},
	},
}

func allProducts() map[string][]string {
	out := make(map[string][]string)
	for bridge := range catalog {
		out[bridge] = NewRegistry(bridge).Products()
	}
	return out
}

func TestConverter_RoundTrip(t *testing.T) {
	for bridge, products := range allProducts() {
		reg := NewRegistry(bridge)
		for _, product := range products {
			conv, ok := reg.Lookup(product)
			if !ok {
				t.Fatalf("Lookup(%q) not found", product)
			}
			for _, p := range conv.Properties() {
				if !p.Read || !p.Write {
					continue
				}
				samples := roundTripSamples[product][p.Name]
				if len(samples) == 0 {
					t.Errorf("%s/%s: writable property has no round-trip samples", product, p.Name)
					continue
				}
				for _, v := range samples {
					raw, err := conv.Set(p, v)
					if err != nil {
						t.Errorf("%s/%s: Set(%v) error = %v", product, p.Name, v, err)
						continue
					}
					got, err := conv.Get(p, raw)
					if err != nil {
						t.Errorf("%s/%s: Get(Set(%v)) error = %v", product, p.Name, v, err)
						continue
					}
					if !reflect.DeepEqual(got.Value, v) {
						t.Errorf("%s/%s: Get(Set(%v)) = %v (%T)", product, p.Name, v, got.Value, got.Value)
					}
				}
			}
		}
	}
}

func TestConverter_GetIsDeterministic(t *testing.T) {
	conv, _ := NewRegistry("zigbee").Lookup("SNZB-02")
	p, err := conv.PropertyByName("temperature")
	if err != nil {
		t.Fatalf("PropertyByName() error = %v", err)
	}

	raw := []byte{0x66, 0x08} // 2150 -> 21.5
	first, err := conv.Get(p, raw)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	for range 5 {
		again, _ := conv.Get(p, raw)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("Get() not deterministic: %+v vs %+v", first, again)
		}
	}
	if first.Value != 21.5 || first.Numeric == nil || *first.Numeric != 21.5 {
		t.Errorf("Get() = %+v, want 21.5", first)
	}
}

func TestLookup_UnsupportedDegrades(t *testing.T) {
	inputs := []string{"", "unknown", "LYWSD03MMC ", "lywsd03mmc", "\x00", "SNZB-02"}

	reg := NewRegistry("bluetooth")
	for _, product := range inputs {
		t.Run(product, func(t *testing.T) {
			conv, ok := reg.Lookup(product)
			if ok {
				t.Fatalf("Lookup(%q) ok = true, want false", product)
			}
			if conv == nil {
				t.Fatal("Lookup() returned nil converter")
			}
			if conv.PowerType() != PowerUnknown {
				t.Errorf("PowerType() = %q, want %q", conv.PowerType(), PowerUnknown)
			}
			if props := conv.Properties(); props == nil || len(props) != 0 {
				t.Errorf("Properties() = %v, want empty non-nil", props)
			}
			if _, err := conv.Get(Property{Name: "x"}, nil); !errors.Is(err, ErrUnsupportedProduct) {
				t.Errorf("Get() error = %v, want ErrUnsupportedProduct", err)
			}
		})
	}
}

func TestLookup_UnknownBridge(t *testing.T) {
	reg := NewRegistry("infrared")
	if len(reg.Products()) != 0 {
		t.Errorf("Products() = %v, want empty", reg.Products())
	}
	if _, ok := reg.Lookup("SNZB-02"); ok {
		t.Error("Lookup() on unknown bridge ok = true")
	}
}

func TestLookup_FreshInstances(t *testing.T) {
	reg := NewRegistry("lora")
	a, _ := reg.Lookup("LHT65")
	b, _ := reg.Lookup("LHT65")
	if a == b {
		t.Error("Lookup() returned the same instance twice")
	}
}

func TestConverter_PropertyByAddress(t *testing.T) {
	conv, _ := NewRegistry("bluetooth").Lookup("LYWSD03MMC")

	p, err := conv.PropertyByAddress(Address{UUID: "00002A6E-0000-1000-8000-00805F9B34FB"})
	if err != nil {
		t.Fatalf("PropertyByAddress(full uuid) error = %v", err)
	}
	if p.Name != "temperature" {
		t.Errorf("PropertyByAddress() = %q, want temperature", p.Name)
	}

	_, err = conv.PropertyByAddress(Address{UUID: "2a1c"})
	if !errors.Is(err, ErrUnsupportedAddress) {
		t.Errorf("PropertyByAddress(undeclared) error = %v, want ErrUnsupportedAddress", err)
	}
}

func TestConverter_SetErrors(t *testing.T) {
	conv, _ := NewRegistry("zigbee").Lookup("TRADFRI bulb E27 WS opal 980lm")

	tests := []struct {
		name    string
		prop    string
		value   any
		wantErr error
	}{
		{"unknown option", "onOff", "dim", ErrInvalidValue},
		{"wrong type", "brightness", "bright", ErrInvalidValue},
		{"out of raw range", "brightness", 300, ErrInvalidValue},
		{"fractional integer", "brightness", 12.5, ErrInvalidValue},
		{"below mired range", "colorTemperature", 100, ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := conv.PropertyByName(tt.prop)
			if err != nil {
				t.Fatalf("PropertyByName(%q) error = %v", tt.prop, err)
			}
			if _, err := conv.Set(p, tt.value); !errors.Is(err, tt.wantErr) {
				t.Errorf("Set(%v) error = %v, want %v", tt.value, err, tt.wantErr)
			}
		})
	}

	readOnly, _ := NewRegistry("zigbee").Lookup("SNZB-02")
	p, _ := readOnly.PropertyByName("temperature")
	if _, err := readOnly.Set(p, 20.0); !errors.Is(err, ErrNotWritable) {
		t.Errorf("Set(read-only) error = %v, want ErrNotWritable", err)
	}
	if _, err := readOnly.PropertyByName("pressure"); !errors.Is(err, ErrUnknownProperty) {
		t.Errorf("PropertyByName(undeclared) error = %v, want ErrUnknownProperty", err)
	}
}
