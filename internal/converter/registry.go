package converter

import "sort"

// Factory creates a fresh converter instance.
type Factory func() Converter

// catalog maps each bridge tag to the products it supports.
// Adding a product means adding a variant and an entry here.
var catalog = map[string]map[string]Factory{
	"bluetooth": {
		"LYWSD03MMC":     NewLYWSD03MMC,
		"Hue white lamp": NewHueWhiteLamp,
	},
	"zigbee": {
		"TRADFRI bulb E27 WS opal 980lm": NewTradfriBulbWS,
		"SNZB-02":                        NewSNZB02,
		"lumi.sensor_magnet.aq2":         NewAqaraDoorSensor,
	},
	"lora": {
		"LHT65":      NewLHT65,
		"LT-22222-L": NewLT22222L,
	},
	"http": {
		"Shelly Plus 1": NewShellyPlus1,
		"Shelly H&T":    NewShellyHT,
	},
}

// Registry resolves product names to converters for one bridge.
// It is built once at start-up and never mutated, so it is safe for
// concurrent use.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns the registry for a bridge tag. An unknown tag yields
// an empty registry in which every lookup is unsupported.
func NewRegistry(bridge string) *Registry {
	factories := make(map[string]Factory, len(catalog[bridge]))
	for name, f := range catalog[bridge] {
		factories[name] = f
	}
	return &Registry{factories: factories}
}

// Lookup returns a fresh converter for the product. When the product is not
// registered it returns an Unsupported converter and false; it never panics,
// whatever the input.
func (r *Registry) Lookup(product string) (Converter, bool) {
	if f, ok := r.factories[product]; ok {
		return f(), true
	}
	return Unsupported{Product: product}, false
}

// Products lists the registered product names, sorted.
func (r *Registry) Products() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
