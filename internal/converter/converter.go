package converter

import "fmt"

// Converter translates between one product's wire attributes and the
// transport-agnostic property model. There is one implementation per
// product model; callers only see this interface.
type Converter interface {
	// ProductName is the model identifier the converter is registered under.
	ProductName() string
	VendorName() string
	PowerType() PowerType

	// Properties returns the declared properties in declaration order.
	Properties() []Property

	// PropertyByName returns the property with the given name.
	PropertyByName(name string) (Property, error)

	// PropertyByAddress resolves a wire address. Undeclared addresses
	// return ErrUnsupportedAddress.
	PropertyByAddress(addr Address) (Property, error)

	// AddressOf returns the wire address of a property.
	AddressOf(name string) (Address, error)

	// Addresses returns every declared wire address, in property order.
	Addresses() []Address

	// Get decodes a raw wire value for a property. It is deterministic.
	Get(p Property, raw []byte) (Reading, error)

	// Set encodes a domain value for a writable property.
	Set(p Property, v any) ([]byte, error)
}

// table is the shared implementation behind every product variant.
type table struct {
	product string
	vendor  string
	power   PowerType
	fields  []field
	byName  map[string]int
	byKey   map[string]int
}

func newTable(product, vendor string, power PowerType, fields ...field) table {
	t := table{
		product: product,
		vendor:  vendor,
		power:   power,
		fields:  fields,
		byName:  make(map[string]int, len(fields)),
		byKey:   make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		t.byName[f.prop.Name] = i
		t.byKey[f.addr.Key()] = i
	}
	return t
}

func (t *table) ProductName() string  { return t.product }
func (t *table) VendorName() string   { return t.vendor }
func (t *table) PowerType() PowerType { return t.power }

func (t *table) Properties() []Property {
	props := make([]Property, len(t.fields))
	for i, f := range t.fields {
		props[i] = f.prop
	}
	return props
}

func (t *table) PropertyByName(name string) (Property, error) {
	f, err := t.field(name)
	if err != nil {
		return Property{}, err
	}
	return f.prop, nil
}

func (t *table) PropertyByAddress(addr Address) (Property, error) {
	i, ok := t.byKey[addr.Key()]
	if !ok {
		return Property{}, fmt.Errorf("%w: %s on %s", ErrUnsupportedAddress, addr, t.product)
	}
	return t.fields[i].prop, nil
}

func (t *table) AddressOf(name string) (Address, error) {
	f, err := t.field(name)
	if err != nil {
		return Address{}, err
	}
	return f.addr, nil
}

func (t *table) Addresses() []Address {
	addrs := make([]Address, len(t.fields))
	for i, f := range t.fields {
		addrs[i] = f.addr
	}
	return addrs
}

func (t *table) Get(p Property, raw []byte) (Reading, error) {
	f, err := t.field(p.Name)
	if err != nil {
		return Reading{}, err
	}
	return f.decode(raw)
}

func (t *table) Set(p Property, v any) ([]byte, error) {
	f, err := t.field(p.Name)
	if err != nil {
		return nil, err
	}
	if !f.prop.Write {
		return nil, fmt.Errorf("%w: %s", ErrNotWritable, p.Name)
	}
	return f.encode(v)
}

func (t *table) field(name string) (*field, error) {
	i, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q on %s", ErrUnknownProperty, name, t.product)
	}
	return &t.fields[i], nil
}

// Unsupported stands in for products with no registered converter. It
// declares nothing, reports PowerUnknown and refuses all value operations.
type Unsupported struct {
	Product string
}

func (u Unsupported) ProductName() string    { return u.Product }
func (u Unsupported) VendorName() string     { return "" }
func (u Unsupported) PowerType() PowerType   { return PowerUnknown }
func (u Unsupported) Properties() []Property { return []Property{} }
func (u Unsupported) Addresses() []Address   { return nil }

func (u Unsupported) PropertyByName(name string) (Property, error) {
	return Property{}, fmt.Errorf("%w: %q", ErrUnknownProperty, name)
}

func (u Unsupported) PropertyByAddress(addr Address) (Property, error) {
	return Property{}, fmt.Errorf("%w: %s", ErrUnsupportedAddress, addr)
}

func (u Unsupported) AddressOf(name string) (Address, error) {
	return Address{}, fmt.Errorf("%w: %q", ErrUnknownProperty, name)
}

func (u Unsupported) Get(Property, []byte) (Reading, error) {
	return Reading{}, ErrUnsupportedProduct
}

func (u Unsupported) Set(Property, any) ([]byte, error) {
	return nil, ErrUnsupportedProduct
}
