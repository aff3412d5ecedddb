package converter

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"
)

// encoding is the byte layout of one wire value.
type encoding int

const (
	encU8 encoding = iota
	encU16LE
	encU16BE
	encS16LE
	encS16BE
	encU32LE
	encUTF8
	// encJSON is a single JSON scalar, used by webhook payloads.
	encJSON
)

// width returns the fixed byte width of integer encodings, 0 otherwise.
func (e encoding) width() int {
	switch e {
	case encU8:
		return 1
	case encU16LE, encU16BE, encS16LE, encS16BE:
		return 2
	case encU32LE:
		return 4
	default:
		return 0
	}
}

// bounds returns the raw integer range representable by e.
func (e encoding) bounds() (lo, hi int64) {
	switch e {
	case encU8:
		return 0, math.MaxUint8
	case encU16LE, encU16BE:
		return 0, math.MaxUint16
	case encS16LE, encS16BE:
		return math.MinInt16, math.MaxInt16
	case encU32LE:
		return 0, math.MaxUint32
	default:
		return math.MinInt64, math.MaxInt64
	}
}

// field binds a Property to its wire address and codec.
type field struct {
	prop Property
	addr Address
	enc  encoding

	// divisor scales Numeric raw integers (raw / divisor). Zero means 1.
	divisor float64

	// options lists Options values in raw-code order (raw 0 = options[0]).
	options []string

	// boolean marks two-value Options carried as a JSON boolean on the wire.
	boolean bool

	// bits names Subproperties bits, least significant first.
	bits []string
}

// decode interprets raw wire bytes according to the property's value type.
func (f *field) decode(b []byte) (Reading, error) {
	switch f.prop.ValueType {
	case ValueString:
		s, err := f.decodeString(b)
		if err != nil {
			return Reading{}, err
		}
		return Reading{Value: s}, nil

	case ValueInteger:
		n, err := f.decodeInt(b)
		if err != nil {
			return Reading{}, err
		}
		return Reading{Value: n, Numeric: numeric(float64(n))}, nil

	case ValueNumeric:
		v, err := f.decodeFloat(b)
		if err != nil {
			return Reading{}, err
		}
		return Reading{Value: v, Numeric: numeric(v)}, nil

	case ValueOptions:
		code, err := f.decodeCode(b)
		if err != nil {
			return Reading{}, err
		}
		if code < 0 || code >= int64(len(f.options)) {
			return Reading{}, fmt.Errorf("%w: %s option code %d out of range", ErrDecodingFailed, f.prop.Name, code)
		}
		return Reading{Value: f.options[code], Numeric: numeric(float64(code))}, nil

	case ValueSubproperties:
		mask, err := f.decodeInt(b)
		if err != nil {
			return Reading{}, err
		}
		subs := make(map[string]bool, len(f.bits))
		for i, name := range f.bits {
			subs[name] = mask&(1<<i) != 0
		}
		return Reading{Value: subs}, nil
	}

	return Reading{}, fmt.Errorf("%w: %s has unknown value type %q", ErrDecodingFailed, f.prop.Name, f.prop.ValueType)
}

// encode converts a domain value to raw wire bytes.
func (f *field) encode(v any) ([]byte, error) {
	switch f.prop.ValueType {
	case ValueString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a string, got %T", ErrInvalidValue, f.prop.Name, v)
		}
		if f.enc == encJSON {
			return json.Marshal(s)
		}
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidValue, f.prop.Name)
		}
		return []byte(s), nil

	case ValueInteger:
		n, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidValue, f.prop.Name, err)
		}
		return f.encodeInt(n)

	case ValueNumeric:
		x, err := toFloat64(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidValue, f.prop.Name, err)
		}
		if f.enc == encJSON {
			return json.Marshal(x)
		}
		return f.encodeInt(int64(math.Round(x * f.scale())))

	case ValueOptions:
		code, err := f.optionCode(v)
		if err != nil {
			return nil, err
		}
		if f.boolean {
			return json.Marshal(code == 1)
		}
		return f.encodeInt(int64(code))

	case ValueSubproperties:
		subs, ok := v.(map[string]any)
		if !ok {
			if typed, isBool := v.(map[string]bool); isBool {
				subs = make(map[string]any, len(typed))
				for k, b := range typed {
					subs[k] = b
				}
			} else {
				return nil, fmt.Errorf("%w: %s expects an object, got %T", ErrInvalidValue, f.prop.Name, v)
			}
		}
		var mask int64
		for i, name := range f.bits {
			set, _ := subs[name].(bool)
			if set {
				mask |= 1 << i
			}
		}
		return f.encodeInt(mask)
	}

	return nil, fmt.Errorf("%w: %s has unknown value type %q", ErrInvalidValue, f.prop.Name, f.prop.ValueType)
}

func (f *field) scale() float64 {
	if f.divisor == 0 {
		return 1
	}
	return f.divisor
}

func (f *field) decodeString(b []byte) (string, error) {
	if f.enc == encJSON {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrDecodingFailed, f.prop.Name, err)
		}
		return s, nil
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrDecodingFailed, f.prop.Name)
	}
	return string(b), nil
}

func (f *field) decodeFloat(b []byte) (float64, error) {
	if f.enc == encJSON {
		var x float64
		if err := json.Unmarshal(b, &x); err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrDecodingFailed, f.prop.Name, err)
		}
		return x, nil
	}
	n, err := f.decodeInt(b)
	if err != nil {
		return 0, err
	}
	return float64(n) / f.scale(), nil
}

// decodeCode reads an Options raw code, accepting JSON booleans.
func (f *field) decodeCode(b []byte) (int64, error) {
	if f.enc != encJSON {
		return f.decodeInt(b)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrDecodingFailed, f.prop.Name, err)
	}
	switch t := v.(type) {
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		for i, o := range f.options {
			if o == t {
				return int64(i), nil
			}
		}
		return 0, fmt.Errorf("%w: %s unknown option %q", ErrDecodingFailed, f.prop.Name, t)
	default:
		n, err := toInt64(t)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrDecodingFailed, f.prop.Name, err)
		}
		return n, nil
	}
}

func (f *field) decodeInt(b []byte) (int64, error) {
	if f.enc == encJSON {
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrDecodingFailed, f.prop.Name, err)
		}
		n, err := toInt64(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrDecodingFailed, f.prop.Name, err)
		}
		return n, nil
	}

	w := f.enc.width()
	if w == 0 || len(b) < w {
		return 0, fmt.Errorf("%w: %s requires %d bytes, got %d", ErrDecodingFailed, f.prop.Name, w, len(b))
	}
	switch f.enc {
	case encU8:
		return int64(b[0]), nil
	case encU16LE:
		return int64(binary.LittleEndian.Uint16(b)), nil
	case encU16BE:
		return int64(binary.BigEndian.Uint16(b)), nil
	case encS16LE:
		return int64(int16(binary.LittleEndian.Uint16(b))), nil //nolint:gosec // two's complement reinterpretation
	case encS16BE:
		return int64(int16(binary.BigEndian.Uint16(b))), nil //nolint:gosec // two's complement reinterpretation
	default:
		return int64(binary.LittleEndian.Uint32(b)), nil
	}
}

func (f *field) encodeInt(n int64) ([]byte, error) {
	if f.enc == encJSON {
		return json.Marshal(n)
	}
	lo, hi := f.enc.bounds()
	if n < lo || n > hi {
		return nil, fmt.Errorf("%w: %s raw value %d outside %d..%d", ErrInvalidValue, f.prop.Name, n, lo, hi)
	}
	switch f.enc {
	case encU8:
		return []byte{byte(n)}, nil
	case encU16LE, encS16LE:
		return binary.LittleEndian.AppendUint16(nil, uint16(n)), nil //nolint:gosec // bounds checked above
	case encU16BE, encS16BE:
		return binary.BigEndian.AppendUint16(nil, uint16(n)), nil //nolint:gosec // bounds checked above
	case encU32LE:
		return binary.LittleEndian.AppendUint32(nil, uint32(n)), nil //nolint:gosec // bounds checked above
	}
	return nil, fmt.Errorf("%w: %s has no integer encoding", ErrInvalidValue, f.prop.Name)
}

// optionCode resolves an outbound Options value to its raw code.
func (f *field) optionCode(v any) (int, error) {
	switch t := v.(type) {
	case string:
		for i, o := range f.options {
			if o == t {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: %s must be one of %v, got %q", ErrInvalidValue, f.prop.Name, f.options, t)
	case bool:
		if len(f.options) != 2 {
			return 0, fmt.Errorf("%w: %s is not a two-state option", ErrInvalidValue, f.prop.Name)
		}
		if t {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %s expects one of %v, got %T", ErrInvalidValue, f.prop.Name, f.options, v)
}

// toInt64 coerces bus-decoded values (JSON numbers arrive as float64) to an integer.
func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) || math.IsNaN(t) {
			return 0, fmt.Errorf("%v is not an integer", t)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(t, 10, 64)
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot use %T as integer", v)
}

// toFloat64 coerces bus-decoded values to a float.
func toFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	}
	return 0, fmt.Errorf("cannot use %T as number", v)
}
