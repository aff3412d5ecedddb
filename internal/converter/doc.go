// Package converter translates between transport wire values and the
// transport-agnostic property model.
//
// Each supported product model is one Converter variant. A variant declares
// its properties, the wire address of each (GATT characteristic, ZCL
// endpoint/cluster/attribute, uplink byte span or webhook key), and how raw
// bytes map to values. The property's ValueType decides the interpretation:
//
//	String         UTF-8 text
//	Integer        signed or unsigned integer, little/big endian
//	Numeric        scaled integer (raw / divisor) or JSON number
//	Options        raw code indexing the option list
//	Subproperties  bit mask, one named flag per bit
//
// Product lookup goes through a Registry built per bridge; unknown products
// resolve to Unsupported, which declares nothing and reports PowerUnknown.
package converter
