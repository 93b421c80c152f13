// Package proto implements the prototype/SourceDestBuffer binding layer of
// spec section 4.2: turning a CompressedVector's prototype into an ordered
// list of terminal fields, binding caller-owned typed arrays to those
// fields, and performing the stored<->delivered type coercion of spec
// section 4.4 at the buffer boundary.
//
// Teacher grounding: the buffer-element-kind enumeration and per-kind
// representability checks mirror the teacher's Datatype enum and
// ReadDatasetFloat64's numeric-widening behavior in
// internal/core/dataset_reader.go, generalized from "always widen to
// float64" to the full doConversion/doScaling matrix spec 4.4 demands.
package proto

import (
	"math"

	"github.com/rtlab-ims-pub/libE57Format/internal/errs"
)

// ElementKind is the type tag of a caller-owned SourceDestBuffer array.
type ElementKind int

const (
	I8 ElementKind = iota
	I16
	I32
	I64
	F32
	F64
	UString
)

// SourceDestBuffer binds a prototype path to a contiguous, caller-owned
// typed array (spec section 4.2). Unlike the C++ original, the array is a
// native Go slice rather than a raw pointer+stride pair: Go slices are
// already contiguous, so the stride is always the native element width
// and no constructor takes a stride argument.
type SourceDestBuffer struct {
	Path         string
	Kind         ElementKind
	DoConversion bool
	DoScaling    bool

	data     interface{}
	capacity int
}

func elementSize(k ElementKind) int {
	switch k {
	case I8:
		return 1
	case I16:
		return 2
	case I32, F32:
		return 4
	case I64, F64:
		return 8
	case UString:
		return 0 // variable width; stride concept does not apply
	default:
		return 0
	}
}

func newBuffer(path string, kind ElementKind, data interface{}, n int) SourceDestBuffer {
	return SourceDestBuffer{Path: path, Kind: kind, data: data, capacity: n}
}

// NewInt8Buffer binds path to an []int8 array.
func NewInt8Buffer(path string, data []int8) SourceDestBuffer { return newBuffer(path, I8, data, len(data)) }

// NewInt16Buffer binds path to an []int16 array.
func NewInt16Buffer(path string, data []int16) SourceDestBuffer {
	return newBuffer(path, I16, data, len(data))
}

// NewInt32Buffer binds path to an []int32 array.
func NewInt32Buffer(path string, data []int32) SourceDestBuffer {
	return newBuffer(path, I32, data, len(data))
}

// NewInt64Buffer binds path to an []int64 array.
func NewInt64Buffer(path string, data []int64) SourceDestBuffer {
	return newBuffer(path, I64, data, len(data))
}

// NewFloat32Buffer binds path to a []float32 array.
func NewFloat32Buffer(path string, data []float32) SourceDestBuffer {
	return newBuffer(path, F32, data, len(data))
}

// NewFloat64Buffer binds path to a []float64 array.
func NewFloat64Buffer(path string, data []float64) SourceDestBuffer {
	return newBuffer(path, F64, data, len(data))
}

// NewStringBuffer binds path to a []string array.
func NewStringBuffer(path string, data []string) SourceDestBuffer {
	return newBuffer(path, UString, data, len(data))
}

// WithConversion enables narrowing/widening numeric coercion on this
// buffer (spec section 4.2, doConversion).
func (b SourceDestBuffer) WithConversion() SourceDestBuffer { b.DoConversion = true; return b }

// WithScaling enables scale/offset application for ScaledInteger fields
// delivered as floating point (spec section 4.2, doScaling).
func (b SourceDestBuffer) WithScaling() SourceDestBuffer { b.DoScaling = true; return b }

// Capacity is the number of records this buffer can hold.
func (b SourceDestBuffer) Capacity() int { return b.capacity }

// StrideBytes reports the native stride of this buffer's element kind,
// which is the stride of every buffer (see the SourceDestBuffer doc).
func (b SourceDestBuffer) StrideBytes() int { return elementSize(b.Kind) }

func (b *SourceDestBuffer) isNumeric() bool { return b.Kind != UString }

// --- decode-direction: deliver a value read from a field into the buffer ---

// DeliverInt writes an integer field's stored value v into record index i,
// applying the doConversion/doScaling-free integer path of spec 4.4.
func (b *SourceDestBuffer) DeliverInt(i int, v int64) error {
	switch b.Kind {
	case I8:
		if v < math.MinInt8 || v > math.MaxInt8 {
			return errs.Newf(errs.ValueNotRepresentable, "value %d does not fit in int8", v)
		}
		b.data.([]int8)[i] = int8(v)
	case I16:
		if v < math.MinInt16 || v > math.MaxInt16 {
			return errs.Newf(errs.ValueNotRepresentable, "value %d does not fit in int16", v)
		}
		b.data.([]int16)[i] = int16(v)
	case I32:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return errs.Newf(errs.ValueNotRepresentable, "value %d does not fit in int32", v)
		}
		b.data.([]int32)[i] = int32(v)
	case I64:
		b.data.([]int64)[i] = v
	case F32:
		f := float64(float32(v))
		if int64(f) != v {
			return errs.Newf(errs.ScaledValueNotRepresentable, "value %d not exactly representable in float32", v)
		}
		b.data.([]float32)[i] = float32(v)
	case F64:
		f := float64(v)
		if int64(f) != v {
			return errs.Newf(errs.ScaledValueNotRepresentable, "value %d not exactly representable in float64", v)
		}
		b.data.([]float64)[i] = f
	case UString:
		return errs.New(errs.ExpectingUString, "integer field delivered into a string buffer")
	}
	return nil
}

// DeliverFloat writes a floating-point value (either a native Float field,
// or a ScaledInteger delivered with doScaling) into record index i.
func (b *SourceDestBuffer) DeliverFloat(i int, v float64) error {
	switch b.Kind {
	case F32:
		b.data.([]float32)[i] = float32(v)
	case F64:
		b.data.([]float64)[i] = v
	case I8, I16, I32, I64:
		if !b.DoConversion {
			return errs.New(errs.ConversionRequired, "float-to-integer delivery requires doConversion")
		}
		truncated := math.Trunc(v)
		if truncated > math.MaxInt64 || truncated < math.MinInt64 {
			return errs.Newf(errs.Real64TooLarge, "value %v out of int64 range", v)
		}
		return b.DeliverInt(i, int64(truncated))
	case UString:
		return errs.New(errs.ExpectingUString, "float field delivered into a string buffer")
	}
	return nil
}

// DeliverString writes a String field's value into record index i.
func (b *SourceDestBuffer) DeliverString(i int, v string) error {
	if b.Kind != UString {
		return errs.New(errs.ExpectingNumeric, "string field delivered into a numeric buffer")
	}
	b.data.([]string)[i] = v
	return nil
}

// --- encode-direction: collect a value from the buffer for a field ---

// CollectInt reads record index i as an integer, for delivery into an
// Integer or ScaledInteger field's raw-value slot.
func (b *SourceDestBuffer) CollectInt(i int) (int64, error) {
	switch b.Kind {
	case I8:
		return int64(b.data.([]int8)[i]), nil
	case I16:
		return int64(b.data.([]int16)[i]), nil
	case I32:
		return int64(b.data.([]int32)[i]), nil
	case I64:
		return b.data.([]int64)[i], nil
	case F32, F64:
		if !b.DoConversion {
			return 0, errs.New(errs.ConversionRequired, "float-to-integer collection requires doConversion")
		}
		v := b.floatAt(i)
		truncated := math.Trunc(v)
		if truncated > math.MaxInt64 || truncated < math.MinInt64 {
			return 0, errs.Newf(errs.Real64TooLarge, "value %v out of int64 range", v)
		}
		return int64(truncated), nil
	case UString:
		return 0, errs.New(errs.ExpectingNumeric, "string buffer collected as integer field")
	}
	return 0, errs.New(errs.InternalError, "unreachable buffer kind")
}

// CollectFloat reads record index i as a float64, for delivery into a
// Float field, or into a ScaledInteger field when DoScaling is set (the
// caller is then responsible for inverting scale/offset).
func (b *SourceDestBuffer) CollectFloat(i int) (float64, error) {
	if !b.isNumeric() {
		return 0, errs.New(errs.ExpectingNumeric, "string buffer collected as float field")
	}
	return b.floatAt(i), nil
}

func (b *SourceDestBuffer) floatAt(i int) float64 {
	switch b.Kind {
	case I8:
		return float64(b.data.([]int8)[i])
	case I16:
		return float64(b.data.([]int16)[i])
	case I32:
		return float64(b.data.([]int32)[i])
	case I64:
		return float64(b.data.([]int64)[i])
	case F32:
		return float64(b.data.([]float32)[i])
	case F64:
		return b.data.([]float64)[i]
	}
	return 0
}

// CollectString reads record index i as a string, for delivery into a
// String field.
func (b *SourceDestBuffer) CollectString(i int) (string, error) {
	if b.Kind != UString {
		return "", errs.New(errs.ExpectingUString, "numeric buffer collected as string field")
	}
	return b.data.([]string)[i], nil
}
