package e57

import "github.com/rtlab-ims-pub/libE57Format/internal/proto"

// SourceDestBuffer binds a prototype path to a contiguous, caller-owned
// typed array, with optional numeric conversion and scale/offset
// coercion (spec section 4.2).
type SourceDestBuffer = proto.SourceDestBuffer

// NewInt8Buffer binds path to an []int8 array.
func NewInt8Buffer(path string, data []int8) SourceDestBuffer { return proto.NewInt8Buffer(path, data) }

// NewInt16Buffer binds path to an []int16 array.
func NewInt16Buffer(path string, data []int16) SourceDestBuffer {
	return proto.NewInt16Buffer(path, data)
}

// NewInt32Buffer binds path to an []int32 array.
func NewInt32Buffer(path string, data []int32) SourceDestBuffer {
	return proto.NewInt32Buffer(path, data)
}

// NewInt64Buffer binds path to an []int64 array.
func NewInt64Buffer(path string, data []int64) SourceDestBuffer {
	return proto.NewInt64Buffer(path, data)
}

// NewFloat32Buffer binds path to a []float32 array.
func NewFloat32Buffer(path string, data []float32) SourceDestBuffer {
	return proto.NewFloat32Buffer(path, data)
}

// NewFloat64Buffer binds path to a []float64 array.
func NewFloat64Buffer(path string, data []float64) SourceDestBuffer {
	return proto.NewFloat64Buffer(path, data)
}

// NewStringBuffer binds path to a []string array.
func NewStringBuffer(path string, data []string) SourceDestBuffer {
	return proto.NewStringBuffer(path, data)
}
