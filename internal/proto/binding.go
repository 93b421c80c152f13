package proto

import (
	"github.com/rtlab-ims-pub/libE57Format/internal/errs"
	"github.com/rtlab-ims-pub/libE57Format/internal/tree"
)

// Prototype is the ordered, flattened view of a CompressedVector's record
// template: one entry per terminal field, in prototype (declaration)
// order (spec section 4.4, "in prototype order").
type Prototype struct {
	Fields []*tree.Node
	Paths  []string
}

// BuildPrototype flattens a CompressedVector node's prototype subtree.
func BuildPrototype(compressedVector *tree.Node) (*Prototype, error) {
	protoNode, err := compressedVector.Prototype()
	if err != nil {
		return nil, err
	}
	fields, paths, err := tree.TerminalFields(protoNode)
	if err != nil {
		return nil, errs.Wrap(errs.BadAPIArgument, "invalid prototype", err)
	}
	return &Prototype{Fields: fields, Paths: paths}, nil
}

// Binding is a validated association between a Prototype and a set of
// SourceDestBuffers, indexed in prototype order.
type Binding struct {
	Prototype *Prototype
	Buffers   []*SourceDestBuffer
	Capacity  int
}

// Bind validates buffers against prototype per the binding contract of
// spec section 4.2:
//   - every buffer has the same Capacity (BufferSizeMismatch otherwise,
//     since a capacity mismatch is, by construction, a sizing error)
//   - the set of bound paths exactly equals the set of terminal field
//     paths (PathUndefined for a prototype path with no buffer,
//     BufferDuplicatePathName for a path bound twice,
//     BufferSizeMismatch for a bound path absent from the prototype)
func Bind(prototype *Prototype, buffers []*SourceDestBuffer) (*Binding, error) {
	if len(buffers) == 0 {
		return nil, errs.New(errs.BadAPIArgument, "no buffers supplied")
	}

	capacity := buffers[0].Capacity()
	byPath := make(map[string]*SourceDestBuffer, len(buffers))
	for _, b := range buffers {
		if b.Capacity() != capacity {
			return nil, errs.New(errs.BufferSizeMismatch, "all buffers must share the same capacity")
		}
		if _, dup := byPath[b.Path]; dup {
			return nil, errs.Newf(errs.BufferDuplicatePathName, "path %q bound more than once", b.Path)
		}
		byPath[b.Path] = b
	}

	ordered := make([]*SourceDestBuffer, len(prototype.Paths))
	seen := make(map[string]bool, len(prototype.Paths))
	for i, path := range prototype.Paths {
		b, ok := byPath[path]
		if !ok {
			return nil, errs.Newf(errs.PathUndefined, "no buffer bound for prototype field %q", path)
		}
		ordered[i] = b
		seen[path] = true
	}
	for path := range byPath {
		if !seen[path] {
			return nil, errs.Newf(errs.BufferSizeMismatch, "buffer bound to %q, which is not a prototype field", path)
		}
	}

	return &Binding{Prototype: prototype, Buffers: ordered, Capacity: capacity}, nil
}

// Rebind replaces the Binding's buffers with a freshly validated set,
// enforcing that only Base/Capacity/StrideBytes differ from the existing
// binding (spec section 4.2: "Rebinding between reads may replace base,
// stride_bytes, capacity only -- any other change is an error").
func (bind *Binding) Rebind(buffers []*SourceDestBuffer) error {
	next, err := Bind(bind.Prototype, buffers)
	if err != nil {
		return err
	}
	for i, old := range bind.Buffers {
		nb := next.Buffers[i]
		if old.Path != nb.Path || old.Kind != nb.Kind || old.DoConversion != nb.DoConversion || old.DoScaling != nb.DoScaling {
			return errs.New(errs.BadAPIArgument, "rebind may only change base, capacity and stride")
		}
	}
	bind.Buffers = next.Buffers
	bind.Capacity = next.Capacity
	return nil
}
