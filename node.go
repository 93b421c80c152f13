package e57

import "github.com/rtlab-ims-pub/libE57Format/internal/tree"

// Kind identifies which variant of the typed node union a Node holds
// (spec section 3).
type Kind = tree.Kind

// The eight node kinds of the E57 data model.
const (
	KindInteger          = tree.KindInteger
	KindScaledInteger    = tree.KindScaledInteger
	KindFloat            = tree.KindFloat
	KindString           = tree.KindString
	KindBlob             = tree.KindBlob
	KindVector           = tree.KindVector
	KindStructure        = tree.KindStructure
	KindCompressedVector = tree.KindCompressedVector
)

// Precision selects a Float node's floating-point domain.
type Precision = tree.Precision

// The two Float precisions.
const (
	Single = tree.Single
	Double = tree.Double
)

// Node is a handle into an ImageFile's typed node tree. It is a thin,
// copyable wrapper around the tree package's internal representation;
// all mutation and downcast rules live there (spec section 3/4.1).
type Node struct {
	n *tree.Node
}

func wrapNode(n *tree.Node) *Node {
	if n == nil {
		return nil
	}
	return &Node{n: n}
}

func unwrapNode(n *Node) *tree.Node {
	if n == nil {
		return nil
	}
	return n.n
}

// Kind returns the node's variant tag.
func (n *Node) Kind() Kind { return n.n.Kind() }

// IsRoot reports whether n is its ImageFile's root node.
func (n *Node) IsRoot() bool { return n.n.IsRoot() }

// Parent returns n's parent, or n itself if n is the root.
func (n *Node) Parent() *Node { return wrapNode(n.n.Parent()) }

// IsAttached reports whether n is reachable from its container's root.
func (n *Node) IsAttached() bool { return n.n.IsAttached() }

// ElementName returns the name n was attached under.
func (n *Node) ElementName() string { return n.n.ElementName() }

// PathName returns the absolute path from the root to n.
func (n *Node) PathName() string { return n.n.PathName() }

// SetField attaches child under name on a Structure node.
func (n *Node) SetField(name string, child *Node) error {
	return n.n.SetField(name, unwrapNode(child))
}

// AppendElement appends child to a Vector node.
func (n *Node) AppendElement(child *Node) error {
	return n.n.AppendElement(unwrapNode(child))
}

// AllowHeteroChildren reports a Vector node's heterogeneity flag.
func (n *Node) AllowHeteroChildren() (bool, error) { return n.n.AllowHeteroChildren() }

// Children returns the ordered child list of a Vector or Structure node.
func (n *Node) Children() ([]*Node, error) {
	kids, err := n.n.Children()
	if err != nil {
		return nil, err
	}
	out := make([]*Node, len(kids))
	for i, k := range kids {
		out[i] = wrapNode(k)
	}
	return out, nil
}

// Get resolves one path element (a field name on a Structure, a numeric
// index on a Vector).
func (n *Node) Get(elem string) (*Node, error) {
	child, err := n.n.Get(elem)
	if err != nil {
		return nil, err
	}
	return wrapNode(child), nil
}

// GetPath resolves an absolute or relative "/"-separated path.
func (n *Node) GetPath(path string) (*Node, error) {
	child, err := n.n.GetPath(path)
	if err != nil {
		return nil, err
	}
	return wrapNode(child), nil
}

// IntegerValue returns value, min, max for an Integer node.
func (n *Node) IntegerValue() (value, min, max int64, err error) { return n.n.IntegerValue() }

// SetIntegerValue updates an Integer node's value in place.
func (n *Node) SetIntegerValue(value int64) error { return n.n.SetIntegerValue(value) }

// ScaledIntegerValue returns raw, min, max, scale, offset for a
// ScaledInteger node.
func (n *Node) ScaledIntegerValue() (raw, min, max int64, scale, offset float64, err error) {
	return n.n.ScaledIntegerValue()
}

// Scaled returns a ScaledInteger node's value as raw*scale + offset.
func (n *Node) Scaled() (float64, error) { return n.n.Scaled() }

// FloatValue returns value, precision, min, max for a Float node.
func (n *Node) FloatValue() (value float64, precision Precision, min, max float64, err error) {
	return n.n.FloatValue()
}

// StringValue returns a String node's content.
func (n *Node) StringValue() (string, error) { return n.n.StringValue() }

// ByteCount returns a Blob node's declared length.
func (n *Node) ByteCount() (uint64, error) { return n.n.ByteCount() }

// Prototype returns a CompressedVector node's record-template subtree.
func (n *Node) Prototype() (*Node, error) {
	p, err := n.n.Prototype()
	if err != nil {
		return nil, err
	}
	return wrapNode(p), nil
}

// Codecs returns a CompressedVector node's codec-hint subtree, if any.
func (n *Node) Codecs() (*Node, error) {
	c, err := n.n.Codecs()
	if err != nil {
		return nil, err
	}
	return wrapNode(c), nil
}

// RecordCount returns a CompressedVector node's declared record count.
func (n *Node) RecordCount() (uint64, error) { return n.n.RecordCount() }

// DataPacketOffset returns the logical offset of a CompressedVector
// node's first data packet.
func (n *Node) DataPacketOffset() (uint64, error) { return n.n.DataPacketOffset() }

// CheckInvariant validates n against the structural invariants of spec
// section 3, optionally recursing into aggregate children. doUpcast is
// accepted for API symmetry with the reference model; this package
// always operates on the concrete, already-downcast node.
func (n *Node) CheckInvariant(doRecurse, doUpcast bool) error {
	return n.n.CheckInvariant(doRecurse, doUpcast)
}

// --- constructors ---

// NewInteger creates a detached Integer node with value constrained to
// [min, max].
func NewInteger(img *ImageFile, value, min, max int64) (*Node, error) {
	n, err := tree.NewInteger(img.container, value, min, max)
	if err != nil {
		return nil, err
	}
	return wrapNode(n), nil
}

// NewScaledInteger creates a detached ScaledInteger node. The delivered
// value is raw*scale + offset.
func NewScaledInteger(img *ImageFile, raw, min, max int64, scale, offset float64) (*Node, error) {
	n, err := tree.NewScaledInteger(img.container, raw, min, max, scale, offset)
	if err != nil {
		return nil, err
	}
	return wrapNode(n), nil
}

// NewFloat creates a detached Float node of the given precision.
func NewFloat(img *ImageFile, value float64, precision Precision, min, max float64) (*Node, error) {
	n, err := tree.NewFloat(img.container, value, precision, min, max)
	if err != nil {
		return nil, err
	}
	return wrapNode(n), nil
}

// NewString creates a detached String node.
func NewString(img *ImageFile, value string) (*Node, error) {
	n, err := tree.NewString(img.container, value)
	if err != nil {
		return nil, err
	}
	return wrapNode(n), nil
}

// NewBlob creates a detached Blob node of the given declared length.
func NewBlob(img *ImageFile, byteCount uint64) (*Node, error) {
	n, err := tree.NewBlob(img.container, byteCount)
	if err != nil {
		return nil, err
	}
	return wrapNode(n), nil
}

// NewVector creates a detached, empty Vector node.
func NewVector(img *ImageFile, allowHeteroChildren bool) (*Node, error) {
	n, err := tree.NewVector(img.container, allowHeteroChildren)
	if err != nil {
		return nil, err
	}
	return wrapNode(n), nil
}

// NewStructure creates a detached, empty Structure node.
func NewStructure(img *ImageFile) (*Node, error) {
	n, err := tree.NewStructure(img.container)
	if err != nil {
		return nil, err
	}
	return wrapNode(n), nil
}

// NewCompressedVector creates a detached CompressedVector node bound to
// a homogeneous prototype Structure; codecs is an optional codec-hint
// subtree.
func NewCompressedVector(img *ImageFile, prototype, codecs *Node) (*Node, error) {
	n, err := tree.NewCompressedVector(img.container, unwrapNode(prototype), unwrapNode(codecs))
	if err != nil {
		return nil, err
	}
	return wrapNode(n), nil
}
