// Package tree implements the typed node model described in spec section 3
// and section 4.1: a tagged variant of Integer/ScaledInteger/Float/String/
// Blob/Vector/Structure/CompressedVector nodes with parent/child links,
// attachment semantics and path resolution.
//
// The shape follows the teacher library's approach to HDF5 object headers
// (internal/core.ObjectHeader + its typed Message variants): a common
// envelope (parent pointer, container reference, element name) wrapping a
// tagged payload, with downcast performed by checking the tag.
package tree

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rtlab-ims-pub/libE57Format/internal/errs"
)

// Kind tags which variant of the node union is active.
type Kind uint8

const (
	KindInteger Kind = iota
	KindScaledInteger
	KindFloat
	KindString
	KindBlob
	KindVector
	KindStructure
	KindCompressedVector
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "Integer"
	case KindScaledInteger:
		return "ScaledInteger"
	case KindFloat:
		return "Float"
	case KindString:
		return "String"
	case KindBlob:
		return "Blob"
	case KindVector:
		return "Vector"
	case KindStructure:
		return "Structure"
	case KindCompressedVector:
		return "CompressedVector"
	default:
		return "Unknown"
	}
}

// Precision selects the floating-point domain of a Float node.
type Precision uint8

const (
	Single Precision = iota
	Double
)

// Container is the minimal view of an ImageFile that the tree package needs:
// identity (for "declared against" checks), open/closed state, and a root
// pointer. The public e57.ImageFile holds a pointer to one of these.
type Container struct {
	Closed   bool
	Root     *Node
	ReadOnly bool

	// Sick, once non-nil, is the error that poisoned every handle derived
	// from this container (spec section 7: I/O/structural errors mark the
	// container sick).
	Sick error
}

// IsOpen reports whether the container is still usable: not closed and
// not sickened by a prior I/O or structural error (spec section 7).
func (c *Container) IsOpen() bool {
	return c != nil && !c.Closed && c.Sick == nil
}

// MarkSick records the first sickening error for the container. Later
// calls are no-ops, matching "the original error kind" language in spec
// section 4.5.
func (c *Container) MarkSick(err error) {
	if c.Sick == nil {
		c.Sick = err
	}
}

// Node is the tagged node union. Exactly one group of fields is
// meaningful, selected by Kind.
type Node struct {
	kind        Kind
	container   *Container
	parent      *Node
	elementName string
	attached    bool
	locked      bool // true once a writer has started consuming this subtree

	// Integer / ScaledInteger (raw_value lives in intValue for both).
	intValue     int64
	intMin       int64
	intMax       int64
	scale        float64 // ScaledInteger only
	offset       float64 // ScaledInteger only

	// Float
	floatValue float64
	precision  Precision
	floatMin   float64
	floatMax   float64

	// String
	strValue string

	// Blob
	blobByteCount uint64

	// Vector
	allowHetero bool
	elements    []*Node

	// Structure
	fieldOrder  []string
	fields      map[string]*Node

	// CompressedVector
	prototype         *Node
	codecs            *Node
	recordCount       uint64
	dataPacketOffset  uint64
	indexPacketOffset uint64
}

// Kind returns the node's variant tag.
func (n *Node) Kind() Kind { return n.kind }

// DestImageFile returns the container this node was declared against.
func (n *Node) DestImageFile() *Container { return n.container }

// IsRoot reports whether n is its container's root node.
func (n *Node) IsRoot() bool {
	return n.parent == nil && n.container != nil && n.container.Root == n
}

// Parent returns n's parent, or n itself if n is the root (spec 4.1).
func (n *Node) Parent() *Node {
	if n.parent == nil {
		return n
	}
	return n.parent
}

// IsAttached reports whether n is reachable from its container's root.
func (n *Node) IsAttached() bool { return n.attached }

// ElementName returns the name n was attached under (empty for the root
// or for a node that has never been given a parent).
func (n *Node) ElementName() string { return n.elementName }

// PathName returns the absolute, "/"-separated path from the root to n.
func (n *Node) PathName() string {
	if n.IsRoot() {
		return "/"
	}
	if n.parent == nil {
		return n.elementName
	}
	parentPath := n.parent.PathName()
	if parentPath == "/" {
		return "/" + n.elementName
	}
	return parentPath + "/" + n.elementName
}

func requireOpen(c *Container) error {
	if c == nil || c.Closed {
		return errs.New(errs.ImageFileNotOpen, "container is not open")
	}
	if c.Sick != nil {
		return errs.Wrap(errs.ImageFileNotOpen, "container is sick", c.Sick)
	}
	return nil
}

func requireWritable(c *Container) error {
	if err := requireOpen(c); err != nil {
		return err
	}
	if c.ReadOnly {
		return errs.New(errs.FileReadOnly, "container was opened read-only")
	}
	return nil
}

// NewRoot creates the empty root Structure node for a freshly opened
// container. It is attached immediately and exempt from the
// already-attached SetTwice rule (spec 3, Lifecycle: "A container's root
// is created at open").
func NewRoot(c *Container) *Node {
	n := &Node{
		kind:     KindStructure,
		container: c,
		attached: true,
		fields:   make(map[string]*Node),
	}
	c.Root = n
	return n
}

// NewInteger creates a detached Integer node with value in [min,max],
// validated eagerly (spec 3, Lifecycle).
func NewInteger(c *Container, value, min, max int64) (*Node, error) {
	if err := requireWritable(c); err != nil {
		return nil, err
	}
	if !(min <= value && value <= max) {
		return nil, errs.Newf(errs.ValueOutOfBounds, "integer value %d outside [%d,%d]", value, min, max)
	}
	return &Node{kind: KindInteger, container: c, intValue: value, intMin: min, intMax: max}, nil
}

// NewScaledInteger creates a detached ScaledInteger node. raw must satisfy
// min <= raw <= max; scaled = raw*scale + offset.
func NewScaledInteger(c *Container, raw, min, max int64, scale, offset float64) (*Node, error) {
	if err := requireWritable(c); err != nil {
		return nil, err
	}
	if !(min <= raw && raw <= max) {
		return nil, errs.Newf(errs.ValueOutOfBounds, "scaled-integer raw value %d outside [%d,%d]", raw, min, max)
	}
	return &Node{kind: KindScaledInteger, container: c, intValue: raw, intMin: min, intMax: max, scale: scale, offset: offset}, nil
}

// NewFloat creates a detached Float node of the given precision.
func NewFloat(c *Container, value float64, precision Precision, min, max float64) (*Node, error) {
	if err := requireWritable(c); err != nil {
		return nil, err
	}
	if !(min <= value && value <= max) {
		return nil, errs.Newf(errs.ValueOutOfBounds, "float value %v outside [%v,%v]", value, min, max)
	}
	return &Node{kind: KindFloat, container: c, floatValue: value, precision: precision, floatMin: min, floatMax: max}, nil
}

// NewString creates a detached String node.
func NewString(c *Container, value string) (*Node, error) {
	if err := requireWritable(c); err != nil {
		return nil, err
	}
	if len(value) >= (1 << 31) {
		return nil, errs.New(errs.BadAPIArgument, "string length out of range")
	}
	return &Node{kind: KindString, container: c, strValue: value}, nil
}

// NewBlob creates a detached Blob node of the given declared length. The
// byte content itself is managed by the caller (e57 package) via the
// file's binary section; the tree package only tracks the declared size.
func NewBlob(c *Container, byteCount uint64) (*Node, error) {
	if err := requireWritable(c); err != nil {
		return nil, err
	}
	return &Node{kind: KindBlob, container: c, blobByteCount: byteCount}, nil
}

// NewVector creates a detached, empty Vector node.
func NewVector(c *Container, allowHeteroChildren bool) (*Node, error) {
	if err := requireWritable(c); err != nil {
		return nil, err
	}
	return &Node{kind: KindVector, container: c, allowHetero: allowHeteroChildren}, nil
}

// NewStructure creates a detached, empty Structure node.
func NewStructure(c *Container) (*Node, error) {
	if err := requireWritable(c); err != nil {
		return nil, err
	}
	return &Node{kind: KindStructure, container: c, fields: make(map[string]*Node)}, nil
}

// NewCompressedVector creates a detached CompressedVector node bound to a
// homogeneous prototype. prototype must be a detached Structure of
// terminal typed nodes; it becomes owned by the new node.
func NewCompressedVector(c *Container, prototype, codecs *Node) (*Node, error) {
	if err := requireWritable(c); err != nil {
		return nil, err
	}
	if prototype == nil || prototype.kind != KindStructure {
		return nil, errs.New(errs.BadAPIArgument, "prototype must be a Structure node")
	}
	if prototype.container != c {
		return nil, errs.New(errs.BadAPIArgument, "prototype declared against a different container")
	}
	if prototype.parent != nil {
		return nil, errs.New(errs.AlreadyHasParent, "prototype is already attached elsewhere")
	}
	cv := &Node{kind: KindCompressedVector, container: c, prototype: prototype, codecs: codecs}
	prototype.parent = cv
	prototype.elementName = "prototype"
	if codecs != nil {
		codecs.parent = cv
		codecs.elementName = "codecs"
	}
	return cv, nil
}

var identFirst = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ_"
var identRest = identFirst + "0123456789"

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	if !strings.ContainsRune(identFirst, rune(name[0])) {
		return false
	}
	for i := 1; i < len(name); i++ {
		if !strings.ContainsRune(identRest, rune(name[i])) {
			return false
		}
	}
	return true
}

// markAttached marks n and its whole subtree attached. It does not change
// any node's locked flag.
func markAttached(n *Node) {
	if n.attached {
		return
	}
	n.attached = true
	switch n.kind {
	case KindVector:
		for _, child := range n.elements {
			markAttached(child)
		}
	case KindStructure:
		for _, name := range n.fieldOrder {
			markAttached(n.fields[name])
		}
	case KindCompressedVector:
		markAttached(n.prototype)
		if n.codecs != nil {
			markAttached(n.codecs)
		}
	}
}

// mutationGuard enforces the shared preconditions for Set on Structure and
// Vector receivers (spec 4.1, "Mutation rules").
func mutationGuard(parent, child *Node) error {
	if err := requireOpen(parent.container); err != nil {
		return err
	}
	// The root is the one node whose child list may keep growing after it
	// becomes attached -- that is how a tree gets built under it at all.
	// Any other already-attached Structure/Vector is structurally frozen
	// (spec 3: "Once attached, its subtree is immutable in structural
	// shape").
	if parent.attached && !parent.IsRoot() {
		return errs.New(errs.SetTwice, "node is already attached; structural shape is frozen")
	}
	if parent.locked {
		return errs.New(errs.SetTwice, "node is locked by an active writer")
	}
	if child == nil {
		return errs.New(errs.BadAPIArgument, "child must not be nil")
	}
	if child.container != parent.container {
		return errs.New(errs.BadAPIArgument, "child declared against a different container")
	}
	if child.parent != nil {
		return errs.New(errs.AlreadyHasParent, "child already has a parent")
	}
	return nil
}

// SetField attaches child under name on a Structure receiver.
func (n *Node) SetField(name string, child *Node) error {
	if n.kind != KindStructure {
		return errs.Newf(errs.BadNodeDowncast, "SetField on non-Structure node (%s)", n.kind)
	}
	if err := mutationGuard(n, child); err != nil {
		return err
	}
	if !validIdentifier(name) {
		return errs.Newf(errs.BadPathName, "invalid element name %q", name)
	}
	if _, exists := n.fields[name]; exists {
		return errs.Newf(errs.BadPathName, "duplicate element name %q", name)
	}
	child.parent = n
	child.elementName = name
	n.fields[name] = child
	n.fieldOrder = append(n.fieldOrder, name)
	if n.attached {
		markAttached(child)
	}
	return nil
}

// AppendElement appends child to a Vector receiver, validating homogeneity
// when AllowHeteroChildren is false.
func (n *Node) AppendElement(child *Node) error {
	if n.kind != KindVector {
		return errs.Newf(errs.BadNodeDowncast, "AppendElement on non-Vector node (%s)", n.kind)
	}
	if err := mutationGuard(n, child); err != nil {
		return err
	}
	if !n.allowHetero && len(n.elements) > 0 {
		if !sameShape(n.elements[0], child) {
			return errs.New(errs.BadAPIArgument, "heterogeneous child in a homogeneous Vector")
		}
	}
	child.parent = n
	child.elementName = strconv.Itoa(len(n.elements))
	n.elements = append(n.elements, child)
	if n.attached {
		markAttached(child)
	}
	return nil
}

// sameShape reports whether a and b have structurally identical types, as
// required for Vector nodes with AllowHeteroChildren == false.
func sameShape(a, b *Node) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindStructure:
		if len(a.fieldOrder) != len(b.fieldOrder) {
			return false
		}
		for i, name := range a.fieldOrder {
			if b.fieldOrder[i] != name {
				return false
			}
			if !sameShape(a.fields[name], b.fields[name]) {
				return false
			}
		}
		return true
	case KindVector:
		return a.allowHetero == b.allowHetero
	default:
		return true
	}
}

// AllowHeteroChildren reports the heterogeneity flag of a Vector node.
func (n *Node) AllowHeteroChildren() (bool, error) {
	if n.kind != KindVector {
		return false, errs.Newf(errs.BadNodeDowncast, "AllowHeteroChildren on non-Vector node (%s)", n.kind)
	}
	return n.allowHetero, nil
}

// Children returns the ordered child list of a Vector or Structure node.
func (n *Node) Children() ([]*Node, error) {
	switch n.kind {
	case KindVector:
		out := make([]*Node, len(n.elements))
		copy(out, n.elements)
		return out, nil
	case KindStructure:
		out := make([]*Node, len(n.fieldOrder))
		for i, name := range n.fieldOrder {
			out[i] = n.fields[name]
		}
		return out, nil
	default:
		return nil, errs.Newf(errs.BadNodeDowncast, "Children on terminal node (%s)", n.kind)
	}
}

// Get resolves a single path element (a field name on a Structure or a
// numeric index on a Vector) to its child.
func (n *Node) Get(elem string) (*Node, error) {
	switch n.kind {
	case KindStructure:
		child, ok := n.fields[elem]
		if !ok {
			return nil, errs.Newf(errs.PathUndefined, "no field %q", elem)
		}
		return child, nil
	case KindVector:
		idx, err := strconv.Atoi(elem)
		if err != nil || idx < 0 || idx >= len(n.elements) {
			return nil, errs.Newf(errs.PathUndefined, "no element %q", elem)
		}
		return n.elements[idx], nil
	default:
		return nil, errs.Newf(errs.BadNodeDowncast, "Get on terminal node (%s)", n.kind)
	}
}

// GetPath resolves an absolute or relative "/"-separated path starting
// from n (n is typically a container's root).
func (n *Node) GetPath(path string) (*Node, error) {
	cur := n
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return n, nil
	}
	for _, elem := range strings.Split(path, "/") {
		next, err := cur.Get(elem)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// --- terminal accessors, each a downcast guarded by a Kind check ---

func (n *Node) checkKind(k Kind) error {
	if n.kind != k {
		return errs.Newf(errs.BadNodeDowncast, "expected %s, got %s", k, n.kind)
	}
	return nil
}

// IntegerValue returns value, min, max for an Integer node.
func (n *Node) IntegerValue() (value, min, max int64, err error) {
	if err = n.checkKind(KindInteger); err != nil {
		return
	}
	return n.intValue, n.intMin, n.intMax, nil
}

// SetIntegerValue updates an Integer node's value in place, re-validating
// bounds. Structural shape (parent/child links) is unaffected, so this is
// legal even on an attached node.
func (n *Node) SetIntegerValue(value int64) error {
	if err := n.checkKind(KindInteger); err != nil {
		return err
	}
	if !(n.intMin <= value && value <= n.intMax) {
		return errs.Newf(errs.ValueOutOfBounds, "integer value %d outside [%d,%d]", value, n.intMin, n.intMax)
	}
	n.intValue = value
	return nil
}

// ScaledIntegerValue returns raw, min, max, scale, offset for a
// ScaledInteger node.
func (n *Node) ScaledIntegerValue() (raw, min, max int64, scale, offset float64, err error) {
	if err = n.checkKind(KindScaledInteger); err != nil {
		return
	}
	return n.intValue, n.intMin, n.intMax, n.scale, n.offset, nil
}

// Scaled returns the node's value converted to floating point:
// raw*scale + offset.
func (n *Node) Scaled() (float64, error) {
	if err := n.checkKind(KindScaledInteger); err != nil {
		return 0, err
	}
	return float64(n.intValue)*n.scale + n.offset, nil
}

// FloatValue returns value, precision, min, max for a Float node.
func (n *Node) FloatValue() (value float64, precision Precision, min, max float64, err error) {
	if err = n.checkKind(KindFloat); err != nil {
		return
	}
	return n.floatValue, n.precision, n.floatMin, n.floatMax, nil
}

// StringValue returns a String node's content.
func (n *Node) StringValue() (string, error) {
	if err := n.checkKind(KindString); err != nil {
		return "", err
	}
	return n.strValue, nil
}

// ByteCount returns a Blob node's declared length.
func (n *Node) ByteCount() (uint64, error) {
	if err := n.checkKind(KindBlob); err != nil {
		return 0, err
	}
	return n.blobByteCount, nil
}

// Prototype returns a CompressedVector node's record-template subtree.
func (n *Node) Prototype() (*Node, error) {
	if err := n.checkKind(KindCompressedVector); err != nil {
		return nil, err
	}
	return n.prototype, nil
}

// Codecs returns a CompressedVector node's codec-hint subtree, if any.
func (n *Node) Codecs() (*Node, error) {
	if err := n.checkKind(KindCompressedVector); err != nil {
		return nil, err
	}
	return n.codecs, nil
}

// RecordCount returns a CompressedVector node's declared record count.
func (n *Node) RecordCount() (uint64, error) {
	if err := n.checkKind(KindCompressedVector); err != nil {
		return 0, err
	}
	return n.recordCount, nil
}

// SetRecordCountAndOffset patches a CompressedVector node's header fields;
// called by the write engine at Close (spec 4.6).
func (n *Node) SetRecordCountAndOffset(count, dataPacketOffset uint64) error {
	if err := n.checkKind(KindCompressedVector); err != nil {
		return err
	}
	n.recordCount = count
	n.dataPacketOffset = dataPacketOffset
	return nil
}

// DataPacketOffset returns the logical offset of the first data packet.
func (n *Node) DataPacketOffset() (uint64, error) {
	if err := n.checkKind(KindCompressedVector); err != nil {
		return 0, err
	}
	return n.dataPacketOffset, nil
}

// SetIndexOffset records the logical offset of the first index packet in
// this CompressedVector's seek table (SPEC_FULL.md, "Open Question
// decisions", #2). Zero means no index packet was written (no records).
func (n *Node) SetIndexOffset(offset uint64) error {
	if err := n.checkKind(KindCompressedVector); err != nil {
		return err
	}
	n.indexPacketOffset = offset
	return nil
}

// IndexOffset returns the logical offset of the first index packet.
func (n *Node) IndexOffset() (uint64, error) {
	if err := n.checkKind(KindCompressedVector); err != nil {
		return 0, err
	}
	return n.indexPacketOffset, nil
}

// Lock marks the CompressedVector's prototype subtree immutable for the
// duration of an active writer (spec 4.1, SetTwice note).
func (n *Node) Lock() error {
	if err := n.checkKind(KindCompressedVector); err != nil {
		return err
	}
	n.locked = true
	n.prototype.locked = true
	return nil
}

// Unlock releases the lock taken by Lock, called when a writer closes.
func (n *Node) Unlock() error {
	if err := n.checkKind(KindCompressedVector); err != nil {
		return err
	}
	n.locked = false
	n.prototype.locked = false
	return nil
}

// TerminalFields walks a Structure-shaped prototype in depth-first,
// field-declaration order and returns every terminal (non-Vector,
// non-Structure) node together with its path relative to the prototype
// root. This is the "prototype order" referenced throughout spec 4.4.
func TerminalFields(prototype *Node) ([]*Node, []string, error) {
	if err := prototype.checkKind(KindStructure); err != nil {
		return nil, nil, err
	}
	var nodes []*Node
	var paths []string
	var walk func(n *Node, path string) error
	walk = func(n *Node, path string) error {
		switch n.kind {
		case KindStructure:
			for _, name := range n.fieldOrder {
				child := n.fields[name]
				childPath := path + "/" + name
				if err := walk(child, childPath); err != nil {
					return err
				}
			}
			return nil
		case KindVector:
			return fmt.Errorf("vector fields are not supported inside a CompressedVector prototype")
		default:
			nodes = append(nodes, n)
			paths = append(paths, path)
			return nil
		}
	}
	if err := walk(prototype, ""); err != nil {
		return nil, nil, err
	}
	return nodes, paths, nil
}

// CheckInvariant validates the externally visible predicates of spec
// section 3 for n, optionally recursing into aggregate children (spec
// 4.7). doUpcast is accepted for interface symmetry with the public
// e57.Node.CheckInvariant but has no effect at this layer: every node here
// is already the concrete, already-downcast representation.
func (n *Node) CheckInvariant(doRecurse, doUpcast bool) error {
	_ = doUpcast
	if n.container == nil || n.container.Closed {
		return nil
	}
	switch n.kind {
	case KindInteger, KindScaledInteger:
		if !(n.intMin <= n.intValue && n.intValue <= n.intMax) {
			return errs.New(errs.InvarianceViolation, "integer value outside [min,max]")
		}
	case KindFloat:
		if !(n.floatMin <= n.floatValue && n.floatValue <= n.floatMax) {
			return errs.New(errs.InvarianceViolation, "float value outside [min,max]")
		}
	case KindVector:
		if !n.allowHetero {
			for i := 1; i < len(n.elements); i++ {
				if !sameShape(n.elements[0], n.elements[i]) {
					return errs.New(errs.InvarianceViolation, "heterogeneous children in homogeneous vector")
				}
			}
		}
		if doRecurse {
			for _, child := range n.elements {
				if err := child.CheckInvariant(doRecurse, doUpcast); err != nil {
					return err
				}
			}
		}
	case KindStructure:
		if doRecurse {
			for _, name := range n.fieldOrder {
				if err := n.fields[name].CheckInvariant(doRecurse, doUpcast); err != nil {
					return err
				}
			}
		}
	case KindCompressedVector:
		if n.prototype == nil || n.prototype.kind != KindStructure {
			return errs.New(errs.InvarianceViolation, "compressed-vector prototype must be a structure")
		}
		if doRecurse {
			if err := n.prototype.CheckInvariant(doRecurse, doUpcast); err != nil {
				return err
			}
		}
	}
	seen := make(map[*Node]bool)
	for p := n; p != nil; p = p.parent {
		if seen[p] {
			return errs.New(errs.InvarianceViolation, "cycle detected in parent chain")
		}
		seen[p] = true
	}
	return nil
}
