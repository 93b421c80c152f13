package tree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rtlab-ims-pub/libE57Format/internal/errs"
)

func newOpenContainer() *Container {
	c := &Container{}
	NewRoot(c)
	return c
}

func TestNewIntegerBounds(t *testing.T) {
	c := newOpenContainer()

	tests := []struct {
		name            string
		value, min, max int64
		wantErr         bool
	}{
		{"in range", 5, 0, 10, false},
		{"at min", 0, 0, 10, false},
		{"at max", 10, 0, 10, false},
		{"below min", -1, 0, 10, true},
		{"above max", 11, 0, 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := NewInteger(c, tt.value, tt.min, tt.max)
			if tt.wantErr {
				require.Error(t, err)
				kind, ok := errs.KindOf(err)
				require.True(t, ok)
				require.Equal(t, errs.ValueOutOfBounds, kind)
				return
			}
			require.NoError(t, err)
			v, min, max, err := n.IntegerValue()
			require.NoError(t, err)
			require.Equal(t, tt.value, v)
			require.Equal(t, tt.min, min)
			require.Equal(t, tt.max, max)
		})
	}
}

func TestSetIntegerValueRevalidatesBounds(t *testing.T) {
	c := newOpenContainer()
	n, err := NewInteger(c, 5, 0, 10)
	require.NoError(t, err)

	require.NoError(t, n.SetIntegerValue(7))
	v, _, _, err := n.IntegerValue()
	require.NoError(t, err)
	require.Equal(t, int64(7), v)

	err = n.SetIntegerValue(11)
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.ValueOutOfBounds, kind)
}

func TestScaledIntegerScaled(t *testing.T) {
	c := newOpenContainer()
	n, err := NewScaledInteger(c, -500, -1000, 1000, 0.001, 0)
	require.NoError(t, err)

	scaled, err := n.Scaled()
	require.NoError(t, err)
	require.InDelta(t, -0.5, scaled, 1e-12)
}

func TestStructureSetFieldAttachment(t *testing.T) {
	c := newOpenContainer()
	child, err := NewInteger(c, 1, 0, 10)
	require.NoError(t, err)

	require.False(t, child.IsAttached())
	require.NoError(t, c.Root.SetField("count", child))
	require.True(t, child.IsAttached())
	require.Equal(t, "/count", child.PathName())

	// Re-attaching the same (now-attached) node anywhere fails.
	other, err := NewStructure(c)
	require.NoError(t, err)
	err = other.SetField("count2", child)
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.AlreadyHasParent, kind)
}

func TestSetFieldRejectsBadOrDuplicateName(t *testing.T) {
	c := newOpenContainer()

	bad, err := NewInteger(c, 1, 0, 10)
	require.NoError(t, err)
	err = c.Root.SetField("1bad", bad)
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.BadPathName, kind)

	a, err := NewInteger(c, 1, 0, 10)
	require.NoError(t, err)
	require.NoError(t, c.Root.SetField("x", a))

	b, err := NewInteger(c, 2, 0, 10)
	require.NoError(t, err)
	err = c.Root.SetField("x", b)
	require.Error(t, err)
	kind, _ = errs.KindOf(err)
	require.Equal(t, errs.BadPathName, kind)
}

func TestAttachingNodeFromAnotherContainerFails(t *testing.T) {
	cA := newOpenContainer()
	cB := newOpenContainer()

	n, err := NewInteger(cA, 1, 0, 10)
	require.NoError(t, err)

	err = cB.Root.SetField("x", n)
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.BadAPIArgument, kind)
}

func TestVectorHomogeneityEnforced(t *testing.T) {
	c := newOpenContainer()
	v, err := NewVector(c, false)
	require.NoError(t, err)

	i1, err := NewInteger(c, 1, 0, 10)
	require.NoError(t, err)
	require.NoError(t, v.AppendElement(i1))

	f1, err := NewFloat(c, 1.0, Single, 0, 10)
	require.NoError(t, err)
	err = v.AppendElement(f1)
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.BadAPIArgument, kind)

	i2, err := NewInteger(c, 2, 0, 10)
	require.NoError(t, err)
	require.NoError(t, v.AppendElement(i2))
	require.Len(t, v.elements, 2)
}

func TestVectorAllowsHeteroWhenFlagged(t *testing.T) {
	c := newOpenContainer()
	v, err := NewVector(c, true)
	require.NoError(t, err)

	i1, err := NewInteger(c, 1, 0, 10)
	require.NoError(t, err)
	require.NoError(t, v.AppendElement(i1))

	f1, err := NewFloat(c, 1.0, Single, 0, 10)
	require.NoError(t, err)
	require.NoError(t, v.AppendElement(f1))
}

func TestStructureOnceAttachedIsFrozen(t *testing.T) {
	c := newOpenContainer()
	inner, err := NewStructure(c)
	require.NoError(t, err)
	require.NoError(t, c.Root.SetField("inner", inner))

	late, err := NewInteger(c, 1, 0, 10)
	require.NoError(t, err)
	err = inner.SetField("late", late)
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.SetTwice, kind)
}

func TestRootRemainsOpenForFurtherAttachment(t *testing.T) {
	c := newOpenContainer()
	a, err := NewInteger(c, 1, 0, 10)
	require.NoError(t, err)
	require.NoError(t, c.Root.SetField("a", a))

	b, err := NewInteger(c, 2, 0, 10)
	require.NoError(t, err)
	require.NoError(t, c.Root.SetField("b", b))
}

func TestPathResolution(t *testing.T) {
	c := newOpenContainer()
	inner, err := NewStructure(c)
	require.NoError(t, err)

	// The subtree is built before it is attached: an attached Structure
	// is frozen (see TestStructureOnceAttachedIsFrozen).
	leaf, err := NewInteger(c, 42, 0, 100)
	require.NoError(t, err)
	require.NoError(t, inner.SetField("leaf", leaf))
	require.NoError(t, c.Root.SetField("group", inner))

	got, err := c.Root.GetPath("/group/leaf")
	require.NoError(t, err)
	require.Same(t, leaf, got)

	got, err = c.Root.GetPath("group/leaf")
	require.NoError(t, err)
	require.Same(t, leaf, got)

	_, err = c.Root.GetPath("/group/missing")
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.PathUndefined, kind)
}

func TestDowncastMismatchFails(t *testing.T) {
	c := newOpenContainer()
	n, err := NewInteger(c, 1, 0, 10)
	require.NoError(t, err)

	_, err = n.StringValue()
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.BadNodeDowncast, kind)
}

func TestTerminalFieldsPrototypeOrder(t *testing.T) {
	c := newOpenContainer()
	proto, err := NewStructure(c)
	require.NoError(t, err)

	id, err := NewInteger(c, 0, 0, 1000)
	require.NoError(t, err)
	require.NoError(t, proto.SetField("id", id))

	x, err := NewFloat(c, 0, Single, -1000, 1000)
	require.NoError(t, err)
	require.NoError(t, proto.SetField("x", x))

	nodes, paths, err := TerminalFields(proto)
	require.NoError(t, err)
	require.Equal(t, []string{"/id", "/x"}, paths)
	require.Len(t, nodes, 2)
}

func TestCheckInvariantDetectsOutOfBoundsAfterDirectFieldCorruption(t *testing.T) {
	c := newOpenContainer()
	n, err := NewInteger(c, 5, 0, 10)
	require.NoError(t, err)
	require.NoError(t, c.Root.SetField("n", n))

	require.NoError(t, n.CheckInvariant(true, false))

	// Simulate corruption bypassing SetIntegerValue's own bounds check.
	n.intValue = 999
	err = n.CheckInvariant(true, false)
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.InvarianceViolation, kind)
}

func TestCheckInvariantNoopOnClosedContainer(t *testing.T) {
	c := newOpenContainer()
	n, err := NewInteger(c, 5, 0, 10)
	require.NoError(t, err)
	c.Closed = true
	require.NoError(t, n.CheckInvariant(true, false))
}

func TestNewCompressedVectorRequiresStructurePrototype(t *testing.T) {
	c := newOpenContainer()
	notAStruct, err := NewInteger(c, 1, 0, 10)
	require.NoError(t, err)

	_, err = NewCompressedVector(c, notAStruct, nil)
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.BadAPIArgument, kind)
}

func TestCompressedVectorPrototypeAccessors(t *testing.T) {
	c := newOpenContainer()
	proto, err := NewStructure(c)
	require.NoError(t, err)
	id, err := NewInteger(c, 0, 0, 10)
	require.NoError(t, err)
	require.NoError(t, proto.SetField("id", id))

	cv, err := NewCompressedVector(c, proto, nil)
	require.NoError(t, err)

	got, err := cv.Prototype()
	require.NoError(t, err)
	require.Same(t, proto, got)

	count, err := cv.RecordCount()
	require.NoError(t, err)
	require.Zero(t, count)
}
