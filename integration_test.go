package e57

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// TestSingleIntegerFieldRoundTrip is spec section 8 scenario 1: 1000 records,
// values 0..999, bounds [0,1023] (10 bits/value), exact readback.
func TestSingleIntegerFieldRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ints.e57")
	img, cv := newSingleIntContainer(t, path)

	want := make([]int32, 1000)
	for i := range want {
		want[i] = int32(i)
	}

	w, err := NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", want)})
	require.NoError(t, err)
	require.NoError(t, w.Write(len(want)))
	require.NoError(t, w.Close())

	got := make([]int32, len(want))
	r, err := NewReader(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", got)})
	require.NoError(t, err)

	n, err := r.Read(len(got))
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	require.Empty(t, cmp.Diff(want, got))

	n, err = r.Read(1)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, r.Close())
}

// TestScaledIntegerRoundTrip is spec section 8 scenario 2.
func TestScaledIntegerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scaled.e57")
	img, err := Create(path)
	require.NoError(t, err)

	proto, err := NewStructure(img)
	require.NoError(t, err)
	si, err := NewScaledInteger(img, -1000, -1000, 1000, 0.001, 0)
	require.NoError(t, err)
	require.NoError(t, proto.SetField("v", si))
	cv, err := NewCompressedVector(img, proto, nil)
	require.NoError(t, err)
	require.NoError(t, img.Root().SetField("points", cv))

	raw := make([]int64, 2001)
	for i := range raw {
		raw[i] = int64(i) - 1000
	}

	w, err := NewWriter(img, cv, []SourceDestBuffer{NewInt64Buffer("/v", raw)})
	require.NoError(t, err)
	require.NoError(t, w.Write(len(raw)))
	require.NoError(t, w.Close())

	delivered := make([]float64, len(raw))
	r, err := NewReader(img, cv, []SourceDestBuffer{NewFloat64Buffer("/v", delivered).WithScaling()})
	require.NoError(t, err)
	n, err := r.Read(len(delivered))
	require.NoError(t, err)
	require.Equal(t, len(raw), n)
	require.NoError(t, r.Close())

	for i, rawVal := range raw {
		require.InDelta(t, float64(rawVal)*0.001, delivered[i], 1e-12)
	}
}

// TestTwoFieldReadInBatches is spec section 8 scenario 3.
func TestTwoFieldReadInBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twofield.e57")
	img, err := Create(path)
	require.NoError(t, err)

	proto, err := NewStructure(img)
	require.NoError(t, err)
	id, err := NewInteger(img, 0, 0, 1<<30)
	require.NoError(t, err)
	require.NoError(t, proto.SetField("id", id))
	x, err := NewFloat(img, 0, Single, -1e6, 1e6)
	require.NoError(t, err)
	require.NoError(t, proto.SetField("x", x))
	cv, err := NewCompressedVector(img, proto, nil)
	require.NoError(t, err)
	require.NoError(t, img.Root().SetField("points", cv))

	const total = 10000
	rng := rand.New(rand.NewSource(1))
	ids := make([]int32, total)
	xs := make([]float32, total)
	for i := 0; i < total; i++ {
		ids[i] = rng.Int31n(1 << 20)
		xs[i] = rng.Float32()*2000 - 1000
	}

	w, err := NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", ids), NewFloat32Buffer("/x", xs)})
	require.NoError(t, err)
	require.NoError(t, w.Write(total))
	require.NoError(t, w.Close())

	rc, err := cv.RecordCount()
	require.NoError(t, err)
	require.Equal(t, uint64(total), rc)

	gotIDs := make([]int32, total)
	gotXs := make([]float32, total)
	r, err := NewReader(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", gotIDs), NewFloat32Buffer("/x", gotXs)})
	require.NoError(t, err)

	// Every Read delivers into buffer positions [0, n).
	n1, err := r.Read(5000)
	require.NoError(t, err)
	require.Equal(t, 5000, n1)
	require.Empty(t, cmp.Diff(ids[:5000], gotIDs[:5000]))
	require.Empty(t, cmp.Diff(xs[:5000], gotXs[:5000]))

	n2, err := r.Read(5000)
	require.NoError(t, err)
	require.Equal(t, 5000, n2)
	require.Empty(t, cmp.Diff(ids[5000:], gotIDs[:5000]))
	require.Empty(t, cmp.Diff(xs[5000:], gotXs[:5000]))

	n3, err := r.Read(1)
	require.NoError(t, err)
	require.Zero(t, n3)

	require.NoError(t, r.Close())
}

// TestSeekMatchesReadFromStartAndDiscard is spec section 8, "Seek" property.
func TestSeekMatchesReadFromStartAndDiscard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seek.e57")
	img, cv := newSingleIntContainer(t, path)

	const total = 500
	want := make([]int32, total)
	for i := range want {
		want[i] = int32(i)
	}
	w, err := NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", want)})
	require.NoError(t, err)
	require.NoError(t, w.Write(total))
	require.NoError(t, w.Close())

	for _, startAt := range []uint64{0, 1, 250, 499, 500} {
		buf := make([]int32, total)
		r, err := NewReader(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", buf)})
		require.NoError(t, err)
		require.NoError(t, r.Seek(startAt))
		n, err := r.Read(total)
		require.NoError(t, err)
		require.Equal(t, int(total-int(startAt)), n)
		require.Equal(t, want[startAt:], buf[:n])
		require.NoError(t, r.Close())
	}
}

// TestSeekPastEndThenReadReturnsZero is spec section 8 scenario 4.
func TestSeekPastEndThenReadReturnsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seekend.e57")
	img, cv := newSingleIntContainer(t, path)

	want := []int32{1, 2, 3}
	w, err := NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", want)})
	require.NoError(t, err)
	require.NoError(t, w.Write(len(want)))
	require.NoError(t, w.Close())

	buf := make([]int32, 3)
	r, err := NewReader(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", buf)})
	require.NoError(t, err)
	require.NoError(t, r.Seek(uint64(len(want))))
	n, err := r.Read(3)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, r.Close())
}

// TestCorruptionFailsWithBadChecksumAndSickensContainer is spec section 8
// scenario 5.
func TestCorruptionFailsWithBadChecksumAndSickensContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.e57")
	img, cv := newSingleIntContainer(t, path)

	const total = 2000 // large enough to span several 1024-byte pages
	want := make([]int32, total)
	for i := range want {
		want[i] = int32(i % 1024)
	}
	w, err := NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", want)})
	require.NoError(t, err)
	require.NoError(t, w.Write(total))
	require.NoError(t, w.Close())

	offset, err := cv.DataPacketOffset()
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	corrupt := []byte{0}
	physical := int64(offset) + 20 // inside the data packet's payload
	_, err = f.ReadAt(corrupt, physical)
	require.NoError(t, err)
	corrupt[0] ^= 0xFF
	_, err = f.WriteAt(corrupt, physical)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	buf := make([]int32, total)
	r, err := NewReader(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", buf)})
	require.NoError(t, err)

	_, err = r.Read(total)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, BadChecksum, kind)

	// The container is now sick; further operations fail.
	_, err = r.Read(1)
	require.Error(t, err)

	_, err = NewReader(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", buf)})
	require.Error(t, err)
}

// TestReadContextHonorsCancellationBetweenPackets exercises the ambient
// context-cancellation support ReadContext adds on top of Read, cancelling
// before any packet is loaded.
func TestReadContextHonorsCancellationBetweenPackets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cancel.e57")
	img, cv := newSingleIntContainer(t, path)

	want := make([]int32, 100)
	for i := range want {
		want[i] = int32(i)
	}
	w, err := NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", want)})
	require.NoError(t, err)
	require.NoError(t, w.Write(len(want)))
	require.NoError(t, w.Close())

	got := make([]int32, len(want))
	r, err := NewReader(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", got)})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := r.ReadContext(ctx, len(got))
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, n)

	// A cancelled ReadContext is an argument/state condition, not an I/O
	// failure: the reader is still usable with a fresh context.
	n, err = r.ReadContext(context.Background(), len(got))
	require.NoError(t, err)
	require.Equal(t, len(want), n)
}

// TestOutOfBoundsWriteLeavesWriterOpen is spec section 8 scenario 6.
func TestOutOfBoundsWriteLeavesWriterOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oob.e57")
	img, err := Create(path)
	require.NoError(t, err)

	proto, err := NewStructure(img)
	require.NoError(t, err)
	id, err := NewInteger(img, 0, 0, 10)
	require.NoError(t, err)
	require.NoError(t, proto.SetField("id", id))
	cv, err := NewCompressedVector(img, proto, nil)
	require.NoError(t, err)
	require.NoError(t, img.Root().SetField("points", cv))

	bad := []int32{11}
	w, err := NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", bad)})
	require.NoError(t, err)

	err = w.Write(1)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ValueOutOfBounds, kind)
	require.True(t, w.IsOpen())

	good := []int32{5}
	require.NoError(t, w.Rebind([]SourceDestBuffer{NewInt32Buffer("/id", good)}))
	require.NoError(t, w.Write(1))
	require.NoError(t, w.Close())

	rc, err := cv.RecordCount()
	require.NoError(t, err)
	require.Equal(t, uint64(1), rc)
}

// TestOutOfBoundsOnSecondFieldRollsBackFirstField is a multi-field variant
// of scenario 6: the first field's value is in bounds and would have been
// encoded before the second field's bounds check fails. Spec section 7
// requires the writer's packet buffer to be untouched by the failed
// record, not just left open -- so the first field's columnar stream must
// not have picked up an extra value for the rejected record.
func TestOutOfBoundsOnSecondFieldRollsBackFirstField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oob-multifield.e57")
	img, err := Create(path)
	require.NoError(t, err)

	proto, err := NewStructure(img)
	require.NoError(t, err)
	id, err := NewInteger(img, 0, 0, 100)
	require.NoError(t, err)
	require.NoError(t, proto.SetField("id", id))
	flag, err := NewInteger(img, 0, 0, 1)
	require.NoError(t, err)
	require.NoError(t, proto.SetField("flag", flag))
	cv, err := NewCompressedVector(img, proto, nil)
	require.NoError(t, err)
	require.NoError(t, img.Root().SetField("points", cv))

	badIDs := []int32{7}
	badFlags := []int32{9} // out of [0,1]
	w, err := NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", badIDs), NewInt32Buffer("/flag", badFlags)})
	require.NoError(t, err)

	err = w.Write(1)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ValueOutOfBounds, kind)
	require.True(t, w.IsOpen())

	goodIDs := []int32{42, 43}
	goodFlags := []int32{0, 1}
	require.NoError(t, w.Rebind([]SourceDestBuffer{NewInt32Buffer("/id", goodIDs), NewInt32Buffer("/flag", goodFlags)}))
	require.NoError(t, w.Write(2))
	require.NoError(t, w.Close())

	rc, err := cv.RecordCount()
	require.NoError(t, err)
	require.Equal(t, uint64(2), rc)

	gotIDs := make([]int32, 2)
	gotFlags := make([]int32, 2)
	r, err := NewReader(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", gotIDs), NewInt32Buffer("/flag", gotFlags)})
	require.NoError(t, err)
	n, err := r.Read(2)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, goodIDs, gotIDs)
	require.Equal(t, goodFlags, gotFlags)
	require.NoError(t, r.Close())
}

// TestBitPackedFieldSurvivesPacketSplit is a regression for a writer that
// flushes a non-byte-aligned bit-packed field mid-stream: 31-bit values
// (not byte aligned) across enough records to force more than one data
// packet, read back in a single Read call spanning the packet boundary.
func TestBitPackedFieldSurvivesPacketSplit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "splitpacket.e57")
	img, err := Create(path)
	require.NoError(t, err)

	proto, err := NewStructure(img)
	require.NoError(t, err)
	id, err := NewInteger(img, 0, 0, 1<<30) // 31 bits, not byte aligned
	require.NoError(t, err)
	require.NoError(t, proto.SetField("id", id))
	cv, err := NewCompressedVector(img, proto, nil)
	require.NoError(t, err)
	require.NoError(t, img.Root().SetField("points", cv))

	const total = 20000
	want := make([]int32, total)
	rng := rand.New(rand.NewSource(7))
	for i := range want {
		want[i] = rng.Int31n(1 << 20)
	}

	w, err := NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", want)})
	require.NoError(t, err)
	require.NoError(t, w.Write(total))
	require.NoError(t, w.Close())

	got := make([]int32, total)
	r, err := NewReader(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", got)})
	require.NoError(t, err)
	n, err := r.Read(total)
	require.NoError(t, err)
	require.Equal(t, total, n)
	require.Empty(t, cmp.Diff(want, got))
	require.NoError(t, r.Close())
}
