package e57

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAndOpenHeaderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.e57")

	img, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, img.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	hdr := reopened.Stat()
	require.Equal(t, uint32(1), hdr.VersionMajor)
	require.Equal(t, uint32(0), hdr.VersionMinor)
	require.Equal(t, uint64(1024), hdr.PageSize)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-e57.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 256), 0o600))

	_, err := Open(path)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, BadCVHeader, kind)
}

func TestCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.e57")
	img, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, img.Close())
	require.NoError(t, img.Close())
}

func TestAtMostOneWriterAtATime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.e57")
	img, cv := newSingleIntContainer(t, path)

	w1, err := NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", []int32{1})})
	require.NoError(t, err)

	_, err = NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", []int32{1})})
	require.Error(t, err)
	kind, _ := KindOf(err)
	require.Equal(t, TooManyWriters, kind)

	require.NoError(t, w1.Close())

	w2, err := NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", []int32{1})})
	require.NoError(t, err)
	require.NoError(t, w2.Close())
}

func TestReaderRejectedWhileWriterOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate2.e57")
	img, cv := newSingleIntContainer(t, path)

	w, err := NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", []int32{1})})
	require.NoError(t, err)

	_, err = NewReader(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", make([]int32, 1))})
	require.Error(t, err)
	kind, _ := KindOf(err)
	require.Equal(t, TooManyReaders, kind)

	require.NoError(t, w.Close())
}

func TestWriterCheckInvariantHoldsWhileOpenAndNoopAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invariant-writer.e57")
	img, cv := newSingleIntContainer(t, path)

	w, err := NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", []int32{1})})
	require.NoError(t, err)
	require.NoError(t, w.CheckInvariant(true, false))
	require.NoError(t, w.Close())
	require.NoError(t, w.CheckInvariant(true, false))
}

func TestReaderCheckInvariantHoldsWhileOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invariant-reader.e57")
	img, cv := newSingleIntContainer(t, path)

	w, err := NewWriter(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", []int32{7})})
	require.NoError(t, err)
	require.NoError(t, w.Write(1))
	require.NoError(t, w.Close())

	buf := make([]int32, 1)
	r, err := NewReader(img, cv, []SourceDestBuffer{NewInt32Buffer("/id", buf)})
	require.NoError(t, err)
	require.NoError(t, r.CheckInvariant(true, false))
	require.NoError(t, r.Close())
}

// newSingleIntContainer builds a fresh container with one CompressedVector
// whose prototype is a single Integer field "id" in [0,1023], attached
// under root, ready for a writer/reader.
func newSingleIntContainer(t *testing.T, path string) (*ImageFile, *Node) {
	t.Helper()
	img, err := Create(path)
	require.NoError(t, err)

	proto, err := NewStructure(img)
	require.NoError(t, err)
	id, err := NewInteger(img, 0, 0, 1023)
	require.NoError(t, err)
	require.NoError(t, proto.SetField("id", id))

	cv, err := NewCompressedVector(img, proto, nil)
	require.NoError(t, err)
	require.NoError(t, img.Root().SetField("points", cv))

	return img, cv
}
