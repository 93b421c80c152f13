// Package pageio implements the fixed-size, checksummed logical page layer
// of spec section 4.3: a random-access file image laid out as an array of
// PageSize-byte pages, each with a trailing 4-byte CRC-32C, with a logical
// byte-stream view on top that skips the trailer at every page boundary.
//
// The shape is adapted from the teacher library's page/checksum pattern in
// internal/core/superblock.go (compute-on-write, verify-on-read CRC over a
// fixed region) and internal/writer/allocator.go (monotonic space
// allocation over a random-access file), generalized from HDF5's
// single-checksummed-superblock case to every page in the file.
package pageio

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/rtlab-ims-pub/libE57Format/internal/bufpool"
	"github.com/rtlab-ims-pub/libE57Format/internal/errs"
)

// DefaultPageSize is the page size used when a container does not request
// another value (spec section 6).
const DefaultPageSize = 1024

// trailerSize is the width of the trailing checksum on every page.
const trailerSize = 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Layout describes the physical page geometry of a container.
type Layout struct {
	PageSize uint64
}

// NewLayout validates and returns a Layout for the given page size.
func NewLayout(pageSize uint64) (Layout, error) {
	if pageSize <= trailerSize {
		return Layout{}, errs.Newf(errs.BadAPIArgument, "page size %d too small", pageSize)
	}
	return Layout{PageSize: pageSize}, nil
}

// Payload is the number of usable (non-checksum) bytes per page.
func (l Layout) Payload() uint64 { return l.PageSize - trailerSize }

// PhysicalOffset converts a logical stream offset (which does not count
// checksum trailers) to a physical file offset (which does).
func (l Layout) PhysicalOffset(logical uint64) uint64 {
	payload := l.Payload()
	return (logical/payload)*l.PageSize + logical%payload
}

// PageStart returns the physical offset of the page containing logical.
func (l Layout) PageStart(logical uint64) uint64 {
	payload := l.Payload()
	return (logical / payload) * l.PageSize
}

// AlignUp rounds logical up to the next page-payload boundary, a no-op if
// it already is one. Compressed-vector packets must start at such a
// boundary (spec section 6).
func (l Layout) AlignUp(logical uint64) uint64 {
	payload := l.Payload()
	rem := logical % payload
	if rem == 0 {
		return logical
	}
	return logical + (payload - rem)
}

// ReadPage reads and CRC-verifies the page whose payload begins at the
// given physical offset, returning its Payload()-sized payload with the
// trailer stripped.
func ReadPage(r io.ReaderAt, physicalOffset uint64, layout Layout) ([]byte, error) {
	buf := bufpool.Get(int(layout.PageSize))
	defer bufpool.Put(buf)

	if _, err := r.ReadAt(buf, int64(physicalOffset)); err != nil {
		return nil, errs.Wrap(errs.ReadFailed, "page read failed", err)
	}

	payload := buf[:layout.Payload()]
	trailer := buf[layout.Payload():]
	want := binary.LittleEndian.Uint32(trailer)
	got := crc32.Checksum(payload, castagnoli)
	if want != got {
		return nil, errs.Newf(errs.BadChecksum, "page at offset %d: checksum mismatch (want %08x, got %08x)", physicalOffset, want, got)
	}

	out := make([]byte, layout.Payload())
	copy(out, payload)
	return out, nil
}

// WritePage computes the CRC-32C of payload (which must be exactly
// layout.Payload() bytes) and writes payload+checksum at physicalOffset.
func WritePage(w io.WriterAt, physicalOffset uint64, payload []byte, layout Layout) error {
	if uint64(len(payload)) != layout.Payload() {
		return errs.Newf(errs.InternalError, "page payload is %d bytes, want %d", len(payload), layout.Payload())
	}
	buf := bufpool.Get(int(layout.PageSize))
	defer bufpool.Put(buf)

	copy(buf, payload)
	crc := crc32.Checksum(payload, castagnoli)
	binary.LittleEndian.PutUint32(buf[layout.Payload():], crc)

	if _, err := w.WriteAt(buf, int64(physicalOffset)); err != nil {
		return errs.Wrap(errs.WriteFailed, "page write failed", err)
	}
	return nil
}

// Reader provides random-access reads over the logical byte stream,
// verifying every page it touches.
type Reader struct {
	r      io.ReaderAt
	layout Layout
}

// NewReader creates a logical-stream Reader over r.
func NewReader(r io.ReaderAt, layout Layout) *Reader {
	return &Reader{r: r, layout: layout}
}

// ReadAt fills buf starting at the given logical offset, transparently
// spanning as many pages as necessary and verifying each one's checksum.
func (rd *Reader) ReadAt(buf []byte, logical uint64) error {
	payload := rd.layout.Payload()
	pos := logical
	filled := 0
	for filled < len(buf) {
		pageStart := rd.layout.PageStart(pos)
		page, err := ReadPage(rd.r, pageStart, rd.layout)
		if err != nil {
			return err
		}
		withinPage := pos % payload
		n := copy(buf[filled:], page[withinPage:])
		filled += n
		pos += uint64(n)
	}
	return nil
}

// Writer accumulates sequential appends into full pages, computing a
// checksum and flushing each page as it fills. Callers must begin writing
// at a payload-aligned logical offset (see Layout.AlignUp); the writer
// does not support random-access writes, matching the append-only way
// data/index packets are produced (spec section 4.4/4.6).
type Writer struct {
	w            io.WriterAt
	layout       Layout
	physicalBase uint64
	pageBuf      []byte
	filled       int
	logical      uint64
}

// NewWriter creates a logical-stream Writer starting at startLogical,
// which must be a multiple of layout.Payload().
func NewWriter(w io.WriterAt, layout Layout, startLogical uint64) (*Writer, error) {
	if startLogical%layout.Payload() != 0 {
		return nil, errs.New(errs.InternalError, "writer must start at a page-payload boundary")
	}
	return &Writer{
		w:            w,
		layout:       layout,
		physicalBase: layout.PageStart(startLogical),
		pageBuf:      make([]byte, layout.Payload()),
		logical:      startLogical,
	}, nil
}

// Logical returns the writer's current logical position.
func (w *Writer) Logical() uint64 { return w.logical }

// Append writes data to the stream, flushing full pages as they fill.
func (w *Writer) Append(data []byte) error {
	for len(data) > 0 {
		n := copy(w.pageBuf[w.filled:], data)
		w.filled += n
		data = data[n:]
		w.logical += uint64(n)
		if w.filled == len(w.pageBuf) {
			if err := w.flushPage(); err != nil {
				return err
			}
		}
	}
	return nil
}

// flushPage writes out the current (possibly partially filled, zero
// padded) page and advances to the next one.
func (w *Writer) flushPage() error {
	for i := w.filled; i < len(w.pageBuf); i++ {
		w.pageBuf[i] = 0
	}
	if err := WritePage(w.w, w.physicalBase, w.pageBuf, w.layout); err != nil {
		return err
	}
	w.physicalBase += w.layout.PageSize
	w.filled = 0
	return nil
}

// PadToPageBoundary zero-pads and flushes the current page if it has any
// content, advancing Logical() up to the next payload boundary. Used to
// align the next data/index packet's start (spec section 6).
func (w *Writer) PadToPageBoundary() error {
	if w.filled == 0 {
		return nil
	}
	pad := len(w.pageBuf) - w.filled
	w.logical += uint64(pad)
	return w.flushPage()
}

// Flush forces out any partially filled page without necessarily landing
// on a page boundary's worth of real data; used when closing the
// container so every byte written via Append is durable.
func (w *Writer) Flush() error {
	if w.filled == 0 {
		return nil
	}
	return w.PadToPageBoundary()
}

// PhysicalLength returns the physical file length implied by everything
// flushed so far (pages fully written; a filled-but-unflushed page is not
// counted until Flush/PadToPageBoundary is called).
func (w *Writer) PhysicalLength() uint64 { return w.physicalBase }
