// Package e57 implements the core of an E57 point-cloud container: a
// paged, checksummed binary file holding a typed node tree, whose
// CompressedVector nodes carry bulk point records through a columnar,
// bit-packed packet codec.
//
// The XML section that would normally describe the node tree on disk is
// treated as an external collaborator (spec section 1): this package
// builds and walks the tree in memory and leaves XML serialization to a
// caller that wants standard-conforming interchange.
package e57

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/rtlab-ims-pub/libE57Format/internal/errs"
	"github.com/rtlab-ims-pub/libE57Format/internal/pageio"
	"github.com/rtlab-ims-pub/libE57Format/internal/tree"
)

// headerSize is the fixed-layout region at the start of page 0 (spec
// section 6): magic, version, physical length, XML section bounds, page
// size.
const headerSize = 48

var magic = [8]byte{'A', 'S', 'T', 'M', '-', 'E', '5', '7'}

// Header is the parsed form of a container's first 48 bytes.
type Header struct {
	VersionMajor   uint32
	VersionMinor   uint32
	PhysicalLength uint64
	XMLOffset      uint64
	XMLLength      uint64
	PageSize       uint64
}

// ImageFile is an open E57 container: the root node of its typed tree,
// its page-checksummed backing file, and the reader/writer concurrency
// gate every CompressedVectorReader/Writer must pass through (spec
// section 4.1/4.6).
type ImageFile struct {
	container *tree.Container

	f      *os.File
	layout pageio.Layout
	reader *pageio.Reader
	header Header

	strictCRC bool

	// nextLogical is the next free logical offset for a new
	// CompressedVector's packet stream (monotonic allocation, in the
	// style of the teacher library's FileWriter/Allocator).
	nextLogical uint64

	mu          sync.Mutex
	readerCount int
	writerCount int
}

// Open opens an existing E57 container for reading.
func Open(filename string, opts ...OpenOption) (*ImageFile, error) {
	cfg := defaultOpenConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	//nolint:gosec // G304: caller-provided filename is intentional for a file-format library
	f, err := os.Open(filename)
	if err != nil {
		return nil, errs.Wrap(errs.ReadFailed, "open failed", err)
	}

	hdr, layout, err := readHeader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	img := &ImageFile{
		f:           f,
		layout:      layout,
		reader:      pageio.NewReader(f, layout),
		header:      hdr,
		strictCRC:   cfg.strictCRC,
		nextLogical: hdr.PhysicalLength,
	}
	img.container = &tree.Container{ReadOnly: true}
	tree.NewRoot(img.container)
	return img, nil
}

// Create creates a brand new, empty E57 container, truncating any
// existing file at filename.
func Create(filename string, opts ...WriterOption) (*ImageFile, error) {
	cfg := defaultWriterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	layout, err := pageio.NewLayout(cfg.pageSize)
	if err != nil {
		return nil, err
	}

	//nolint:gosec // G304: caller-provided filename is intentional for a file-format library
	f, err := os.Create(filename)
	if err != nil {
		return nil, errs.Wrap(errs.WriteFailed, "create failed", err)
	}

	hdr := Header{
		VersionMajor: 1,
		VersionMinor: 0,
		PageSize:     cfg.pageSize,
	}
	if err := writeHeader(f, hdr, layout); err != nil {
		_ = f.Close()
		return nil, err
	}

	img := &ImageFile{
		f:           f,
		layout:      layout,
		reader:      pageio.NewReader(f, layout),
		header:      hdr,
		strictCRC:   cfg.strictCRC,
		nextLogical: headerSize,
	}
	img.container = &tree.Container{}
	tree.NewRoot(img.container)
	return img, nil
}

func readHeader(f *os.File) (Header, pageio.Layout, error) {
	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Header{}, pageio.Layout{}, errs.Wrap(errs.BadCVHeader, "header read failed", err)
	}
	var got [8]byte
	copy(got[:], buf[:8])
	if got != magic {
		return Header{}, pageio.Layout{}, errs.New(errs.BadCVHeader, "bad magic")
	}
	hdr := Header{
		VersionMajor:   binary.LittleEndian.Uint32(buf[8:]),
		VersionMinor:   binary.LittleEndian.Uint32(buf[12:]),
		PhysicalLength: binary.LittleEndian.Uint64(buf[16:]),
		XMLOffset:      binary.LittleEndian.Uint64(buf[24:]),
		XMLLength:      binary.LittleEndian.Uint64(buf[32:]),
		PageSize:       binary.LittleEndian.Uint64(buf[40:]),
	}
	layout, err := pageio.NewLayout(hdr.PageSize)
	if err != nil {
		return Header{}, pageio.Layout{}, errs.Wrap(errs.BadCVHeader, "bad page size in header", err)
	}
	return hdr, layout, nil
}

func writeHeader(f *os.File, hdr Header, layout pageio.Layout) error {
	page := make([]byte, layout.PageSize)
	copy(page[:8], magic[:])
	binary.LittleEndian.PutUint32(page[8:], hdr.VersionMajor)
	binary.LittleEndian.PutUint32(page[12:], hdr.VersionMinor)
	binary.LittleEndian.PutUint64(page[16:], hdr.PhysicalLength)
	binary.LittleEndian.PutUint64(page[24:], hdr.XMLOffset)
	binary.LittleEndian.PutUint64(page[32:], hdr.XMLLength)
	binary.LittleEndian.PutUint64(page[40:], hdr.PageSize)
	return pageio.WritePage(f, 0, page[:layout.Payload()], layout)
}

// patchHeader rewrites the physical-length/XML-bounds fields of an
// already-written header, used after a write session changes the
// container's extent.
func (img *ImageFile) patchHeader() error {
	return writeHeader(img.f, img.header, img.layout)
}

// Stat returns the container's parsed header.
func (img *ImageFile) Stat() Header { return img.header }

// Root returns the container's root Structure node.
func (img *ImageFile) Root() *Node { return wrapNode(img.container.Root) }

// IsOpen reports whether the container is still usable.
func (img *ImageFile) IsOpen() bool { return img.container.IsOpen() }

// Close closes the container. Safe to call more than once.
func (img *ImageFile) Close() error {
	if img.f == nil {
		return nil
	}
	img.container.Closed = true
	err := img.f.Close()
	img.f = nil
	return err
}

// acquireReader implements the "many readers" half of spec section 4.6's
// at-most-one-writer/many-readers gate.
func (img *ImageFile) acquireReader() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if !img.container.IsOpen() {
		return errs.New(errs.ImageFileNotOpen, "container is not open")
	}
	if img.writerCount > 0 {
		return errs.New(errs.TooManyReaders, "a writer is already open on this container")
	}
	img.readerCount++
	return nil
}

func (img *ImageFile) releaseReader() {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.readerCount > 0 {
		img.readerCount--
	}
}

// acquireWriter implements the "at most one writer" half of the gate.
func (img *ImageFile) acquireWriter() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if !img.container.IsOpen() {
		return errs.New(errs.ImageFileNotOpen, "container is not open")
	}
	if img.writerCount > 0 || img.readerCount > 0 {
		return errs.New(errs.TooManyWriters, "a writer or reader is already open on this container")
	}
	img.writerCount++
	return nil
}

func (img *ImageFile) releaseWriter() {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.writerCount > 0 {
		img.writerCount--
	}
}

// markSick marks the container sick. If strictCRC is disabled, only
// checksum failures are suppressed from poisoning the whole container;
// everything else still marks it sick as spec section 7 requires.
func (img *ImageFile) markSick(kind errs.Kind, err error) {
	if !img.strictCRC && kind == errs.BadChecksum {
		return
	}
	img.container.MarkSick(err)
}
