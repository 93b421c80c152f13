package e57

import (
	"github.com/rtlab-ims-pub/libE57Format/internal/codec"
	"github.com/rtlab-ims-pub/libE57Format/internal/errs"
	"github.com/rtlab-ims-pub/libE57Format/internal/pageio"
	"github.com/rtlab-ims-pub/libE57Format/internal/proto"
	"github.com/rtlab-ims-pub/libE57Format/internal/tree"
)

// maxDataPacketBytes is the largest a single data packet may be: the
// packet_logical_length_minus_1 header field is a u16 (spec section 4.4).
const maxDataPacketBytes = 0xFFFF

// maxIndexEntriesPerPacket bounds how many (first_record_number,
// data_packet_offset) rows fit in one index packet under the same u16
// framing budget.
const maxIndexEntriesPerPacket = (maxDataPacketBytes - indexPacketHeaderBudget) / indexEntryBudget

const indexPacketHeaderBudget = 14
const indexEntryBudget = 16

// CompressedVectorWriter is the block-iterator write engine of spec
// section 4.6: it pulls records from bound SourceDestBuffers, feeds them
// through per-field encoders, and batches the result into page-aligned
// data packets.
type CompressedVectorWriter struct {
	img  *ImageFile
	node *tree.Node

	binding *proto.Binding
	fields  []*codec.Field

	pw *pageio.Writer

	// snapshots is reused record-to-record by encodeRecord; it holds each
	// field's pre-record state so a mid-record encode failure can roll
	// every already-mutated field back.
	snapshots []codec.FieldState

	packetRecords int
	firstRecord   uint64
	totalRecords  uint64
	firstDataOff  uint64
	haveFirstData bool
	entries       []codec.IndexEntry

	closed bool
	sick   error
}

// NewWriter opens a write session over a CompressedVector node, binding
// buffers to its prototype fields. At most one writer (and no readers)
// may be open on img at a time (spec section 4.6).
func NewWriter(img *ImageFile, cv *Node, buffers []SourceDestBuffer) (*CompressedVectorWriter, error) {
	if img.container.ReadOnly {
		return nil, errs.New(errs.FileReadOnly, "container was opened read-only")
	}
	if err := img.acquireWriter(); err != nil {
		return nil, err
	}

	node := unwrapNode(cv)
	w, err := newWriterLocked(img, node, buffers)
	if err != nil {
		img.releaseWriter()
		return nil, err
	}
	return w, nil
}

func newWriterLocked(img *ImageFile, node *tree.Node, buffers []SourceDestBuffer) (*CompressedVectorWriter, error) {
	prototype, err := proto.BuildPrototype(node)
	if err != nil {
		return nil, err
	}
	ptrs := toBufferPointers(buffers)
	binding, err := proto.Bind(prototype, ptrs)
	if err != nil {
		return nil, err
	}
	fields, err := codec.NewFields(binding)
	if err != nil {
		return nil, err
	}
	if err := node.Lock(); err != nil {
		return nil, err
	}

	start := img.layout.AlignUp(img.nextLogical)
	pw, err := pageio.NewWriter(img.f, img.layout, start)
	if err != nil {
		_ = node.Unlock()
		return nil, err
	}

	return &CompressedVectorWriter{
		img:     img,
		node:    node,
		binding: binding,
		fields:  fields,
		pw:      pw,
	}, nil
}

func toBufferPointers(buffers []SourceDestBuffer) []*proto.SourceDestBuffer {
	out := make([]*proto.SourceDestBuffer, len(buffers))
	for i := range buffers {
		out[i] = &buffers[i]
	}
	return out
}

// IsOpen reports whether the writer is still usable.
func (w *CompressedVectorWriter) IsOpen() bool {
	return !w.closed && w.sick == nil && w.img.IsOpen()
}

func (w *CompressedVectorWriter) checkOpen() error {
	if w.closed {
		return errs.New(errs.WriterNotOpen, "writer is closed")
	}
	if w.sick != nil {
		return w.sick
	}
	if !w.img.IsOpen() {
		return errs.New(errs.ImageFileNotOpen, "container is not open")
	}
	return nil
}

// Rebind replaces the writer's bound buffers; only base/capacity/stride
// may differ from the original binding (spec section 4.2).
func (w *CompressedVectorWriter) Rebind(buffers []SourceDestBuffer) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	ptrs := toBufferPointers(buffers)
	if err := w.binding.Rebind(ptrs); err != nil {
		return err
	}
	for i, f := range w.fields {
		f.Buffer = w.binding.Buffers[i]
	}
	return nil
}

// Write consumes n records from the currently bound buffers (starting at
// buffer index 0) and appends them to the CompressedVector's packet
// stream, flushing data packets as they fill (spec section 4.6).
func (w *CompressedVectorWriter) Write(n int) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if n < 0 || n > w.binding.Capacity {
		return errs.Newf(errs.BadAPIArgument, "write(%d) exceeds bound buffer capacity %d", n, w.binding.Capacity)
	}
	if w.snapshots == nil {
		w.snapshots = make([]codec.FieldState, len(w.fields))
	}
	for i := 0; i < n; i++ {
		if err := w.encodeRecord(i); err != nil {
			// Value errors leave the writer open with its packet
			// buffer untouched for this record (spec section 8).
			return err
		}
		// If record i (plus up to one padding byte per field at flush)
		// would push the packet past maxDataPacketBytes, take it back out,
		// flush the records before it, and encode it into a fresh packet.
		if w.packetRecords > 0 && w.pendingPacketBytes()+len(w.fields) > maxDataPacketBytes {
			for idx, f := range w.fields {
				f.Restore(w.snapshots[idx])
			}
			if err := w.flushPacket(); err != nil {
				w.sick = err
				w.img.markSick(errs.WriteFailed, err)
				return err
			}
			if err := w.encodeRecord(i); err != nil {
				return err
			}
		}
		w.packetRecords++
		w.totalRecords++
	}
	return nil
}

// encodeRecord encodes record i into every field's pending bytestream. If
// a field fails -- e.g. ValueOutOfBounds -- every field encoded earlier in
// this same record is rolled back to its pre-record state first, so the
// failure leaves the writer's packet buffer exactly as it was before the
// call (spec section 7).
func (w *CompressedVectorWriter) encodeRecord(i int) error {
	for idx, f := range w.fields {
		w.snapshots[idx] = f.Snapshot()
	}
	for idx, f := range w.fields {
		if err := f.EncodeRecord(i); err != nil {
			for j := 0; j < idx; j++ {
				w.fields[j].Restore(w.snapshots[j])
			}
			return err
		}
	}
	return nil
}

// WriteBuffers rebinds buffers and then writes n records from them, the
// two-argument form of write() from spec section 4.6.
func (w *CompressedVectorWriter) WriteBuffers(buffers []SourceDestBuffer, n int) error {
	if err := w.Rebind(buffers); err != nil {
		return err
	}
	return w.Write(n)
}

func (w *CompressedVectorWriter) pendingPacketBytes() int {
	total := 10 + 2*len(w.fields) // dataPacketHeaderSize duplicated as a literal to avoid exporting it
	for _, f := range w.fields {
		total += f.PendingLen()
	}
	return total
}

// flushPacket frames whatever has been encoded for the current packet and
// appends it to the container at the next page-aligned logical offset.
// Every field's bit encoder is byte-aligned first, so the packet's
// bytestreams are self-contained and a bit-packed field never carries a
// partial byte into the next packet (spec section 4.4).
func (w *CompressedVectorWriter) flushPacket() error {
	if w.packetRecords == 0 {
		return nil
	}
	for _, f := range w.fields {
		f.FinalizeEncoder()
	}
	data, err := codec.EncodeDataPacket(w.fields, w.packetRecords)
	if err != nil {
		return err
	}
	if err := w.pw.PadToPageBoundary(); err != nil {
		return errs.Wrap(errs.WriteFailed, "packet alignment failed", err)
	}
	offset := w.pw.Logical()
	if !w.haveFirstData {
		w.firstDataOff = offset
		w.haveFirstData = true
	}
	w.entries = append(w.entries, codec.IndexEntry{FirstRecordNumber: w.firstRecord, DataPacketOffset: offset})
	if err := w.pw.Append(data); err != nil {
		return errs.Wrap(errs.WriteFailed, "packet write failed", err)
	}
	w.firstRecord += uint64(w.packetRecords)
	w.packetRecords = 0
	return nil
}

// writeIndexPackets lays out the chained index-packet table (SPEC_FULL.md,
// "Open Question decisions", #2) and returns the logical offset of its
// first packet (0 if there are no entries to index).
func (w *CompressedVectorWriter) writeIndexPackets() (uint64, error) {
	if len(w.entries) == 0 {
		return 0, nil
	}

	var chunks [][]codec.IndexEntry
	for start := 0; start < len(w.entries); start += maxIndexEntriesPerPacket {
		end := start + maxIndexEntriesPerPacket
		if end > len(w.entries) {
			end = len(w.entries)
		}
		chunks = append(chunks, w.entries[start:end])
	}

	offsets := make([]uint64, len(chunks))
	pos := w.pw.Logical()
	layout := w.img.layout
	for i, chunk := range chunks {
		aligned := layout.AlignUp(pos)
		offsets[i] = aligned
		pos = aligned + uint64(indexPacketHeaderBudget+indexEntryBudget*len(chunk))
	}

	for i, chunk := range chunks {
		next := uint64(0)
		if i+1 < len(chunks) {
			next = offsets[i+1]
		}
		data, err := codec.EncodeIndexPacket(chunk, next)
		if err != nil {
			return 0, err
		}
		if err := w.pw.PadToPageBoundary(); err != nil {
			return 0, errs.Wrap(errs.WriteFailed, "index packet alignment failed", err)
		}
		if w.pw.Logical() != offsets[i] {
			return 0, errs.New(errs.InternalError, "index packet offset drifted from plan")
		}
		if err := w.pw.Append(data); err != nil {
			return 0, errs.Wrap(errs.WriteFailed, "index packet write failed", err)
		}
	}
	return offsets[0], nil
}

// CheckInvariant validates the writer-specific predicates of spec section
// 4.7: the bound CompressedVector node is attached, the container shows
// exactly one live writer and no co-existing reader, and (if doRecurse)
// the node's own structural invariants hold.
func (w *CompressedVectorWriter) CheckInvariant(doRecurse, doUpcast bool) error {
	if w.closed || !w.img.IsOpen() {
		return nil
	}
	if !w.node.IsAttached() {
		return errs.New(errs.InvarianceViolation, "writer's node is not attached")
	}
	w.img.mu.Lock()
	readerCount, writerCount := w.img.readerCount, w.img.writerCount
	w.img.mu.Unlock()
	if writerCount != 1 {
		return errs.Newf(errs.InvarianceViolation, "writer open but container writer count is %d", writerCount)
	}
	if readerCount > 0 {
		return errs.New(errs.InvarianceViolation, "writer open alongside a reader")
	}
	if doRecurse {
		if err := w.node.CheckInvariant(doRecurse, doUpcast); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes the pending packet, writes the index packets, patches the
// CompressedVector node's header fields and the container's physical
// length, and releases the writer slot. Idempotent (spec section 4.6).
func (w *CompressedVectorWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.img.releaseWriter()
	defer func() { _ = w.node.Unlock() }()

	if err := w.flushPacket(); err != nil {
		w.img.markSick(errs.WriteFailed, err)
		return err
	}
	indexOffset, err := w.writeIndexPackets()
	if err != nil {
		w.img.markSick(errs.WriteFailed, err)
		return err
	}
	if err := w.pw.Flush(); err != nil {
		err = errs.Wrap(errs.WriteFailed, "final flush failed", err)
		w.img.markSick(errs.WriteFailed, err)
		return err
	}

	if err := w.node.SetRecordCountAndOffset(w.totalRecords, w.firstDataOff); err != nil {
		return err
	}
	if err := w.node.SetIndexOffset(indexOffset); err != nil {
		return err
	}

	w.img.nextLogical = w.pw.Logical()
	w.img.header.PhysicalLength = w.pw.PhysicalLength()
	if err := w.img.patchHeader(); err != nil {
		return err
	}
	return nil
}
