package codec

import (
	"encoding/binary"
	"math"

	"github.com/rtlab-ims-pub/libE57Format/internal/errs"
	"github.com/rtlab-ims-pub/libE57Format/internal/proto"
	"github.com/rtlab-ims-pub/libE57Format/internal/tree"
)

// Field is one prototype terminal bound to its SourceDestBuffer, carrying
// whatever persistent codec state that field's kind needs (spec 4.4,
// "Decoder state is per-field").
type Field struct {
	Path   string
	Node   *tree.Node
	Buffer *proto.SourceDestBuffer
	Kind   tree.Kind

	bitsPerValue int // Integer / ScaledInteger only
	enc          bitPacker
	dec          bitUnpacker

	// pending holds bytes already produced for the packet currently being
	// assembled; Take() removes and returns them.
	pending []byte

	// curStream/streamPos track an in-progress decode of a byte-aligned
	// (Float, String) field's contribution to the packet most recently
	// passed to BeginPacket.
	curStream []byte
	streamPos int
}

// NewFields builds one Field per bound prototype terminal, in prototype
// order.
func NewFields(binding *proto.Binding) ([]*Field, error) {
	fields := make([]*Field, len(binding.Prototype.Fields))
	for i, node := range binding.Prototype.Fields {
		f := &Field{
			Path:   binding.Prototype.Paths[i],
			Node:   node,
			Buffer: binding.Buffers[i],
			Kind:   node.Kind(),
		}
		switch f.Kind {
		case tree.KindInteger:
			_, min, max, err := node.IntegerValue()
			if err != nil {
				return nil, err
			}
			f.bitsPerValue = bitsForRange(min, max)
		case tree.KindScaledInteger:
			_, min, max, _, _, err := node.ScaledIntegerValue()
			if err != nil {
				return nil, err
			}
			f.bitsPerValue = bitsForRange(min, max)
		case tree.KindFloat, tree.KindString:
			// no persistent state needed
		default:
			return nil, errs.Newf(errs.BadAPIArgument, "unsupported prototype field kind %s at %q", f.Kind, f.Path)
		}
		fields[i] = f
	}
	return fields, nil
}

// TakePending removes and returns whatever bytes have been produced for
// the field's contribution to the packet currently being assembled.
func (f *Field) TakePending() []byte {
	out := f.pending
	f.pending = nil
	return out
}

// PendingLen reports how many bytes are currently queued for this field
// without consuming them, so a caller can decide whether to flush before
// the packet grows past its framing limit.
func (f *Field) PendingLen() int {
	return len(f.pending)
}

// ResetDecoder clears cross-packet decode state; called on Seek.
func (f *Field) ResetDecoder() {
	f.dec.reset()
	f.curStream = nil
	f.streamPos = 0
}

// SkipSome advances past the next n records of this field within the
// packet passed to the most recent BeginPacket, without delivering them
// anywhere. Used by Seek to fast-forward to a mid-packet record number
// located via the index table.
func (f *Field) SkipSome(n int) error {
	switch f.Kind {
	case tree.KindInteger, tree.KindScaledInteger:
		for k := 0; k < n; k++ {
			if _, err := f.dec.pull(f.bitsPerValue); err != nil {
				return errs.Wrap(errs.BadCVPacket, "field "+f.Path, err)
			}
		}
		return nil

	case tree.KindFloat:
		_, precision, _, _, _ := f.Node.FloatValue()
		width := 8
		if precision == tree.Single {
			width = 4
		}
		if f.streamPos+width*n > len(f.curStream) {
			return errs.New(errs.BadCVPacket, "float bytestream truncated")
		}
		f.streamPos += width * n
		return nil

	case tree.KindString:
		for k := 0; k < n; k++ {
			length, n2, err := decodeVarint(f.curStream[f.streamPos:])
			if err != nil {
				return errs.Wrap(errs.BadCVPacket, "string length", err)
			}
			f.streamPos += n2 + int(length)
			if f.streamPos > len(f.curStream) {
				return errs.New(errs.BadCVPacket, "string bytestream truncated")
			}
		}
		return nil

	default:
		return errs.Newf(errs.InternalError, "unsupported field kind %s", f.Kind)
	}
}

// FinalizeEncoder flushes any trailing sub-byte bits into pending,
// zero-padded to a whole byte. It is called at every packet boundary, not
// just when the writer closes: each packet's bytestream must stand on its
// own (spec 4.4, "each bytestream encodes a contiguous run of the packet's
// records"), so a bit-packed field cannot carry a partial byte over into
// the next packet. Calling it again before the next record has been
// encoded is a no-op, since the encoder has nothing pending.
func (f *Field) FinalizeEncoder() {
	if f.Kind == tree.KindInteger || f.Kind == tree.KindScaledInteger {
		f.pending = append(f.pending, f.enc.finalFlush()...)
	}
}

// FieldState is a snapshot of a field's mutable encode-time state, taken
// before encoding a record so the field can be rolled back if a later
// field in the same record fails its own encode (spec section 7: a value
// error leaves the writer's packet buffer untouched).
type FieldState struct {
	pendingLen int
	enc        bitPacker
}

// Snapshot captures the field's current pending length and bit-encoder
// state.
func (f *Field) Snapshot() FieldState {
	return FieldState{pendingLen: len(f.pending), enc: f.enc}
}

// Restore undoes every mutation EncodeRecord made since the matching
// Snapshot call.
func (f *Field) Restore(s FieldState) {
	f.pending = f.pending[:s.pendingLen]
	f.enc = s.enc
}

// EncodeRecord pulls record index i from the bound buffer and appends its
// encoded contribution to f.pending.
func (f *Field) EncodeRecord(i int) error {
	switch f.Kind {
	case tree.KindInteger:
		v, err := f.Buffer.CollectInt(i)
		if err != nil {
			return err
		}
		_, min, max, _ := mustIntegerBounds(f.Node)
		if v < min || v > max {
			return errs.Newf(errs.ValueOutOfBounds, "field %q: value %d outside [%d,%d]", f.Path, v, min, max)
		}
		f.pending = append(f.pending, f.enc.push(uint64(v-min), f.bitsPerValue)...)
		return nil

	case tree.KindScaledInteger:
		_, min, max, scale, offset, _ := f.Node.ScaledIntegerValue()
		var raw int64
		if f.Buffer.DoScaling {
			scaled, err := f.Buffer.CollectFloat(i)
			if err != nil {
				return err
			}
			if scale == 0 {
				return errs.New(errs.InternalError, "scaled-integer field has zero scale")
			}
			raw = int64(math.Round((scaled - offset) / scale))
		} else {
			v, err := f.Buffer.CollectInt(i)
			if err != nil {
				return err
			}
			raw = v
		}
		if raw < min || raw > max {
			return errs.Newf(errs.ValueOutOfBounds, "field %q: raw value %d outside [%d,%d]", f.Path, raw, min, max)
		}
		f.pending = append(f.pending, f.enc.push(uint64(raw-min), f.bitsPerValue)...)
		return nil

	case tree.KindFloat:
		_, precision, min, max, _ := f.Node.FloatValue()
		v, err := f.Buffer.CollectFloat(i)
		if err != nil {
			return err
		}
		if v < min || v > max {
			return errs.Newf(errs.ValueOutOfBounds, "field %q: value %v outside [%v,%v]", f.Path, v, min, max)
		}
		buf := make([]byte, 8)
		if precision == tree.Single {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
			f.pending = append(f.pending, buf[:4]...)
		} else {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
			f.pending = append(f.pending, buf...)
		}
		return nil

	case tree.KindString:
		s, err := f.Buffer.CollectString(i)
		if err != nil {
			return err
		}
		f.pending = append(f.pending, encodeVarint(uint64(len(s)))...)
		f.pending = append(f.pending, s...)
		return nil

	default:
		return errs.Newf(errs.InternalError, "unsupported field kind %s", f.Kind)
	}
}

// BeginPacket starts decoding a new data packet's contribution to this
// field. For bit-packed kinds the persistent bitUnpacker is reset before
// the new packet's bytes are fed to it: each packet's bytestream is
// self-contained, byte-aligned by the writer's matching FinalizeEncoder
// call at flush time, so no partial bits ever carry over from the
// previous packet (spec 4.4, "each bytestream encodes a contiguous run of
// the packet's records"). For byte-aligned kinds (Float, String) the
// field keeps its own cursor into the packet's bytestream, since a single
// read() call may consume only part of one packet.
func (f *Field) BeginPacket(data []byte) {
	switch f.Kind {
	case tree.KindInteger, tree.KindScaledInteger:
		f.dec.reset()
		f.dec.feedPacket(data)
	default:
		f.curStream = data
		f.streamPos = 0
	}
}

// DecodeSome decodes the next n records of this field from the packet
// passed to the most recent BeginPacket, resuming from wherever the
// previous DecodeSome call (within the same packet) left off, and
// delivers them into the bound buffer starting at destIndex.
func (f *Field) DecodeSome(n int, destIndex int) error {
	switch f.Kind {
	case tree.KindInteger:
		_, min, _, _ := mustIntegerBounds(f.Node)
		for k := 0; k < n; k++ {
			stored, err := f.dec.pull(f.bitsPerValue)
			if err != nil {
				return errs.Wrap(errs.BadCVPacket, "field "+f.Path, err)
			}
			v := min + int64(stored)
			if err := f.Buffer.DeliverInt(destIndex+k, v); err != nil {
				return err
			}
		}
		return nil

	case tree.KindScaledInteger:
		_, min, _, scale, offset, _ := f.Node.ScaledIntegerValue()
		for k := 0; k < n; k++ {
			stored, err := f.dec.pull(f.bitsPerValue)
			if err != nil {
				return errs.Wrap(errs.BadCVPacket, "field "+f.Path, err)
			}
			raw := min + int64(stored)
			if f.Buffer.DoScaling {
				if err := f.Buffer.DeliverFloat(destIndex+k, float64(raw)*scale+offset); err != nil {
					return err
				}
			} else {
				if err := f.Buffer.DeliverInt(destIndex+k, raw); err != nil {
					return err
				}
			}
		}
		return nil

	case tree.KindFloat:
		_, precision, _, _, _ := f.Node.FloatValue()
		width := 8
		if precision == tree.Single {
			width = 4
		}
		for k := 0; k < n; k++ {
			if f.streamPos+width > len(f.curStream) {
				return errs.New(errs.BadCVPacket, "float bytestream truncated")
			}
			var v float64
			if precision == tree.Single {
				v = float64(math.Float32frombits(binary.LittleEndian.Uint32(f.curStream[f.streamPos:])))
			} else {
				v = math.Float64frombits(binary.LittleEndian.Uint64(f.curStream[f.streamPos:]))
			}
			f.streamPos += width
			if err := f.Buffer.DeliverFloat(destIndex+k, v); err != nil {
				return err
			}
		}
		return nil

	case tree.KindString:
		for k := 0; k < n; k++ {
			length, n2, err := decodeVarint(f.curStream[f.streamPos:])
			if err != nil {
				return errs.Wrap(errs.BadCVPacket, "string length", err)
			}
			f.streamPos += n2
			if f.streamPos+int(length) > len(f.curStream) {
				return errs.New(errs.BadCVPacket, "string bytestream truncated")
			}
			s := string(f.curStream[f.streamPos : f.streamPos+int(length)])
			f.streamPos += int(length)
			if err := f.Buffer.DeliverString(destIndex+k, s); err != nil {
				return err
			}
		}
		return nil

	default:
		return errs.Newf(errs.InternalError, "unsupported field kind %s", f.Kind)
	}
}

func mustIntegerBounds(n *tree.Node) (value, min, max int64, err error) {
	return n.IntegerValue()
}

func encodeVarint(v uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, v)
	return buf[:n]
}

func decodeVarint(data []byte) (uint64, int, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, errs.New(errs.BadCVPacket, "invalid varint")
	}
	return v, n, nil
}
