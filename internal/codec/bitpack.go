// Package codec implements the columnar packet codec of spec section 4.4:
// per-field bit-packed integer, scaled-integer, float and string
// bytestreams interleaved into data packets, plus the flat index-packet
// table this library uses for seeking (see SPEC_FULL.md, "Open Question
// decisions", #2).
//
// The bit packer/unpacker below is a from-scratch piece (nothing in the
// teacher or the rest of the pack implements arbitrary-width LSB-first bit
// packing); see DESIGN.md for why no third-party bit-level library from
// the retrieval pack was a fit.
package codec

import "io"

// bitPacker accumulates LSB-first bits into whole bytes, one field's
// worth at a time, and is reused across every record encoded for that
// field for the lifetime of a CompressedVectorWriter. Its partial byte is
// flushed to a whole, zero-padded byte at every packet boundary (see
// finalFlush and Field.FinalizeEncoder) so that each packet's bytestream
// is self-contained, per spec 4.4.
type bitPacker struct {
	pending     byte
	pendingBits int
}

// push appends the low `width` bits of value (width in [0,64]) to the
// stream and returns any newly completed whole bytes.
func (p *bitPacker) push(value uint64, width int) []byte {
	var out []byte
	for width > 0 {
		free := 8 - p.pendingBits
		take := free
		if take > width {
			take = width
		}
		mask := uint64(1)<<uint(take) - 1
		chunk := byte(value & mask)
		p.pending |= chunk << uint(p.pendingBits)
		p.pendingBits += take
		value >>= uint(take)
		width -= take
		if p.pendingBits == 8 {
			out = append(out, p.pending)
			p.pending = 0
			p.pendingBits = 0
		}
	}
	return out
}

// finalFlush emits the trailing partial byte (zero-padded in its high
// bits), if any, and resets the packer. Called at every packet flush (and
// again, harmlessly, when a CompressedVectorWriter closes) so a bit-packed
// field's bytestream never spans a packet boundary.
func (p *bitPacker) finalFlush() []byte {
	if p.pendingBits == 0 {
		return nil
	}
	b := p.pending
	p.pending = 0
	p.pendingBits = 0
	return []byte{b}
}

// bitUnpacker is the decode-side mirror of bitPacker. Every packet's
// bytestream is self-contained (the writer byte-aligns each one via
// finalFlush), so Field.BeginPacket resets pendingBits/pending before
// handing a new packet's bytes to feedPacket -- no bits ever carry over
// across a packet boundary.
type bitUnpacker struct {
	pending     byte
	pendingBits int
	data        []byte
	pos         int
}

func (u *bitUnpacker) feedPacket(data []byte) {
	u.data = data
	u.pos = 0
}

// pull reads `width` bits LSB-first, consuming the carried-over partial
// byte first and then bytes from the current packet.
func (u *bitUnpacker) pull(width int) (uint64, error) {
	var v uint64
	got := 0
	for got < width {
		if u.pendingBits == 0 {
			if u.pos >= len(u.data) {
				return 0, io.ErrUnexpectedEOF
			}
			u.pending = u.data[u.pos]
			u.pos++
			u.pendingBits = 8
		}
		take := width - got
		if take > u.pendingBits {
			take = u.pendingBits
		}
		mask := byte(1)<<uint(take) - 1
		chunk := u.pending & mask
		v |= uint64(chunk) << uint(got)
		u.pending >>= uint(take)
		u.pendingBits -= take
		got += take
	}
	return v, nil
}

// reset clears all decoder state, including any partial byte; called by
// Field.BeginPacket at the start of every packet and by
// CompressedVectorReader.Seek (spec 4.5).
func (u *bitUnpacker) reset() {
	u.pending = 0
	u.pendingBits = 0
	u.data = nil
	u.pos = 0
}

// bitsForRange returns ceil(log2(max-min+1)), the bits_per_value formula
// of spec section 4.4, for an inclusive integer range.
func bitsForRange(min, max int64) int {
	span := uint64(max-min) + 1 // max>=min is an invariant checked earlier
	if span <= 1 {
		return 0
	}
	bits := 0
	for (uint64(1) << uint(bits)) < span {
		bits++
	}
	return bits
}
