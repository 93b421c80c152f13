package codec

import (
	"encoding/binary"

	"github.com/rtlab-ims-pub/libE57Format/internal/errs"
)

// Packet type tags (spec section 4.4/4.6). DataPacket carries one block of
// interleaved per-field bytestreams; IndexPacket carries this library's
// flat/chained seek table (SPEC_FULL.md, "Open Question decisions", #2).
const (
	PacketTypeIndex byte = 0
	PacketTypeData  byte = 1
)

const dataPacketHeaderSize = 1 + 1 + 2 + 4 + 2 // type, flags, length-1, record_count, bytestream_count

// EncodeDataPacket drains each field's pending bytes (spec 4.4: one
// bytestream per prototype field, in prototype order) into a single framed
// data packet: a small header recording how many records it holds and how
// long each bytestream is, followed by the bytestreams back to back.
func EncodeDataPacket(fields []*Field, recordCount int) ([]byte, error) {
	if recordCount <= 0 {
		return nil, errs.New(errs.InternalError, "data packet must hold at least one record")
	}
	if len(fields) == 0 || len(fields) > 0xFFFF {
		return nil, errs.New(errs.InternalError, "data packet field count out of range")
	}

	streams := make([][]byte, len(fields))
	for i, f := range fields {
		streams[i] = f.TakePending()
	}

	total := dataPacketHeaderSize + 2*len(streams)
	for _, s := range streams {
		if len(s) > 0xFFFF {
			return nil, errs.Newf(errs.InternalError, "bytestream length %d exceeds u16", len(s))
		}
		total += len(s)
	}

	buf := make([]byte, total)
	buf[0] = PacketTypeData
	buf[1] = 0
	lengthMinus1 := uint16(total - 1)
	binary.LittleEndian.PutUint16(buf[2:], lengthMinus1)
	binary.LittleEndian.PutUint32(buf[4:], uint32(recordCount))
	binary.LittleEndian.PutUint16(buf[8:], uint16(len(streams)))

	pos := dataPacketHeaderSize
	for _, s := range streams {
		binary.LittleEndian.PutUint16(buf[pos:], uint16(len(s)))
		pos += 2
	}
	for _, s := range streams {
		copy(buf[pos:], s)
		pos += len(s)
	}
	return buf, nil
}

// DecodedDataPacket is the parsed form of a data packet: the record count
// it declares and each field's raw bytestream, indexed the same way as the
// Fields slice passed to EncodeDataPacket.
type DecodedDataPacket struct {
	RecordCount int
	Streams     [][]byte
}

// DecodeDataPacket parses a framed data packet produced by
// EncodeDataPacket. numFields must match the prototype's field count; a
// mismatch means the packet does not belong to this CompressedVector.
func DecodeDataPacket(data []byte, numFields int) (*DecodedDataPacket, error) {
	if len(data) < dataPacketHeaderSize {
		return nil, errs.New(errs.BadCVPacket, "data packet shorter than header")
	}
	if data[0] != PacketTypeData {
		return nil, errs.Newf(errs.BadCVPacket, "expected data packet type %d, got %d", PacketTypeData, data[0])
	}
	lengthMinus1 := binary.LittleEndian.Uint16(data[2:])
	declaredLen := int(lengthMinus1) + 1
	if declaredLen > len(data) {
		return nil, errs.Newf(errs.BadCVPacket, "data packet declares length %d, have %d bytes", declaredLen, len(data))
	}
	data = data[:declaredLen]

	recordCount := int(binary.LittleEndian.Uint32(data[4:]))
	bytestreamCount := int(binary.LittleEndian.Uint16(data[8:]))
	if bytestreamCount != numFields {
		return nil, errs.Newf(errs.BadCVPacket, "data packet has %d bytestreams, prototype has %d fields", bytestreamCount, numFields)
	}

	pos := dataPacketHeaderSize
	if pos+2*bytestreamCount > len(data) {
		return nil, errs.New(errs.BadCVPacket, "data packet truncated in bytestream-length table")
	}
	lengths := make([]int, bytestreamCount)
	for i := 0; i < bytestreamCount; i++ {
		lengths[i] = int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
	}

	streams := make([][]byte, bytestreamCount)
	for i, l := range lengths {
		if pos+l > len(data) {
			return nil, errs.New(errs.BadCVPacket, "data packet truncated in bytestream payload")
		}
		streams[i] = data[pos : pos+l]
		pos += l
	}

	return &DecodedDataPacket{RecordCount: recordCount, Streams: streams}, nil
}

// IndexEntry is one row of this library's flat seek table: the record
// number of the first record held by a data packet, and that data packet's
// logical offset.
type IndexEntry struct {
	FirstRecordNumber uint64
	DataPacketOffset  uint64
}

const indexPacketHeaderSize = 1 + 1 + 4 + 8 // type, flags, entry_count, next_index_packet_offset
const indexEntrySize = 8 + 8

// EncodeIndexPacket frames one index packet: entries, plus the logical
// offset of the next index packet in the chain (0 if this is the last
// one). A single CompressedVector may need more than one index packet if
// its entry table exceeds the write engine's per-packet entry limit
// (maxIndexEntriesPerPacket); the caller
// (the write engine) decides where to split and fills in nextOffset once
// it knows where the next one will land.
func EncodeIndexPacket(entries []IndexEntry, nextOffset uint64) ([]byte, error) {
	if len(entries) > 0xFFFFFFFF {
		return nil, errs.New(errs.InternalError, "too many index entries for one packet")
	}
	total := indexPacketHeaderSize + indexEntrySize*len(entries)
	buf := make([]byte, total)
	buf[0] = PacketTypeIndex
	buf[1] = 0
	binary.LittleEndian.PutUint32(buf[2:], uint32(len(entries)))
	binary.LittleEndian.PutUint64(buf[6:], nextOffset)

	pos := indexPacketHeaderSize
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[pos:], e.FirstRecordNumber)
		binary.LittleEndian.PutUint64(buf[pos+8:], e.DataPacketOffset)
		pos += indexEntrySize
	}
	return buf, nil
}

// DecodeIndexPacket parses a framed index packet.
func DecodeIndexPacket(data []byte) (entries []IndexEntry, nextOffset uint64, err error) {
	if len(data) < indexPacketHeaderSize {
		return nil, 0, errs.New(errs.BadCVPacket, "index packet shorter than header")
	}
	if data[0] != PacketTypeIndex {
		return nil, 0, errs.Newf(errs.BadCVPacket, "expected index packet type %d, got %d", PacketTypeIndex, data[0])
	}
	count := int(binary.LittleEndian.Uint32(data[2:]))
	nextOffset = binary.LittleEndian.Uint64(data[6:])

	pos := indexPacketHeaderSize
	entries = make([]IndexEntry, count)
	for i := 0; i < count; i++ {
		if pos+indexEntrySize > len(data) {
			return nil, 0, errs.New(errs.BadCVPacket, "index packet truncated in entry table")
		}
		entries[i] = IndexEntry{
			FirstRecordNumber: binary.LittleEndian.Uint64(data[pos:]),
			DataPacketOffset:  binary.LittleEndian.Uint64(data[pos+8:]),
		}
		pos += indexEntrySize
	}
	return entries, nextOffset, nil
}

// PeekPacketType reads only the type tag of a packet, for dispatch without
// parsing the whole thing.
func PeekPacketType(data []byte) (byte, error) {
	if len(data) < 1 {
		return 0, errs.New(errs.BadCVPacket, "empty packet")
	}
	return data[0], nil
}
