package apkinsight

import (
	"encoding/binary"
)

// Fixtures in this package are built by hand with encoding/binary rather
// than checked in as opaque .apk/.arsc blobs, so a reader can see exactly
// which bytes exercise which branch.

func putHeader(typ, headerSize uint16, size uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], typ)
	binary.LittleEndian.PutUint16(b[2:4], headerSize)
	binary.LittleEndian.PutUint32(b[4:8], size)
	return b
}

func u16le(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }
func u32le(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }

// strPoolBuilder assembles a UTF-16LE string pool chunk (spec §3),
// returning each added string's index for use as a name/value reference
// elsewhere in a fixture.
type strPoolBuilder struct {
	data []byte
	offs []uint32
}

func (b *strPoolBuilder) Add(s string) uint32 {
	idx := uint32(len(b.offs))
	b.offs = append(b.offs, uint32(len(b.data)))
	units := []rune(s)
	b.data = append(b.data, u16le(uint16(len(units)))...)
	for _, r := range units {
		b.data = append(b.data, u16le(uint16(r))...)
	}
	b.data = append(b.data, 0, 0) // NUL terminator word
	return idx
}

func (b *strPoolBuilder) Bytes() []byte {
	const fieldsSize = 20 // string_count, style_count, flags, strings_start, styles_start
	stringCount := uint32(len(b.offs))
	stringsStart := 28 + 4*stringCount // chunk header(8) + fieldsSize(20) + offsets

	var body []byte
	body = append(body, u32le(stringCount)...)
	body = append(body, u32le(0)...) // style_count
	body = append(body, u32le(0)...) // flags: UTF-16, unsorted
	body = append(body, u32le(stringsStart)...)
	body = append(body, u32le(0)...) // styles_start

	for _, off := range b.offs {
		body = append(body, u32le(off)...)
	}
	body = append(body, b.data...)

	total := uint32(8 + len(body))
	_ = fieldsSize
	out := putHeader(chunkStringPool, 28, total)
	out = append(out, body...)
	return out
}

// buildResValue encodes a fixed 8-byte ResValue.
func buildResValue(typ AttrType, data uint32) []byte {
	out := make([]byte, 0, 8)
	out = append(out, u16le(8)...)
	out = append(out, 0, byte(typ))
	out = append(out, u32le(data)...)
	return out
}

// axmlTreeChunk wraps a tree-chunk payload with the universal + tree
// preamble (line_number, comment_idx) expected by parseTreeChunk.
func axmlTreeChunk(typ uint16, payload []byte) []byte {
	body := append(u32le(0), u32le(0xFFFFFFFF)...) // line_number, comment_idx
	body = append(body, payload...)
	out := putHeader(typ, 0x10, uint32(8+len(body)))
	return append(out, body...)
}

type axmlAttr struct {
	nsIdx, nameIdx uint32
	val            []byte // 8-byte ResValue
}

func buildTagStart(nsIdx, nameIdx uint32, attrs []axmlAttr) []byte {
	var payload []byte
	payload = append(payload, u32le(nsIdx)...)
	payload = append(payload, u32le(nameIdx)...)
	payload = append(payload, u16le(0x14)...)              // attribute_start
	payload = append(payload, u16le(0x14)...)              // attribute_size
	payload = append(payload, u16le(uint16(len(attrs)))...) // attribute_count
	payload = append(payload, u16le(0)...)                  // id_idx
	payload = append(payload, u16le(0)...)                  // class_idx
	payload = append(payload, u16le(0)...)                  // style_idx
	for _, a := range attrs {
		payload = append(payload, u32le(a.nsIdx)...)
		payload = append(payload, u32le(a.nameIdx)...)
		payload = append(payload, u32le(0)...) // raw_value_idx, unused
		payload = append(payload, a.val...)
	}
	return axmlTreeChunk(chunkXmlTagStart, payload)
}

func buildTagEnd(nsIdx, nameIdx uint32) []byte {
	payload := append(u32le(nsIdx), u32le(nameIdx)...)
	return axmlTreeChunk(chunkXmlTagEnd, payload)
}

func buildText(strIdx uint32) []byte {
	payload := append(u32le(strIdx), u32le(0)...)
	payload = append(payload, u32le(0)...)
	return axmlTreeChunk(chunkXmlText, payload)
}

// buildAxmlDoc assembles a complete binary XML document: the outer
// header, a string pool, and a stream of tree chunks.
func buildAxmlDoc(outerType uint16, pool []byte, trees ...[]byte) []byte {
	var body []byte
	body = append(body, pool...)
	for _, t := range trees {
		body = append(body, t...)
	}
	out := putHeader(outerType, 8, uint32(8+len(body)))
	return append(out, body...)
}
