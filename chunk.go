// Package apkinsight decodes Android APKs without involving the Android
// platform: it reads the ZIP container, the binary XML manifest, the
// compiled resource table and the APK Signing Block straight from bytes.
package apkinsight

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// frameworks/base/libs/androidfw/include/androidfw/ResourceTypes.h
const (
	chunkNull          = 0x0000
	chunkStringPool    = 0x0001
	chunkTable         = 0x0002
	chunkAxmlFile      = 0x0003
	chunkResourceIds   = 0x0180
	chunkTablePackage  = 0x0200
	chunkTableType     = 0x0201
	chunkTableTypeSpec = 0x0202
	chunkTableLibrary  = 0x0203
	chunkTableOverlayable       = 0x0204
	chunkTableOverlayablePolicy = 0x0205
	chunkTableStagedAlias       = 0x0206

	chunkMaskXml     = 0x0100
	chunkXmlNsStart  = 0x0100
	chunkXmlNsEnd    = 0x0101
	chunkXmlTagStart = 0x0102
	chunkXmlTagEnd   = 0x0103
	chunkXmlText     = 0x0104

	// size of the universal chunk header: type(u16) + header_size(u16) + size(u32)
	chunkHeaderSize = 2 + 2 + 4
)

// chunkHeader is the universal {type, header_size, size} prefix shared by
// every AXML and ARSC chunk (spec §3).
type chunkHeader struct {
	Type       uint16
	HeaderSize uint16
	Size       uint32
}

func parseChunkHeader(r io.Reader) (chunkHeader, error) {
	var h chunkHeader
	if err := binary.Read(r, binary.LittleEndian, &h.Type); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.HeaderSize); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Size); err != nil {
		return h, err
	}
	// Invariant size >= header_size >= 8 is advisory (spec §3): callers that
	// care about a specific header_size (e.g. the AXML root chunk, or each
	// tree-chunk preamble) check it themselves and set is_tampered instead
	// of failing outright. We only guard against the pathological case of a
	// chunk claiming to be smaller than its own fixed header, which would
	// make every length-prefixed loop in this package underflow.
	if h.Size < chunkHeaderSize {
		return h, fmt.Errorf("%w: chunk 0x%04x has size=%d smaller than the chunk header itself", ErrBadHeader, h.Type, h.Size)
	}
	return h, nil
}

// AttrType is the ResValue.data_type tag (spec §3).
type AttrType uint8

const (
	AttrTypeNull          AttrType = 0x00
	AttrTypeReference     AttrType = 0x01
	AttrTypeAttribute     AttrType = 0x02
	AttrTypeString        AttrType = 0x03
	AttrTypeFloat         AttrType = 0x04
	AttrTypeDimension     AttrType = 0x05
	AttrTypeFraction      AttrType = 0x06
	AttrTypeIntDec        AttrType = 0x10
	AttrTypeIntHex        AttrType = 0x11
	AttrTypeIntBool       AttrType = 0x12
	AttrTypeIntColorArgb8 AttrType = 0x1c
	AttrTypeIntColorRgb8  AttrType = 0x1d
	AttrTypeIntColorArgb4 AttrType = 0x1e
	AttrTypeIntColorRgb4  AttrType = 0x1f
)

// ResValue is a typed resource value (spec §3). Size/Res0 are kept only to
// round-trip the on-disk layout; callers should use Type/Data and String().
type ResValue struct {
	Size uint16
	Res0 uint8
	Type AttrType
	Data uint32
}

func readResValue(r io.Reader) (ResValue, error) {
	var v ResValue
	if err := binary.Read(r, binary.LittleEndian, &v.Size); err != nil {
		return v, err
	}
	if err := binary.Read(r, binary.LittleEndian, &v.Res0); err != nil {
		return v, err
	}
	var t uint8
	if err := binary.Read(r, binary.LittleEndian, &t); err != nil {
		return v, err
	}
	v.Type = AttrType(t)
	if err := binary.Read(r, binary.LittleEndian, &v.Data); err != nil {
		return v, err
	}
	return v, nil
}

var complexUnitDimension = [...]string{"px", "dip", "sp", "pt", "in", "mm"}
var complexUnitFraction = [...]string{"%", "%p"}
var complexRadixMul = [4]float64{0.00390625, 3.051758e-5, 1.192093e-7, 4.656613e-10}

// complexToFloat implements AOSP's Complex-to-float conversion: the top 24
// bits of data form a signed mantissa, scaled by one of four radixes chosen
// by bits [5:4] (spec §4.3).
func complexToFloat(data uint32) float64 {
	mantissa := int32(data & 0xFFFFFF00)
	radix := (data >> 4) & 3
	return float64(mantissa) * complexRadixMul[radix]
}

// String renders a ResValue to its textual form per spec §4.3. strLookup
// resolves String-typed values via a string pool; it may be nil, in which
// case String values render empty.
func (v ResValue) String(strLookup func(idx uint32) (string, bool)) string {
	switch v.Type {
	case AttrTypeReference:
		prefix := "@"
		if v.Data>>24 == 1 {
			prefix += "android:"
		}
		return fmt.Sprintf("%s%08x", prefix, v.Data)
	case AttrTypeAttribute:
		prefix := "?"
		if v.Data>>24 == 1 {
			prefix += "android:"
		}
		return fmt.Sprintf("%s%08x", prefix, v.Data)
	case AttrTypeString:
		if strLookup == nil {
			return ""
		}
		if s, ok := strLookup(v.Data); ok {
			return s
		}
		return ""
	case AttrTypeFloat:
		f := math.Float32frombits(v.Data)
		return trimFloat(float64(f))
	case AttrTypeDimension:
		unit := ""
		if idx := v.Data & 0xF; int(idx) < len(complexUnitDimension) {
			unit = complexUnitDimension[idx]
		}
		return fmt.Sprintf("%s%s", trimFloat(complexToFloat(v.Data)), unit)
	case AttrTypeFraction:
		unit := ""
		if idx := v.Data & 0xF; int(idx) < len(complexUnitFraction) {
			unit = complexUnitFraction[idx]
		}
		return fmt.Sprintf("%s%s", trimFloat(complexToFloat(v.Data)*100), unit)
	case AttrTypeIntDec:
		return fmt.Sprintf("%d", int32(v.Data))
	case AttrTypeIntHex:
		return fmt.Sprintf("0x%08x", v.Data)
	case AttrTypeIntBool:
		if v.Data != 0 {
			return "true"
		}
		return "false"
	case AttrTypeIntColorArgb8, AttrTypeIntColorRgb8, AttrTypeIntColorArgb4, AttrTypeIntColorRgb4:
		return fmt.Sprintf("#%08x", v.Data)
	case AttrTypeNull:
		return ""
	default:
		return fmt.Sprintf("%d", int32(v.Data))
	}
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%g", f)
	return s
}

// PackResourceID packs a package/type/entry triple into the 32-bit resource
// identifier layout used throughout ARSC and AXML references (spec §3).
func PackResourceID(pkg, typ uint8, entry uint16) uint32 {
	return uint32(pkg)<<24 | uint32(typ)<<16 | uint32(entry)
}

// ResourceID is the decoded form of a packed 32-bit resource identifier.
type ResourceID struct {
	Package uint8
	Type    uint8
	Entry   uint16
}

// UnpackResourceID splits a packed 32-bit resource identifier into its
// package_id(8) | type_id(8) | entry_id(16) components (spec §3).
func UnpackResourceID(id uint32) ResourceID {
	return ResourceID{
		Package: uint8(id >> 24),
		Type:    uint8(id >> 16),
		Entry:   uint16(id),
	}
}
