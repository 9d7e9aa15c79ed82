package apkinsight

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ResTableConfig is the variable-length union-of-fields configuration
// descriptor used as a lookup key throughout ARSC (spec §4.5). Its raw
// bytes are kept verbatim so equality is exactly "bitwise equal on the
// declared prefix", matching the spec's comparison rule.
type ResTableConfig struct {
	raw []byte
}

// parseResTableConfig reads a ResTableConfig: a leading size:u32 dictates
// how many of the following fields are present; anything beyond what this
// package knows how to interpret is still consumed so the cursor doesn't
// desynchronise (spec §4.5).
func parseResTableConfig(r io.Reader) (ResTableConfig, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return ResTableConfig{}, err
	}
	if size < 4 {
		size = 4
	}

	rest := make([]byte, size-4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return ResTableConfig{}, fmt.Errorf("ResTableConfig: reading %d-byte body: %w", len(rest), err)
	}

	raw := make([]byte, 4+len(rest))
	binary.LittleEndian.PutUint32(raw[0:4], size)
	copy(raw[4:], rest)
	return ResTableConfig{raw: raw}, nil
}

// Equal reports whether two configs are bitwise identical on their
// declared prefix (spec §4.5: "two configs compare equal only if their
// raw fields are bitwise equal").
func (c ResTableConfig) Equal(other ResTableConfig) bool {
	if len(c.raw) != len(other.raw) {
		return false
	}
	for i := range c.raw {
		if c.raw[i] != other.raw[i] {
			return false
		}
	}
	return true
}

func (c ResTableConfig) field(offset int) uint32 {
	if offset+4 > len(c.raw) {
		return 0
	}
	return binary.LittleEndian.Uint32(c.raw[offset : offset+4])
}

// String renders the config following the AOSP qualifier grammar (spec
// §4.5), covering the fields this package actually reads entries by:
// locale, orientation/touchscreen/density, screen size, platform version.
// It is meant for debugging/display, not for equality comparisons.
func (c ResTableConfig) String() string {
	if len(c.raw) < 4 {
		return ""
	}

	var parts []string

	locale := c.field(8)
	if locale != 0 {
		// language[2] at bytes 8-9, country[2] at bytes 10-11
		b := c.raw[8:12]
		lang := decodeLangOrCountry(uint16(b[0])<<8 | uint16(b[1]))
		country := decodeLangOrCountry(uint16(b[2])<<8 | uint16(b[3]))
		if lang != "" {
			parts = append(parts, lang)
		}
		if country != "" {
			parts = append(parts, "r"+country)
		}
	}

	screenType := c.field(12)
	orientation := uint8(screenType)
	touchscreen := uint8(screenType >> 8)
	density := uint16(screenType >> 16)
	switch orientation {
	case 1:
		parts = append(parts, "port")
	case 2:
		parts = append(parts, "land")
	case 3:
		parts = append(parts, "square")
	}
	switch touchscreen {
	case 1:
		parts = append(parts, "notouch")
	case 2:
		parts = append(parts, "stylus")
	case 3:
		parts = append(parts, "finger")
	}
	parts = append(parts, densityQualifier(density)...)

	screenSize := c.field(20)
	if screenSize != 0 {
		w := uint16(screenSize)
		h := uint16(screenSize >> 16)
		parts = append(parts, fmt.Sprintf("%dx%d", w, h))
	}

	version := c.field(24)
	if version != 0 {
		sdk := uint16(version)
		parts = append(parts, fmt.Sprintf("v%d", sdk))
	}

	out := ""
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i > 0 && out != "" {
			out += "-"
		}
		out += p
	}
	return out
}

func densityQualifier(density uint16) []string {
	switch density {
	case 0:
		return nil
	case 120:
		return []string{"ldpi"}
	case 160:
		return nil
	case 213:
		return []string{"tvdpi"}
	case 240:
		return []string{"hdpi"}
	case 320:
		return []string{"xhdpi"}
	case 480:
		return []string{"xxhdpi"}
	case 640:
		return []string{"xxxhdpi"}
	case 0xfffe:
		return []string{"anydpi"}
	case 0xffff:
		return []string{"nodpi"}
	default:
		return []string{fmt.Sprintf("%ddpi", density)}
	}
}

// decodeLangOrCountry decodes a packed 16-bit language/region code: zero
// means "any" (rendered empty here), two 7-bit ASCII letters are the
// common case, and the high-bit-set form packs a 3-letter ISO-639-2 code
// (spec §4.5 via AOSP's ResTable_config::unpackLanguageOrRegion).
func decodeLangOrCountry(raw uint16) string {
	if raw == 0 {
		return ""
	}
	hi := byte(raw >> 8)
	lo := byte(raw)
	if hi&0x80 == 0 && lo&0x80 == 0 {
		return string([]byte{hi, lo})
	}
	if raw&0x8000 != 0 {
		f := byte(raw & 0x1F)
		s := byte((raw >> 5) & 0x1F)
		t := byte((raw >> 10) & 0x1F)
		return string([]byte{'a' + f, 'a' + s, 'a' + t})
	}
	return fmt.Sprintf("0x%04x", raw)
}
