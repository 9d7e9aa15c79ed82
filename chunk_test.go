package apkinsight

import "testing"

func TestResValueStringRendering(t *testing.T) {
	cases := []struct {
		name string
		v    ResValue
		want string
	}{
		{"reference", ResValue{Type: AttrTypeReference, Data: 0x7f010001}, "@7f010001"},
		{"android-reference", ResValue{Type: AttrTypeReference, Data: 0x01010001}, "@android:01010001"},
		{"intDec", ResValue{Type: AttrTypeIntDec, Data: 42}, "42"},
		{"intHex", ResValue{Type: AttrTypeIntHex, Data: 0xFF}, "0x000000ff"},
		{"boolTrue", ResValue{Type: AttrTypeIntBool, Data: 1}, "true"},
		{"boolFalse", ResValue{Type: AttrTypeIntBool, Data: 0}, "false"},
		{"color", ResValue{Type: AttrTypeIntColorArgb8, Data: 0xFF00FF00}, "#ff00ff00"},
		{"dimensionDip", ResValue{Type: AttrTypeDimension, Data: 0x100 | 1}, "1dip"},
		{"dimensionUnitOutOfRange", ResValue{Type: AttrTypeDimension, Data: 0x100 | 6}, "1"},
		{"fractionPercentParent", ResValue{Type: AttrTypeFraction, Data: 0x100 | 1}, "100%p"},
		{"fractionUnitOutOfRange", ResValue{Type: AttrTypeFraction, Data: 0x100 | 2}, "100"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.v.String(nil); got != c.want {
				t.Fatalf("String() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestResValueDimensionFractionUnitBoundsNeverPanic(t *testing.T) {
	// Every low-nibble value (0-15) must render without panicking, even
	// though complexUnitDimension/complexUnitFraction only define a few of
	// them: malformed input can set any of the 16 values.
	for unit := uint32(0); unit < 16; unit++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Dimension unit %d panicked: %v", unit, r)
				}
			}()
			ResValue{Type: AttrTypeDimension, Data: 0x100 | unit}.String(nil)
		}()
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Fraction unit %d panicked: %v", unit, r)
				}
			}()
			ResValue{Type: AttrTypeFraction, Data: 0x100 | unit}.String(nil)
		}()
	}
}

func TestResValueStringLookup(t *testing.T) {
	lookup := func(idx uint32) (string, bool) {
		if idx == 3 {
			return "hello", true
		}
		return "", false
	}
	v := ResValue{Type: AttrTypeString, Data: 3}
	if got := v.String(lookup); got != "hello" {
		t.Fatalf("String() = %q, want %q", got, "hello")
	}
	if got := (ResValue{Type: AttrTypeString, Data: 99}).String(lookup); got != "" {
		t.Fatalf("String() for missing index = %q, want empty", got)
	}
}

func TestResourceIDPacking(t *testing.T) {
	id := PackResourceID(0x7F, 0x01, 0x0002)
	rid := UnpackResourceID(id)
	if rid.Package != 0x7F || rid.Type != 0x01 || rid.Entry != 0x0002 {
		t.Fatalf("unpacked %+v, want {0x7F 0x01 0x0002}", rid)
	}
	if id != 0x7F010002 {
		t.Fatalf("packed id = 0x%08x, want 0x7f010002", id)
	}
}

func TestComplexToFloat(t *testing.T) {
	// 1.0 px: radix 0 (1<<8 shift), mantissa 1<<8 scaled by 2^-8 == 1.0
	data := uint32(1<<8) | 0 /* unit px */
	if got := complexToFloat(data); got != 1.0 {
		t.Fatalf("complexToFloat = %v, want 1.0", got)
	}
}
