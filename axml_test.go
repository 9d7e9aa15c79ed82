package apkinsight

import (
	"bytes"
	"testing"
)

func TestParseAXMLBasicTree(t *testing.T) {
	var sb strPoolBuilder
	manifestIdx := sb.Add("manifest")
	packageIdx := sb.Add("package")
	pkgNameIdx := sb.Add("com.example.app")
	appIdx := sb.Add("application")
	activityIdx := sb.Add("activity")
	nameIdx := sb.Add("name")
	dotMainIdx := sb.Add(".Main")
	androidNsIdx := sb.Add("http://schemas.android.com/apk/res/android")

	const noNs = 0xFFFFFFFF

	manifestStart := buildTagStart(noNs, manifestIdx, []axmlAttr{
		{nsIdx: noNs, nameIdx: packageIdx, val: buildResValueRef(pkgNameIdx)},
	})
	appStart := buildTagStart(noNs, appIdx, nil)
	activityStart := buildTagStart(noNs, activityIdx, []axmlAttr{
		{nsIdx: androidNsIdx, nameIdx: nameIdx, val: buildResValueRef(dotMainIdx)},
	})
	activityEnd := buildTagEnd(noNs, activityIdx)
	appEnd := buildTagEnd(noNs, appIdx)
	manifestEnd := buildTagEnd(noNs, manifestIdx)

	doc := buildAxmlDoc(chunkAxmlFile, sb.Bytes(), manifestStart, appStart, activityStart, activityEnd, appEnd, manifestEnd)

	d, err := ParseAXML(bytes.NewReader(doc), nil)
	if err != nil {
		t.Fatalf("ParseAXML: %v", err)
	}
	if d.IsTampered {
		t.Fatalf("well-formed document should not be tampered")
	}
	if d.Root == nil || d.Root.Name != "manifest" {
		t.Fatalf("Root = %+v, want manifest", d.Root)
	}
	if pkg, ok := d.Root.Attr("package"); !ok || pkg != "com.example.app" {
		t.Fatalf("package attr = %q,%v want com.example.app,true", pkg, ok)
	}
	if v, ok := d.Attr("activity", "name"); !ok || v != ".Main" {
		t.Fatalf("activity/name = %q,%v want .Main,true", v, ok)
	}
	if len(d.Root.Children) != 1 || d.Root.Children[0].Name != "application" {
		t.Fatalf("Root.Children = %+v, want one application", d.Root.Children)
	}
}

func TestParseAXMLTamperedOuterChunkType(t *testing.T) {
	var sb strPoolBuilder
	manifestIdx := sb.Add("manifest")
	const noNs = 0xFFFFFFFF
	manifestStart := buildTagStart(noNs, manifestIdx, nil)
	manifestEnd := buildTagEnd(noNs, manifestIdx)

	// Outer chunk type 0x00 instead of the canonical 0x0003 (spec §8's
	// boundary scenario 2): must still parse, flagged tampered.
	doc := buildAxmlDoc(0x0000, sb.Bytes(), manifestStart, manifestEnd)

	d, err := ParseAXML(bytes.NewReader(doc), nil)
	if err != nil {
		t.Fatalf("ParseAXML: %v", err)
	}
	if !d.IsTampered {
		t.Fatalf("wrong outer chunk type should set IsTampered")
	}
	if d.Root == nil || d.Root.Name != "manifest" {
		t.Fatalf("Root = %+v, want manifest despite tamper", d.Root)
	}
}

func TestParseAXMLTextNode(t *testing.T) {
	var sb strPoolBuilder
	rootIdx := sb.Add("string")
	textIdx := sb.Add("hello world")
	const noNs = 0xFFFFFFFF

	start := buildTagStart(noNs, rootIdx, nil)
	text := buildText(textIdx)
	end := buildTagEnd(noNs, rootIdx)

	doc := buildAxmlDoc(chunkAxmlFile, sb.Bytes(), start, text, end)
	d, err := ParseAXML(bytes.NewReader(doc), nil)
	if err != nil {
		t.Fatalf("ParseAXML: %v", err)
	}
	if d.Root.Text != "hello world" {
		t.Fatalf("Root.Text = %q, want %q", d.Root.Text, "hello world")
	}
}

func TestParseAXMLInputTooSmall(t *testing.T) {
	_, err := ParseAXML(bytes.NewReader([]byte{1, 2, 3}), nil)
	if err == nil {
		t.Fatalf("expected an error for a too-small AXML stream")
	}
}

// buildResValueRef builds a String-typed ResValue referencing a string
// pool index.
func buildResValueRef(strIdx uint32) []byte {
	return buildResValue(AttrTypeString, strIdx)
}
