package apkinsight

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"regexp"
	"runtime/debug"
	"strings"
)

// Apk is the decoded facade spec §4.6 describes: a ZIP container plus its
// optional manifest and resource table, opened once and held in memory for
// the lifetime of the value (spec §5 — no operation below mutates
// observable state after Open/OpenReader returns).
type Apk struct {
	opts *Options

	zip        *ZipReader
	manifest   *Document
	resources  *ResourceTable
	signatures []Signature

	IsMultidex bool
	IsTampered bool
}

var multidexRE = regexp.MustCompile(`^classes(\d*)\.dex$`)

// Open reads path into memory and decodes it as an APK (or XAPK, see
// below).
func Open(path string, opts *Options) (*Apk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return OpenReader(data, opts)
}

// OpenReader decodes data as an APK. It tries AndroidManifest.xml first;
// if absent, it tries manifest.json (an XAPK descriptor naming an inner
// <package_name>.apk) and recurses into that inner archive's bytes (spec
// §4.6's XAPK indirection).
func OpenReader(data []byte, opts *Options) (apk *Apk, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apkinsight: panic while opening apk: %v\n%s", r, string(debug.Stack()))
		}
	}()

	zr, err := OpenZipReader(data, opts)
	if err != nil {
		return nil, err
	}

	if _, ok := zr.File["AndroidManifest.xml"]; ok {
		return newApk(zr, data, opts)
	}

	if mf, ok := zr.File["manifest.json"]; ok {
		raw, _, err := mf.Read()
		if err != nil {
			return nil, fmt.Errorf("apkinsight: reading manifest.json: %w", err)
		}
		pkgName, ok := xapkPackageName(raw)
		if !ok {
			return nil, fmt.Errorf("%w: manifest.json missing package_name", ErrBadHeader)
		}
		innerName := pkgName + ".apk"
		inner, ok := zr.File[innerName]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, innerName)
		}
		innerData, _, err := inner.Read()
		if err != nil {
			return nil, fmt.Errorf("apkinsight: reading %s: %w", innerName, err)
		}
		return OpenReader(innerData, opts)
	}

	return nil, fmt.Errorf("%w: AndroidManifest.xml", ErrNotFound)
}

func xapkPackageName(raw []byte) (string, bool) {
	var descriptor struct {
		PackageName string `json:"package_name"`
	}
	if err := json.Unmarshal(raw, &descriptor); err != nil || descriptor.PackageName == "" {
		return "", false
	}
	return descriptor.PackageName, true
}

// newApk parses the manifest, resources and signatures of a ZIP already
// confirmed to hold AndroidManifest.xml.
func newApk(zr *ZipReader, rawZip []byte, opts *Options) (*Apk, error) {
	a := &Apk{opts: opts, zip: zr}

	manifestRaw, _, err := zr.File["AndroidManifest.xml"].Read()
	if err != nil {
		return nil, fmt.Errorf("apkinsight: reading AndroidManifest.xml: %w", err)
	}
	doc, err := ParseAXML(bytes.NewReader(manifestRaw), opts)
	if err != nil {
		return nil, fmt.Errorf("apkinsight: parsing AndroidManifest.xml: %w", err)
	}
	a.manifest = doc
	a.IsTampered = doc.IsTampered

	if resFile, ok := zr.File["resources.arsc"]; ok {
		if resRaw, _, err := resFile.Read(); err == nil {
			if rt, err := ParseARSC(resRaw, opts); err == nil {
				a.resources = rt
				a.IsTampered = a.IsTampered || rt.IsTampered
			} else {
				logTamper(opts, "apk", fmt.Sprintf("resources.arsc present but unparseable: %v", err))
			}
		}
	}

	a.signatures = a.readSignatures(rawZip)

	for _, name := range zr.Names() {
		if multidexRE.MatchString(name) {
			a.IsMultidex = a.multidexCount() > 1
			break
		}
	}

	return a, nil
}

func (a *Apk) multidexCount() int {
	n := 0
	for _, name := range a.zip.Names() {
		if multidexRE.MatchString(name) {
			n++
		}
	}
	return n
}

// readSignatures parses every signing scheme present: the v1 JAR
// signature (if any META-INF/*.{RSA,DSA,EC} entries exist) and the v2+
// APK Signing Block (if the magic is present immediately before the
// Central Directory).
func (a *Apk) readSignatures(rawZip []byte) []Signature {
	var sigs []Signature

	if v1, err := ParseV1Signatures(a.zip, a.opts); err == nil && v1 != nil {
		sigs = append(sigs, *v1)
	} else if err != nil {
		logTamper(a.opts, "apk", fmt.Sprintf("v1 signature parse failed: %v", err))
	}

	eocdOff, err := findEOCD(rawZip)
	if err != nil {
		return sigs
	}
	eocd := rawZip[eocdOff:]
	cdOffset := int64(binary.LittleEndian.Uint32(eocd[16:20]))

	v2plus, err := ParseSigningBlockV2Plus(rawZip, cdOffset, a.opts)
	if err != nil {
		logTamper(a.opts, "apk", fmt.Sprintf("v2+ signing block parse failed: %v", err))
		return sigs
	}
	return append(sigs, v2plus...)
}

// Names returns every entry name in Central Directory order, omitting any
// whose path contains a ".." segment (spec §6: the reader hands back names
// verbatim, the facade is responsible for refusing traversal attempts).
func (a *Apk) Names() []string {
	all := a.zip.Names()
	names := make([]string, 0, len(all))
	for _, name := range all {
		if !hasDotDotSegment(name) {
			names = append(names, name)
		}
	}
	return names
}

// Read decodes the named ZIP entry (spec §6), refusing any name containing
// a ".." segment.
func (a *Apk) Read(name string) ([]byte, CompressionKind, error) {
	if hasDotDotSegment(name) {
		return nil, 0, fmt.Errorf("%w: %q contains a \"..\" segment", ErrNotFound, name)
	}
	return a.zip.Read(name)
}

// hasDotDotSegment reports whether name, split on '/', contains a literal
// ".." path segment (spec §6's traversal-refusal requirement).
func hasDotDotSegment(name string) bool {
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// Signatures returns every signing record surfaced from the APK (spec §6).
func (a *Apk) Signatures() []Signature { return a.signatures }

// XML renders the decoded manifest as pretty-printed XML (spec §6's
// Apk::xml(), out of scope for a terminal renderer per §14's Non-goals —
// callers decide what to do with the string).
func (a *Apk) XML() string {
	if a.manifest == nil || a.manifest.Root == nil {
		return ""
	}
	var b strings.Builder
	writeElement(&b, a.manifest.Root, 0)
	return b.String()
}

func writeElement(b *strings.Builder, e *Element, depth int) {
	indent := strings.Repeat("  ", depth)
	b.WriteString(indent)
	b.WriteByte('<')
	b.WriteString(e.Name)
	for _, attr := range e.Attrs {
		b.WriteByte(' ')
		if attr.Namespace != "" {
			b.WriteString(attr.Namespace)
			b.WriteByte(':')
		}
		b.WriteString(attr.Name)
		b.WriteString(`="`)
		xml.EscapeText(b, []byte(attr.Value))
		b.WriteString(`"`)
	}
	if len(e.Children) == 0 && e.Text == "" {
		b.WriteString("/>\n")
		return
	}
	b.WriteString(">")
	if e.Text != "" {
		xml.EscapeText(b, []byte(e.Text))
	}
	if len(e.Children) > 0 {
		b.WriteByte('\n')
		for _, c := range e.Children {
			writeElement(b, c, depth+1)
		}
		b.WriteString(indent)
	}
	b.WriteString("</")
	b.WriteString(e.Name)
	b.WriteString(">\n")
}

// resolve renders a raw attribute value, following a Reference through
// the resource table if one is loaded (spec §4.5/§4.6).
func (a *Apk) resolve(attr *Attr) string {
	if attr == nil {
		return ""
	}
	if attr.raw.Type == AttrTypeReference && a.resources != nil {
		if v, ok := a.resources.Lookup(attr.raw.Data, nil); ok {
			return v
		}
	}
	return attr.Value
}

func (a *Apk) findAttr(tag, name string) (*Attr, bool) {
	if a.manifest == nil {
		return nil, false
	}
	var found *Attr
	var walk func(e *Element)
	walk = func(e *Element) {
		if found != nil || e == nil {
			return
		}
		if e.Name == tag {
			for i := range e.Attrs {
				if e.Attrs[i].Name == name {
					found = &e.Attrs[i]
					return
				}
			}
		}
		for _, c := range e.Children {
			walk(c)
			if found != nil {
				return
			}
		}
	}
	walk(a.manifest.Root)
	return found, found != nil
}

// Attr resolves a single named attribute of the first element named tag,
// following a reference through the resource table when present (spec
// §4.6's per-attribute accessors).
func (a *Apk) Attr(tag, name string) (string, bool) {
	attr, ok := a.findAttr(tag, name)
	if !ok {
		return "", false
	}
	return a.resolve(attr), true
}

// AllAttrValues resolves the named attribute from every descendant
// element named tag, depth-first.
func (a *Apk) AllAttrValues(tag, name string) []string {
	if a.manifest == nil {
		return nil
	}
	var out []string
	var walk func(e *Element)
	walk = func(e *Element) {
		if e == nil {
			return
		}
		if e.Name == tag {
			for i := range e.Attrs {
				if e.Attrs[i].Name == name {
					out = append(out, a.resolve(&e.Attrs[i]))
				}
			}
		}
		for _, c := range e.Children {
			walk(c)
		}
	}
	walk(a.manifest.Root)
	return out
}

// PackageName is <manifest android:package=...> (spec §4.6).
func (a *Apk) PackageName() (string, bool) { return a.Attr("manifest", "package") }

// VersionCode is <manifest android:versionCode=...>.
func (a *Apk) VersionCode() (string, bool) { return a.Attr("manifest", "versionCode") }

// VersionName is <manifest android:versionName=...>.
func (a *Apk) VersionName() (string, bool) { return a.Attr("manifest", "versionName") }

// MinSdkVersion is <uses-sdk android:minSdkVersion=...>.
func (a *Apk) MinSdkVersion() (string, bool) { return a.Attr("uses-sdk", "minSdkVersion") }

// TargetSdkVersion is <uses-sdk android:targetSdkVersion=...>.
func (a *Apk) TargetSdkVersion() (string, bool) { return a.Attr("uses-sdk", "targetSdkVersion") }

// UsesPermissions lists every <uses-permission android:name=...>.
func (a *Apk) UsesPermissions() []string { return a.AllAttrValues("uses-permission", "name") }

// UsesFeatures lists every <uses-feature android:name=...>.
func (a *Apk) UsesFeatures() []string { return a.AllAttrValues("uses-feature", "name") }

// UsesLibraries lists every <uses-library android:name=...>.
func (a *Apk) UsesLibraries() []string { return a.AllAttrValues("uses-library", "name") }

// MainActivities lists every launcher-entry-point activity (spec §4.4).
func (a *Apk) MainActivities() []string {
	if a.manifest == nil {
		return nil
	}
	return a.manifest.MainActivities()
}

// enumTables backs DecodeEnumAttr (spec §13's supplemented feature): a
// fixed small set of well-known manifest attributes whose integer values
// are actually named enums or OR-able flag bits.
var enumTables = map[string]map[uint32]string{
	"installLocation": {
		0: "auto",
		1: "internalOnly",
		2: "preferExternal",
	},
	"launchMode": {
		0: "standard",
		1: "singleTop",
		2: "singleTask",
		3: "singleInstance",
	},
	"protectionLevel": {
		0: "normal",
		1: "dangerous",
		2: "signature",
		3: "signatureOrSystem",
	},
}

var configChangesFlags = []struct {
	bit  uint32
	name string
}{
	{0x0001, "mcc"},
	{0x0002, "mnc"},
	{0x0004, "locale"},
	{0x0008, "touchscreen"},
	{0x0010, "keyboard"},
	{0x0020, "keyboardHidden"},
	{0x0040, "navigation"},
	{0x0080, "orientation"},
	{0x0100, "screenLayout"},
	{0x0200, "uiMode"},
	{0x0400, "screenSize"},
	{0x0800, "smallestScreenSize"},
	{0x1000, "density"},
	{0x2000, "layoutDirection"},
	{0x40000000, "fontScale"},
}

// DecodeEnumAttr renders the named attribute of the first element named
// tag as its enum or flag-bitmask name(s) rather than a raw integer (spec
// §13, following the original Rust implementation's get_attr_value). Only
// a fixed set of well-known attributes are supported; anything else
// reports absent.
func (a *Apk) DecodeEnumAttr(tag, name string) (string, bool) {
	attr, ok := a.findAttr(tag, name)
	if !ok {
		return "", false
	}

	var n uint32
	switch attr.raw.Type {
	case AttrTypeIntDec, AttrTypeIntHex:
		n = attr.raw.Data
	default:
		return "", false
	}

	if name == "configChanges" {
		var parts []string
		for _, f := range configChangesFlags {
			if n&f.bit != 0 {
				parts = append(parts, f.name)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, "|"), true
	}

	table, ok := enumTables[name]
	if !ok {
		return "", false
	}
	val, ok := table[n]
	return val, ok
}
