package apkinsight

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Element is one node of a decoded AXML document (spec §4.4). Attribute
// order is preserved as decoded; lookups below are linear, matching the
// small, shallow trees a manifest actually produces.
type Element struct {
	Name       string
	Namespace  string
	Attrs      []Attr
	Children   []*Element
	Text       string
	IsTampered bool
}

// Attr is one decoded and rendered attribute: Namespace is "android" when
// the attribute's namespace-URI index resolved through the string pool,
// empty otherwise (spec §4.4).
type Attr struct {
	Name      string
	Namespace string
	Value     string
	raw       ResValue
}

// Attr returns the first attribute on e matching name, searching both
// namespaced and bare forms.
func (e *Element) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Document is a fully decoded AXML tree together with the string pool and
// resource-ID map it was built from, so callers can still resolve indices
// a structural decode doesn't need (spec §4.4).
type Document struct {
	Root        *Element
	strings     stringPool
	resourceIds []uint32
	IsTampered  bool
}

// axmlParser holds the mutable decode state threaded through the chunk
// dispatch loop: the string pool and resource-ID map are filled in before
// the first tree chunk and read-only afterward.
type axmlParser struct {
	strings     stringPool
	resourceIds []uint32
	opts        *Options

	stack      []*Element
	root       *Element
	isTampered bool
}

// ParseAXML decodes a complete binary XML document (spec §4.4): the outer
// XML chunk header, one string pool, an optional resource-ID map, and a
// stream of tree chunks (namespace/element/text) consumed until input is
// exhausted.
func ParseAXML(r io.Reader, opts *Options) (*Document, error) {
	outer, err := parseChunkHeader(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: AXML shorter than its %d-byte header", ErrInputTooSmall, chunkHeaderSize)
		}
		return nil, err
	}
	if outer.HeaderSize != 8 {
		return nil, fmt.Errorf("%w: AXML outer header_size %d, want 8", ErrBadHeader, outer.HeaderSize)
	}
	isTampered := outer.Type != chunkAxmlFile
	if isTampered {
		logTamper(opts, "axml", "outer chunk is not a canonical XML header, continuing anyway")
	}

	body := &io.LimitedReader{R: r, N: int64(outer.Size) - chunkHeaderSize}

	p := &axmlParser{opts: opts, isTampered: isTampered}

	for body.N > chunkHeaderSize-1 {
		h, err := parseChunkHeader(body)
		if err != nil {
			break
		}
		chunkBody := &io.LimitedReader{R: body, N: int64(h.Size) - chunkHeaderSize}

		switch h.Type {
		case chunkStringPool:
			sp, err := parseStringPool(chunkBody)
			if err != nil {
				return nil, err
			}
			p.strings = sp
		case chunkResourceIds:
			if err := p.parseResourceIds(chunkBody); err != nil {
				return nil, err
			}
		default:
			if err := p.parseTreeChunk(h, chunkBody); err != nil {
				return nil, err
			}
		}

		// A chunk that read less than its declared size (tolerated
		// malformation) still needs its cursor advanced to the next
		// chunk boundary.
		if chunkBody.N > 0 {
			io.CopyN(io.Discard, chunkBody, chunkBody.N)
		}
	}

	if p.root == nil {
		p.root = &Element{Name: "", IsTampered: true}
		p.isTampered = true
	}

	return &Document{Root: p.root, strings: p.strings, resourceIds: p.resourceIds, IsTampered: p.isTampered}, nil
}

func (p *axmlParser) parseResourceIds(r *io.LimitedReader) error {
	count := r.N / 4
	for i := int64(0); i < count; i++ {
		v, err := readU32r(r)
		if err != nil {
			return nil
		}
		p.resourceIds = append(p.resourceIds, v)
	}
	return nil
}

// parseTreeChunk dispatches one tree chunk after validating its preamble
// (spec §4.4: "must have header_size == 0x10 and type within the XML
// range 0x0100-0x017F; off-range or wrong-size chunks are skipped").
func (p *axmlParser) parseTreeChunk(h chunkHeader, r *io.LimitedReader) error {
	inRange := h.Type >= 0x0100 && h.Type <= 0x017F
	if !inRange || h.HeaderSize != 0x10 {
		p.isTampered = true
		logTamper(p.opts, "axml", "tree chunk outside XML range or wrong header_size, skipping payload")
		return nil
	}

	// line_number(u32), comment_idx(u32)
	if _, err := readU32r(r); err != nil {
		return nil
	}
	if _, err := readU32r(r); err != nil {
		return nil
	}

	switch h.Type {
	case chunkXmlNsStart, chunkXmlNsEnd:
		// namespace prefix/uri idx; not modeled beyond manifest's
		// synthesised xmlns:android binding.
		return nil
	case chunkXmlTagStart:
		return p.parseTagStart(r)
	case chunkXmlTagEnd:
		return p.parseTagEnd(r)
	case chunkXmlText:
		return p.parseText(r)
	default:
		p.isTampered = true
		logTamper(p.opts, "axml", "unrecognised in-range tree chunk type, skipping payload")
		return nil
	}
}

func (p *axmlParser) resolveName(idx uint32) string {
	if s, ok := p.strings.get(idx); ok && s != "" {
		return s
	}
	if int(idx) < len(p.resourceIds) {
		if name, ok := lookupFrameworkAttrName(p.resourceIds[idx]); ok {
			return name
		}
	}
	return ""
}

func (p *axmlParser) parseTagStart(r *io.LimitedReader) error {
	nsIdx, err := readU32r(r)
	if err != nil {
		return nil
	}
	nameIdx, err := readU32r(r)
	if err != nil {
		return nil
	}
	attrStart, err := readU16r(r)
	if err != nil {
		return nil
	}
	attrSize, err := readU16r(r)
	if err != nil {
		return nil
	}
	attrCount, err := readU16r(r)
	if err != nil {
		return nil
	}
	// id_idx, class_idx, style_idx
	readU16r(r)
	readU16r(r)
	readU16r(r)

	const canonicalAttrStart = 0x14
	if attrStart > canonicalAttrStart {
		io.CopyN(io.Discard, r, int64(attrStart-canonicalAttrStart))
	}

	name := p.resolveName(nameIdx)
	if strings.ContainsAny(name, " \t\r\n") {
		name = ""
	}
	namespace, _ := p.strings.get(nsIdx)

	el := &Element{Name: name, Namespace: namespace}

	for i := uint16(0); i < attrCount; i++ {
		attr, consumed, ok := p.parseAttr(r, name)
		if ok {
			el.Attrs = append(el.Attrs, attr)
		}
		if int64(attrSize) > consumed {
			io.CopyN(io.Discard, r, int64(attrSize)-consumed)
		}
	}

	if name == "manifest" && len(p.stack) == 0 {
		el.Attrs = append([]Attr{{Name: "xmlns:android", Value: "http://schemas.android.com/apk/res/android"}}, el.Attrs...)
	}

	if len(p.stack) == 0 {
		p.root = el
	} else {
		parent := p.stack[len(p.stack)-1]
		parent.Children = append(parent.Children, el)
	}
	p.stack = append(p.stack, el)
	return nil
}

// parseAttr decodes one {ns_idx, name_idx, raw_value_idx, ResValue} record
// and renders it per §4.3. consumed reports how many bytes of the fixed
// 0x14-byte layout were actually read, so the caller can skip any
// producer-added padding up to the declared attribute_size.
func (p *axmlParser) parseAttr(r *io.LimitedReader, elementName string) (Attr, int64, bool) {
	nsIdx, err := readU32r(r)
	if err != nil {
		return Attr{}, 0, false
	}
	nameIdx, err := readU32r(r)
	if err != nil {
		return Attr{}, 4, false
	}
	_, err = readU32r(r) // raw_value_idx, superseded by the typed ResValue
	if err != nil {
		return Attr{}, 8, false
	}
	val, err := readResValue(r)
	if err != nil {
		return Attr{}, 12, false
	}
	const consumed = 4 + 4 + 4 + 8 // ns, name, raw_value, ResValue{size,res0,type,data}

	attrName := p.resolveName(nameIdx)
	// The root manifest's "package" attribute and the "platformBuildVersion*"
	// meta attributes must resolve through the string pool rather than the
	// framework attribute table even when both are present.
	if elementName == "manifest" {
		if s, ok := p.strings.get(nameIdx); ok && (s == "package" || strings.HasPrefix(s, "platformBuildVersion")) {
			attrName = s
		}
	}
	if attrName == "" {
		return Attr{}, consumed, false
	}

	attrNamespace := ""
	if ns, ok := p.strings.get(nsIdx); ok && ns != "" {
		attrNamespace = "android"
	}

	value := val.String(func(idx uint32) (string, bool) { return p.strings.get(idx) })
	return Attr{Name: attrName, Namespace: attrNamespace, Value: value, raw: val}, consumed, true
}

func (p *axmlParser) parseTagEnd(r *io.LimitedReader) error {
	readU32r(r)
	readU32r(r)
	if len(p.stack) > 1 {
		p.stack = p.stack[:len(p.stack)-1]
	} else if len(p.stack) == 1 {
		p.stack = p.stack[:0]
	}
	return nil
}

func (p *axmlParser) parseText(r *io.LimitedReader) error {
	idx, err := readU32r(r)
	if err != nil {
		return nil
	}
	readU32r(r)
	readU32r(r)
	text, ok := p.strings.get(idx)
	if !ok || len(p.stack) == 0 {
		return nil
	}
	top := p.stack[len(p.stack)-1]
	top.Text += text
	return nil
}

func readU32r(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func readU16r(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

// Attr implements the tag/name query described in spec §4.4: the first
// descendant whose Name equals tag (checking the root itself first), with
// the resolving-through-the-resource-table behaviour left to the Apk
// facade, which has a table to resolve against.
func (d *Document) Attr(tag, name string) (string, bool) {
	var found string
	var ok bool
	var walk func(e *Element)
	walk = func(e *Element) {
		if ok || e == nil {
			return
		}
		if e.Name == tag {
			if v, has := e.Attr(name); has {
				found, ok = v, true
				return
			}
		}
		for _, c := range e.Children {
			walk(c)
			if ok {
				return
			}
		}
	}
	walk(d.Root)
	return found, ok
}

// AllAttrValues yields the named attribute from every descendant element
// named tag, in depth-first order (spec §4.4).
func (d *Document) AllAttrValues(tag, name string) []string {
	var out []string
	var walk func(e *Element)
	walk = func(e *Element) {
		if e == nil {
			return
		}
		if e.Name == tag {
			if v, ok := e.Attr(name); ok {
				out = append(out, v)
			}
		}
		for _, c := range e.Children {
			walk(c)
		}
	}
	walk(d.Root)
	return out
}

const (
	intentActionMain          = "android.intent.action.MAIN"
	intentCategoryLauncher    = "android.intent.category.LAUNCHER"
	intentCategoryInfo        = "android.intent.category.INFO"
)

// MainActivities implements spec §4.4's main-activity discovery rule:
// every enabled activity/activity-alias child of <application> with an
// intent-filter advertising MAIN + (LAUNCHER or INFO).
func (d *Document) MainActivities() []string {
	var app *Element
	var find func(e *Element)
	find = func(e *Element) {
		if app != nil || e == nil {
			return
		}
		if e.Name == "application" {
			app = e
			return
		}
		for _, c := range e.Children {
			find(c)
		}
	}
	find(d.Root)
	if app == nil {
		return nil
	}

	var names []string
	for _, child := range app.Children {
		if child.Name != "activity" && child.Name != "activity-alias" {
			continue
		}
		if enabled, ok := child.Attr("enabled"); ok && enabled == "false" {
			continue
		}
		if !hasLauncherIntentFilter(child) {
			continue
		}
		if name, ok := child.Attr("name"); ok {
			names = append(names, name)
		}
	}
	return names
}

func hasLauncherIntentFilter(el *Element) bool {
	for _, filter := range el.Children {
		if filter.Name != "intent-filter" {
			continue
		}
		hasMain, hasLauncherOrInfo := false, false
		for _, c := range filter.Children {
			switch c.Name {
			case "action":
				if n, ok := c.Attr("name"); ok && n == intentActionMain {
					hasMain = true
				}
			case "category":
				if n, ok := c.Attr("name"); ok && (n == intentCategoryLauncher || n == intentCategoryInfo) {
					hasLauncherOrInfo = true
				}
			}
		}
		if hasMain && hasLauncherOrInfo {
			return true
		}
	}
	return false
}
