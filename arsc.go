package apkinsight

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

const noEntryOffset = ^uint32(0)

type entryKind int

const (
	entryDefault entryKind = iota
	entryComplex
	entryCompact
)

// resType is one ResTableType chunk: a single resource type under a
// single configuration (spec §4.5).
type resType struct {
	id     uint8
	config ResTableConfig

	sparse    bool
	dense     []uint32          // NoEntry sentinel: noEntryOffset
	sparseMap map[uint32]uint32 // entry idx -> byte offset into entriesRegion

	entriesRegion []byte
}

func (t *resType) offsetForEntry(idx uint32) (uint32, bool) {
	if t.sparse {
		off, ok := t.sparseMap[idx]
		return off, ok
	}
	if int(idx) >= len(t.dense) {
		return 0, false
	}
	v := t.dense[idx]
	if v == noEntryOffset {
		return 0, false
	}
	return v, true
}

type parsedEntry struct {
	keyIdx uint32
	kind   entryKind
	value  ResValue
}

// resPackage is one ResTablePackage (spec §4.5).
type resPackage struct {
	id          uint8
	name        string
	typeStrings stringPool
	keyStrings  stringPool
	types       map[uint8][]*resType // keyed by 1-based type id
}

// ResourceTable is a fully decoded ARSC resource table (spec §4.5): a
// global string pool (used for String-typed ResValues) and one or more
// packages, each with its own type/key string pools and per-config type
// chunks.
type ResourceTable struct {
	strings    stringPool
	packages   []*resPackage
	nameCache  map[uint32]string
	IsTampered bool
	opts       *Options
}

// ParseARSC decodes a complete compiled resource table (spec §4.5).
func ParseARSC(data []byte, opts *Options) (*ResourceTable, error) {
	if len(data) < 12 {
		return nil, ErrInputTooSmall
	}

	h, err := peekChunkHeader(data, 0)
	if err != nil {
		return nil, err
	}
	rt := &ResourceTable{opts: opts, nameCache: make(map[uint32]string)}
	if h.Type != chunkTable {
		rt.IsTampered = true
		logTamper(opts, "arsc", "top-level chunk is not a resource table header, continuing anyway")
	}

	bodyEnd := int(h.Size)
	if bodyEnd > len(data) || bodyEnd == 0 {
		bodyEnd = len(data)
	}

	headerSize := int(h.HeaderSize)
	if headerSize < chunkHeaderSize+4 || headerSize > bodyEnd {
		headerSize = chunkHeaderSize + 4
	}
	packageCount := binary.LittleEndian.Uint32(data[chunkHeaderSize : chunkHeaderSize+4])

	pos := headerSize
	sawGlobalPool := false
	for pos+chunkHeaderSize <= bodyEnd {
		sh, err := peekChunkHeader(data, pos)
		if err != nil {
			break
		}
		size := int(sh.Size)
		if size < chunkHeaderSize || pos+size > bodyEnd {
			size = bodyEnd - pos
		}
		chunk := data[pos : pos+size]

		switch {
		case !sawGlobalPool && sh.Type == chunkStringPool:
			sp, err := parseStringPoolChunk(bytes.NewReader(chunk))
			if err != nil {
				return nil, fmt.Errorf("arsc: global string pool: %w", err)
			}
			rt.strings = sp
			sawGlobalPool = true
		case sh.Type == chunkTablePackage:
			pkg, err := parsePackageChunk(chunk, opts)
			if err != nil {
				logTamper(opts, "arsc", fmt.Sprintf("package chunk: %v", err))
			} else {
				rt.packages = append(rt.packages, pkg)
			}
		default:
			rt.IsTampered = true
			logTamper(opts, "arsc", fmt.Sprintf("unexpected top-level chunk type 0x%04x, skipping", sh.Type))
		}

		if size <= 0 {
			break
		}
		pos += size
	}

	_ = packageCount // advisory only; actual package count is len(rt.packages)
	return rt, nil
}

// peekChunkHeader reads the universal chunk header at data[pos:] without
// consuming anything, for use by the slice-indexed ARSC decode loop.
func peekChunkHeader(data []byte, pos int) (chunkHeader, error) {
	if pos+chunkHeaderSize > len(data) {
		return chunkHeader{}, ErrInputTooSmall
	}
	return parseChunkHeader(bytes.NewReader(data[pos : pos+chunkHeaderSize]))
}

// parsePackageChunk decodes one ResTablePackage: the fixed package header
// (spec §4.5), its two local string pools, and a loop over TypeSpec/Type/
// Library/Overlayable sub-chunks until the chunk ends.
func parsePackageChunk(chunk []byte, opts *Options) (*resPackage, error) {
	const fixedHeaderLegacy = chunkHeaderSize + 4 + 256 + 4*4 // no type_id_offset
	const fixedHeaderFull = fixedHeaderLegacy + 4

	if len(chunk) < fixedHeaderLegacy {
		return nil, fmt.Errorf("%w: package chunk too small", ErrBadHeader)
	}

	h, err := peekChunkHeader(chunk, 0)
	if err != nil {
		return nil, err
	}

	idU32 := binary.LittleEndian.Uint32(chunk[8:12])
	nameUtf16 := chunk[12:268]
	typeStringsOff := binary.LittleEndian.Uint32(chunk[268:272])
	keyStringsOff := binary.LittleEndian.Uint32(chunk[276:280])

	headerSize := int(h.HeaderSize)
	if headerSize != fixedHeaderLegacy && headerSize != fixedHeaderFull {
		// tolerate other declared sizes by trusting it verbatim, as long
		// as it's in range; this is the "malformed sizes... tolerated by
		// consuming the excess" clause.
		if headerSize < fixedHeaderLegacy || headerSize > len(chunk) {
			headerSize = fixedHeaderLegacy
		}
	}

	pkg := &resPackage{
		id:    uint8(idU32),
		name:  decodePackageName(nameUtf16),
		types: make(map[uint8][]*resType),
	}

	if typeStringsOff > 0 && int(typeStringsOff) < len(chunk) {
		if sp, err := parseStringPoolAt(chunk, int(typeStringsOff)); err == nil {
			pkg.typeStrings = sp
		}
	}
	if keyStringsOff > 0 && int(keyStringsOff) < len(chunk) {
		if sp, err := parseStringPoolAt(chunk, int(keyStringsOff)); err == nil {
			pkg.keyStrings = sp
		}
	}

	pos := headerSize
	for pos+chunkHeaderSize <= len(chunk) {
		sh, err := peekChunkHeader(chunk, pos)
		if err != nil {
			break
		}
		size := int(sh.Size)
		if size < chunkHeaderSize || pos+size > len(chunk) {
			size = len(chunk) - pos
		}
		sub := chunk[pos : pos+size]

		switch sh.Type {
		case chunkTableType:
			t, err := parseTypeChunk(sub, opts)
			if err != nil {
				logTamper(opts, "arsc", fmt.Sprintf("type chunk: %v", err))
			} else {
				pkg.types[t.id] = append(pkg.types[t.id], t)
			}
		case chunkTableTypeSpec:
			// Retained only for completeness (spec §4.5): validated and
			// then discarded, not required for lookup.
			if len(sub) >= chunkHeaderSize+1 && sub[chunkHeaderSize] == 0 {
				logTamper(opts, "arsc", "TypeSpec.id == 0, ignoring chunk")
			}
		case chunkTableLibrary, chunkTableOverlayable, chunkTableOverlayablePolicy, chunkTableStagedAlias:
			// consumed only to avoid desynchronising the cursor
		default:
			logTamper(opts, "arsc", fmt.Sprintf("unrecognised package sub-chunk type 0x%04x", sh.Type))
		}

		if size <= 0 {
			break
		}
		pos += size
	}

	return pkg, nil
}

func parseStringPoolAt(data []byte, pos int) (stringPool, error) {
	h, err := peekChunkHeader(data, pos)
	if err != nil {
		return stringPool{}, err
	}
	size := int(h.Size)
	if size < chunkHeaderSize || pos+size > len(data) {
		size = len(data) - pos
	}
	return parseStringPoolChunk(bytes.NewReader(data[pos : pos+size]))
}

func decodePackageName(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i : i+2])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// parseTypeChunk decodes one ResTableType chunk (spec §4.5): the fixed
// header, a ResTableConfig, an entry-offset table whose layout depends on
// the sparse/offset16 flags, and the entries region sliced to exactly
// chunk_size - entries_start bytes.
func parseTypeChunk(chunk []byte, opts *Options) (*resType, error) {
	if len(chunk) < chunkHeaderSize+12 {
		return nil, fmt.Errorf("%w: type chunk too small", ErrBadHeader)
	}

	pos := chunkHeaderSize
	id := chunk[pos]
	flags := chunk[pos+1]
	entryCount := binary.LittleEndian.Uint32(chunk[pos+4 : pos+8])
	entriesStart := binary.LittleEndian.Uint32(chunk[pos+8 : pos+12])
	pos += 12

	cfg, err := parseResTableConfig(bytes.NewReader(chunk[pos:]))
	if err != nil {
		return nil, fmt.Errorf("type chunk config: %w", err)
	}
	pos += len(cfg.raw)

	t := &resType{id: id, config: cfg}

	const (
		flagSparse   = 0x01
		flagOffset16 = 0x02
	)

	switch {
	case flags&flagSparse != 0:
		t.sparse = true
		t.sparseMap = make(map[uint32]uint32, entryCount)
		for i := uint32(0); i < entryCount && pos+4 <= len(chunk); i++ {
			idx := binary.LittleEndian.Uint16(chunk[pos : pos+2])
			offUnits := binary.LittleEndian.Uint16(chunk[pos+2 : pos+4])
			t.sparseMap[uint32(idx)] = uint32(offUnits) * 4
			pos += 4
		}
	case flags&flagOffset16 != 0:
		t.dense = make([]uint32, 0, entryCount)
		for i := uint32(0); i < entryCount && pos+2 <= len(chunk); i++ {
			v := binary.LittleEndian.Uint16(chunk[pos : pos+2])
			pos += 2
			if v == 0xFFFF {
				t.dense = append(t.dense, noEntryOffset)
			} else {
				t.dense = append(t.dense, uint32(v)*4)
			}
		}
	default:
		t.dense = make([]uint32, 0, entryCount)
		for i := uint32(0); i < entryCount && pos+4 <= len(chunk); i++ {
			v := binary.LittleEndian.Uint32(chunk[pos : pos+4])
			pos += 4
			t.dense = append(t.dense, v)
		}
	}

	start := int(entriesStart)
	if start < 0 || start > len(chunk) {
		logTamper(opts, "arsc", "entries_start out of range, clamping")
		start = len(chunk)
	}
	t.entriesRegion = chunk[start:]

	return t, nil
}

// parseEntryRecord decodes one entry record's fixed prefix and dispatches
// on its flags (spec §4.5).
func parseEntryRecord(region []byte) (parsedEntry, error) {
	if len(region) < 8 {
		return parsedEntry{}, fmt.Errorf("%w: entry record too small", ErrBadHeader)
	}
	sizeOrKey := binary.LittleEndian.Uint16(region[0:2])
	flags := binary.LittleEndian.Uint16(region[2:4])
	keyOrData := binary.LittleEndian.Uint32(region[4:8])

	const (
		flagComplex = 0x1
		flagCompact = 0x8
	)

	switch {
	case flags&flagComplex != 0:
		return parsedEntry{keyIdx: keyOrData, kind: entryComplex}, nil
	case flags&flagCompact != 0:
		return parsedEntry{keyIdx: uint32(sizeOrKey), kind: entryCompact}, nil
	default:
		if len(region) < 16 {
			return parsedEntry{}, fmt.Errorf("%w: default entry missing ResValue", ErrBadHeader)
		}
		val, err := readResValue(bytes.NewReader(region[8:16]))
		if err != nil {
			return parsedEntry{}, err
		}
		return parsedEntry{keyIdx: keyOrData, kind: entryDefault, value: val}, nil
	}
}

// findEntry implements the package/config resolution walk common to both
// Lookup and Name (spec §4.5 "Resource lookup" steps 1-3).
func (rt *ResourceTable) findEntry(id uint32, cfg *ResTableConfig) (*resPackage, parsedEntry, bool) {
	rid := UnpackResourceID(id)

	var pkg *resPackage
	for _, p := range rt.packages {
		if p.id == rid.Package {
			pkg = p
			break
		}
	}
	if pkg == nil {
		return nil, parsedEntry{}, false
	}

	group := pkg.types[rid.Type]
	if len(group) == 0 {
		return pkg, parsedEntry{}, false
	}

	tryType := func(t *resType) (parsedEntry, bool) {
		off, ok := t.offsetForEntry(uint32(rid.Entry))
		if !ok || int(off) > len(t.entriesRegion) {
			return parsedEntry{}, false
		}
		e, err := parseEntryRecord(t.entriesRegion[off:])
		if err != nil {
			return parsedEntry{}, false
		}
		return e, true
	}

	if cfg != nil {
		for _, t := range group {
			if t.config.Equal(*cfg) {
				if e, ok := tryType(t); ok {
					return pkg, e, true
				}
				break
			}
		}
	} else {
		// No config given: try the default configuration (every field
		// after the size prefix zero) first.
		for _, t := range group {
			isDefault := true
			for _, b := range t.config.raw[4:] {
				if b != 0 {
					isDefault = false
					break
				}
			}
			if isDefault {
				if e, ok := tryType(t); ok {
					return pkg, e, true
				}
				break
			}
		}
	}

	for _, t := range group {
		if e, ok := tryType(t); ok {
			return pkg, e, true
		}
	}

	return pkg, parsedEntry{}, false
}

// Lookup resolves a packed resource id to its rendered textual value
// (spec §4.5). cfg may be nil to use the default (empty) configuration.
// Reference-typed entries are followed, guarded against self-cycles and
// bounded by Options.MaxResolveDepth.
func (rt *ResourceTable) Lookup(id uint32, cfg *ResTableConfig) (string, bool) {
	return rt.lookup(id, cfg, map[uint32]bool{}, 0)
}

func (rt *ResourceTable) lookup(id uint32, cfg *ResTableConfig, visited map[uint32]bool, depth int) (string, bool) {
	if depth > rt.opts.resolveDepth() || visited[id] {
		return "", false
	}
	visited[id] = true

	_, e, ok := rt.findEntry(id, cfg)
	if !ok || e.kind != entryDefault {
		return "", false
	}

	if e.value.Type == AttrTypeReference {
		if e.value.Data == id {
			return "", false
		}
		return rt.lookup(e.value.Data, cfg, visited, depth+1)
	}

	return e.value.String(func(idx uint32) (string, bool) { return rt.strings.get(idx) }), true
}

// Name resolves a packed resource id to its fully qualified
// package_name/type_name:entry_key form (spec §4.5), cached for the
// lifetime of the ResourceTable.
func (rt *ResourceTable) Name(id uint32) (string, bool) {
	if name, ok := rt.nameCache[id]; ok {
		return name, true
	}

	pkg, e, ok := rt.findEntry(id, nil)
	if pkg == nil {
		return "", false
	}

	rid := UnpackResourceID(id)
	if rid.Type == 0 {
		return "", false
	}
	typeName, ok2 := pkg.typeStrings.get(uint32(rid.Type) - 1)
	if !ok2 || typeName == "" {
		return "", false
	}

	keyName := ""
	if ok {
		keyName, _ = pkg.keyStrings.get(e.keyIdx)
	}

	full := fmt.Sprintf("%s/%s:%s", pkg.name, typeName, keyName)
	rt.nameCache[id] = full
	return full, true
}
