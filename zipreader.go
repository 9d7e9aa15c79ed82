package apkinsight

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/flate"
)

// CompressionKind reports how an entry's bytes were actually obtained,
// distinguishing a clean decode from one that only succeeded by falling
// back on spec §4.1's tamper-resolution protocol.
type CompressionKind int

const (
	Stored CompressionKind = iota
	Deflated
	StoredTampered
	DeflatedTampered
)

func (k CompressionKind) String() string {
	switch k {
	case Stored:
		return "stored"
	case Deflated:
		return "deflated"
	case StoredTampered:
		return "stored-tampered"
	case DeflatedTampered:
		return "deflated-tampered"
	default:
		return "unknown"
	}
}

const (
	sigLocalFileHeader  = 0x04034b50
	sigCentralDirectory = 0x02014b50
	sigEOCD             = 0x06054b50

	localFileHeaderFixedSize = 30
	cdEntryFixedSize         = 46
	eocdFixedSize            = 22

	eocdSearchChunk = 4096
	// ZIP end-of-central-directory comments are at most 65535 bytes, so the
	// EOCD can never be further than that plus its own fixed size from EOF.
	eocdMaxWindow = 65535 + eocdFixedSize
)

// centralDirEntry is one parsed Central Directory record (spec §4.1).
type centralDirEntry struct {
	name               string
	method             uint16
	compressedSize     uint32
	uncompressedSize   uint32
	localHeaderOffset  uint32
	crc32              uint32
}

// ZipReaderFile mirrors archive/zip.File closely enough for callers that
// grew up on it, but additionally reports how its bytes were recovered
// when the ZIP container disagrees with itself about compression (spec
// §4.1's tamper-resolution protocol).
type ZipReaderFile struct {
	Name  string
	IsDir bool

	cd  centralDirEntry
	arc *ZipReader
}

// Read decodes this entry's full contents in one call, applying spec
// §4.1's tamper-resolution protocol:
//
//  1. Prefer the Local File Header's compressed/uncompressed sizes; if
//     either is zero, substitute the Central Directory's sizes.
//  2. The payload starts right after the Local File Header and its
//     filename/extra fields.
//  3. Dispatch by (method, compressed == uncompressed): method 0 is
//     Stored; method 8 is Deflated, failing as ErrDecompress if deflate
//     reports an error; any other method with equal sizes is
//     StoredTampered; any other method with differing sizes first tries
//     deflate (DeflatedTampered if it decodes without error), falling
//     back to StoredTampered otherwise. Neither deflate path checks that
//     the whole compressed region was consumed.
func (f *ZipReaderFile) Read() ([]byte, CompressionKind, error) {
	data := f.arc.data
	off := int64(f.cd.localHeaderOffset)
	if off < 0 || off+localFileHeaderFixedSize > int64(len(data)) {
		return nil, 0, fmt.Errorf("%w: local header offset out of range for %q", ErrBadHeader, f.Name)
	}

	lfh := data[off : off+localFileHeaderFixedSize]
	if binary.LittleEndian.Uint32(lfh[0:4]) != sigLocalFileHeader {
		logTamper(f.arc.opts, "zip", fmt.Sprintf("local file header magic mismatch for %q", f.Name))
	}
	lfhMethod := binary.LittleEndian.Uint16(lfh[8:10])
	lfhCompressed := binary.LittleEndian.Uint32(lfh[18:22])
	lfhUncompressed := binary.LittleEndian.Uint32(lfh[22:26])
	nameLen := binary.LittleEndian.Uint16(lfh[26:28])
	extraLen := binary.LittleEndian.Uint16(lfh[28:30])

	compressed, uncompressed := lfhCompressed, lfhUncompressed
	if compressed == 0 || uncompressed == 0 {
		compressed, uncompressed = f.cd.compressedSize, f.cd.uncompressedSize
	}

	dataOff := off + localFileHeaderFixedSize + int64(nameLen) + int64(extraLen)
	if dataOff < 0 || dataOff > int64(len(data)) {
		return nil, 0, fmt.Errorf("%w: payload offset out of range for %q", ErrBadHeader, f.Name)
	}
	end := dataOff + int64(compressed)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	region := data[dataOff:end]

	method := lfhMethod
	switch {
	case method == 0:
		return boundedCopy(region, f.arc.opts), Stored, nil
	case method == 8:
		out, err := inflate(region, f.arc.opts)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %q: %v", ErrDecompress, f.Name, err)
		}
		return out, Deflated, nil
	case compressed == uncompressed:
		logTamper(f.arc.opts, "zip", fmt.Sprintf("%q: unknown method %d with equal sizes, treating as stored", f.Name, method))
		return boundedCopy(region, f.arc.opts), StoredTampered, nil
	default:
		if out, err := inflate(region, f.arc.opts); err == nil {
			logTamper(f.arc.opts, "zip", fmt.Sprintf("%q: unknown method %d recovered via deflate", f.Name, method))
			return out, DeflatedTampered, nil
		}
		logTamper(f.arc.opts, "zip", fmt.Sprintf("%q: unknown method %d, deflate failed, falling back to stored", f.Name, method))
		return boundedCopy(region, f.arc.opts), StoredTampered, nil
	}
}

func boundedCopy(b []byte, opts *Options) []byte {
	if opts != nil && opts.MaxEntrySize > 0 && int64(len(b)) > opts.MaxEntrySize {
		b = b[:opts.MaxEntrySize]
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var flateReaderPool sync.Pool

func inflate(region []byte, opts *Options) ([]byte, error) {
	fr, ok := flateReaderPool.Get().(io.ReadCloser)
	if ok {
		fr.(flate.Resetter).Reset(byteReader(region), nil)
	} else {
		fr = flate.NewReader(byteReader(region))
	}
	defer flateReaderPool.Put(fr)

	limit := int64(1 << 32)
	if opts != nil && opts.MaxEntrySize > 0 {
		limit = opts.MaxEntrySize
	}
	out, err := io.ReadAll(io.LimitReader(fr, limit))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func byteReader(b []byte) io.Reader {
	return &sliceReader{b: b}
}

type sliceReader struct {
	b []byte
	i int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.i >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.i:])
	s.i += n
	return n, nil
}

// ZipReader is a single in-memory decode of a ZIP container. It owns the
// raw bytes; every ZipReaderFile borrows slices of them rather than
// copying eagerly, matching the "one owned byte buffer" shape spec §5
// describes for the whole facade.
type ZipReader struct {
	data []byte
	opts *Options

	File         map[string]*ZipReaderFile
	FilesOrdered []*ZipReaderFile
}

// OpenZip reads path into memory and decodes it as a ZIP container.
func OpenZip(path string, opts *Options) (*ZipReader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return OpenZipReader(data, opts)
}

// OpenZipReader decodes data as a ZIP container: a backward scan for the
// End-of-Central-Directory record, followed by a parse of the Central
// Directory it points to (spec §4.1). Individual entries are not
// decompressed until ZipReaderFile.Read is called.
func OpenZipReader(data []byte, opts *Options) (*ZipReader, error) {
	if len(data) < eocdFixedSize {
		return nil, ErrInputTooSmall
	}

	eocdOff, err := findEOCD(data)
	if err != nil {
		return nil, err
	}
	eocd := data[eocdOff:]

	cdEntryCount := binary.LittleEndian.Uint16(eocd[10:12])
	cdSize := binary.LittleEndian.Uint32(eocd[12:16])
	cdOffset := binary.LittleEndian.Uint32(eocd[16:20])

	zr := &ZipReader{
		data: data,
		opts: opts,
		File: make(map[string]*ZipReaderFile),
	}

	pos := int64(cdOffset)
	cdEnd := pos + int64(cdSize)
	if cdEnd > int64(len(data)) || cdEnd < pos {
		cdEnd = int64(eocdOff)
		logTamper(opts, "zip", "central directory size/offset inconsistent with file length, clamping to EOCD")
	}

	for i := 0; i < int(cdEntryCount) && pos+cdEntryFixedSize <= cdEnd; i++ {
		rec := data[pos : pos+cdEntryFixedSize]
		if binary.LittleEndian.Uint32(rec[0:4]) != sigCentralDirectory {
			logTamper(opts, "zip", "central directory entry magic mismatch, stopping scan")
			break
		}

		method := binary.LittleEndian.Uint16(rec[10:12])
		crc := binary.LittleEndian.Uint32(rec[16:20])
		compressedSize := binary.LittleEndian.Uint32(rec[20:24])
		uncompressedSize := binary.LittleEndian.Uint32(rec[24:28])
		nameLen := binary.LittleEndian.Uint16(rec[28:30])
		extraLen := binary.LittleEndian.Uint16(rec[30:32])
		commentLen := binary.LittleEndian.Uint16(rec[32:34])
		localHeaderOffset := binary.LittleEndian.Uint32(rec[42:46])

		nameStart := pos + cdEntryFixedSize
		nameEnd := nameStart + int64(nameLen)
		if nameEnd > int64(len(data)) {
			break
		}
		name := string(data[nameStart:nameEnd])

		entry := centralDirEntry{
			name:              name,
			method:            method,
			compressedSize:    compressedSize,
			uncompressedSize:  uncompressedSize,
			localHeaderOffset: localHeaderOffset,
			crc32:             crc,
		}

		zrf := &ZipReaderFile{
			Name:  name,
			IsDir: len(name) > 0 && name[len(name)-1] == '/',
			cd:    entry,
			arc:   zr,
		}
		zr.File[name] = zrf
		zr.FilesOrdered = append(zr.FilesOrdered, zrf)

		pos = nameEnd + int64(extraLen) + int64(commentLen)
	}

	return zr, nil
}

// findEOCD backward-scans data for the End-of-Central-Directory signature,
// chunk by chunk from the end (spec §4.1), honoring that a ZIP comment can
// push the true record arbitrarily far (up to 64KiB) before the last byte.
func findEOCD(data []byte) (int64, error) {
	windowStart := int64(len(data)) - eocdMaxWindow
	if windowStart < 0 {
		windowStart = 0
	}

	// Scan backward in fixed-size chunks so a multi-megabyte APK doesn't
	// require materializing the whole trailing window at once; chunks
	// overlap by eocdFixedSize-1 bytes so a signature straddling a chunk
	// boundary is never missed.
	pos := int64(len(data))
	for pos > windowStart {
		start := pos - eocdSearchChunk
		if start < windowStart {
			start = windowStart
		}
		chunk := data[start:pos]

		for i := len(chunk) - eocdFixedSize; i >= 0; i-- {
			if binary.LittleEndian.Uint32(chunk[i:i+4]) == sigEOCD {
				off := start + int64(i)
				commentLen := binary.LittleEndian.Uint16(data[off+20 : off+22])
				if off+eocdFixedSize+int64(commentLen) <= int64(len(data)) {
					return off, nil
				}
			}
		}

		if start == windowStart {
			break
		}
		pos = start + eocdFixedSize - 1
		if pos > int64(len(data)) {
			pos = int64(len(data))
		}
	}

	return 0, ErrEOCDNotFound
}

// Names returns every entry name in Central Directory order.
func (z *ZipReader) Names() []string {
	names := make([]string, 0, len(z.FilesOrdered))
	for _, f := range z.FilesOrdered {
		names = append(names, f.Name)
	}
	return names
}

// Read decodes the named entry in full, or ErrNotFound if absent.
func (z *ZipReader) Read(name string) ([]byte, CompressionKind, error) {
	f, ok := z.File[name]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return f.Read()
}
