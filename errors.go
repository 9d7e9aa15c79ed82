package apkinsight

import "errors"

// Sentinel errors for the taxonomy in spec §7. Each decoder wraps these
// with context via fmt.Errorf("...: %w", ...) so callers can still
// errors.Is/errors.As against the sentinel.
var (
	// ErrInputTooSmall is returned when an AXML (<8 bytes), ARSC (<12
	// bytes) or ZIP (no room for an EOCD) input is too small to possibly
	// hold the format it claims to be.
	ErrInputTooSmall = errors.New("apkinsight: input too small")

	// ErrBadHeader is returned for a fatally malformed chunk header, e.g.
	// an AXML stream whose outer header_size != 8.
	ErrBadHeader = errors.New("apkinsight: bad chunk header")

	// ErrBadMagic names a wrong format magic. No decoder in this package
	// returns it: a missing EOCD is reported as ErrEOCDNotFound, and a
	// Central Directory entry with a bad magic ends the directory scan
	// (logged) rather than failing the open.
	ErrBadMagic = errors.New("apkinsight: bad magic")

	// ErrFormatMismatch is returned when the APK Signing Block's leading
	// and trailing size fields disagree.
	ErrFormatMismatch = errors.New("apkinsight: signing block size mismatch")

	// ErrDecompress is returned when deflate fails with no stored
	// fallback possible.
	ErrDecompress = errors.New("apkinsight: decompression failed")

	// ErrNotFound is returned when a requested archive entry is absent.
	ErrNotFound = errors.New("apkinsight: entry not found")

	// ErrCertificateMalformed is returned when a DER certificate fails to
	// parse.
	ErrCertificateMalformed = errors.New("apkinsight: malformed certificate")

	// ErrEOCDNotFound is returned when no End-of-Central-Directory record
	// can be located within the trailing search window.
	ErrEOCDNotFound = errors.New("apkinsight: end of central directory not found")
)
