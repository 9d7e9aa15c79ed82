package apkinsight

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"

	"go.mozilla.org/pkcs7"
)

// SignatureKind distinguishes the APK signing schemes enumerated in spec
// §6's Apk::signatures() return type.
type SignatureKind int

const (
	SigV1 SignatureKind = iota
	SigV2
	SigV3
	SigV31
	SigStampV1
	SigStampV2
	SigApkChannel
)

func (k SignatureKind) String() string {
	switch k {
	case SigV1:
		return "v1"
	case SigV2:
		return "v2"
	case SigV3:
		return "v3"
	case SigV31:
		return "v3.1"
	case SigStampV1:
		return "stamp-v1"
	case SigStampV2:
		return "stamp-v2"
	case SigApkChannel:
		return "apk-channel"
	default:
		return "unknown"
	}
}

// Signature is one surfaced signing record: either a set of certificates
// (V1/V2/V3/V31/StampV1/StampV2) or a raw channel string (ApkChannel).
type Signature struct {
	Kind    SignatureKind
	Certs   []CertificateInfo
	Channel string
}

// CertificateInfo is the rendering of an X.509 certificate spec §4.2
// requires for every surfaced signer: serial, subject, validity window,
// signature algorithm name and the three standard fingerprint digests.
type CertificateInfo struct {
	SerialNumber       string
	Subject            string
	NotBefore          string
	NotAfter           string
	SignatureAlgorithm string
	MD5Fingerprint     string
	SHA1Fingerprint    string
	SHA256Fingerprint  string
}

func renderCertificate(cert *x509.Certificate) CertificateInfo {
	md5sum := md5.Sum(cert.Raw)
	sha1sum := sha1.Sum(cert.Raw)
	sha256sum := sha256.Sum256(cert.Raw)

	var subjectParts []string
	for _, rdn := range cert.Subject.Names {
		subjectParts = append(subjectParts, fmt.Sprintf("%s=%v", shortRDNName(rdn.Type), rdn.Value))
	}

	return CertificateInfo{
		SerialNumber:       fmt.Sprintf("%x", cert.SerialNumber),
		Subject:            strings.Join(subjectParts, ", "),
		NotBefore:          cert.NotBefore.UTC().Format("2006-01-02T15:04:05Z"),
		NotAfter:           cert.NotAfter.UTC().Format("2006-01-02T15:04:05Z"),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		MD5Fingerprint:     fmt.Sprintf("%x", md5sum),
		SHA1Fingerprint:    fmt.Sprintf("%x", sha1sum),
		SHA256Fingerprint:  fmt.Sprintf("%x", sha256sum),
	}
}

// shortRDNName maps the handful of OIDs x509 leaves numeric to their
// conventional short names so Subject reads like "CN=..., O=...".
func shortRDNName(oid asn1.ObjectIdentifier) string {
	switch oid.String() {
	case "2.5.4.3":
		return "CN"
	case "2.5.4.10":
		return "O"
	case "2.5.4.11":
		return "OU"
	case "2.5.4.6":
		return "C"
	case "2.5.4.7":
		return "L"
	case "2.5.4.8":
		return "ST"
	default:
		return oid.String()
	}
}

var v1SignatureFileRE = regexp.MustCompile(`^META-INF/[^/]+\.(RSA|DSA|EC)$`)

// ParseV1Signatures scans a ZIP container for JAR-style signature files and
// parses each as PKCS#7, aggregating every signer certificate found across
// all of them into a single V1 Signature. A missing v1 file is not an
// error; it simply yields no signature (spec §4.2).
func ParseV1Signatures(zr *ZipReader, opts *Options) (*Signature, error) {
	var certs []CertificateInfo
	for _, name := range zr.Names() {
		if !v1SignatureFileRE.MatchString(name) {
			continue
		}
		raw, _, err := zr.Read(name)
		if err != nil {
			logTamper(opts, "signing", fmt.Sprintf("v1 signature file %q unreadable: %v", name, err))
			continue
		}
		p7, err := pkcs7.Parse(raw)
		if err != nil {
			logTamper(opts, "signing", fmt.Sprintf("v1 signature file %q: %v", name, err))
			continue
		}
		for _, cert := range p7.Certificates {
			certs = append(certs, renderCertificate(cert))
		}
	}
	if len(certs) == 0 {
		return nil, nil
	}
	return &Signature{Kind: SigV1, Certs: certs}, nil
}

const apkSigBlockMagic = "APK Sig Block 42"

// sbEntry is one raw {id, value} pair from the ID-value pair sequence
// inside the APK Signing Block (spec §4.2 step 3).
type sbEntry struct {
	id    uint32
	value []byte
}

// ReadSigningBlockEntries locates and decodes the APK Signing Block that
// sits directly before the Central Directory (spec §4.2 steps 1-3). A
// return of (nil, nil) means there is no v2+ block at all, which is not
// an error: plenty of valid, v1-only APKs lack one.
func ReadSigningBlockEntries(data []byte, cdOffset int64, opts *Options) ([]sbEntry, error) {
	const magicLen = 16
	if cdOffset < magicLen+8 {
		return nil, nil
	}

	magic := data[cdOffset-magicLen : cdOffset]
	if string(magic) != apkSigBlockMagic {
		return nil, nil
	}

	trailingSize := binary.LittleEndian.Uint64(data[cdOffset-magicLen-8 : cdOffset-magicLen])

	leadingOffset := cdOffset - int64(trailingSize) - 8
	if leadingOffset < 0 || leadingOffset+8 > int64(len(data)) {
		return nil, fmt.Errorf("%w: signing block offset out of range", ErrFormatMismatch)
	}
	leadingSize := binary.LittleEndian.Uint64(data[leadingOffset : leadingOffset+8])
	if leadingSize != trailingSize {
		return nil, fmt.Errorf("%w: leading size %d != trailing size %d", ErrFormatMismatch, leadingSize, trailingSize)
	}

	pairsStart := leadingOffset + 8
	pairsEnd := cdOffset - magicLen - 8 // size_of_block - 24 bytes of pairs (excludes trailing size + magic)
	if pairsEnd < pairsStart {
		return nil, fmt.Errorf("%w: signing block has negative pair region", ErrFormatMismatch)
	}

	var entries []sbEntry
	pos := pairsStart
	for pos+12 <= pairsEnd {
		entrySize := binary.LittleEndian.Uint64(data[pos : pos+8])
		valueStart := pos + 8
		if entrySize < 4 || valueStart+int64(entrySize) > pairsEnd {
			logTamper(opts, "signing", "id-value pair entry_size out of range, stopping scan")
			break
		}
		id := binary.LittleEndian.Uint32(data[valueStart : valueStart+4])
		value := data[valueStart+4 : valueStart+int64(entrySize)]
		entries = append(entries, sbEntry{id: id, value: value})
		pos = valueStart + int64(entrySize)
	}

	return entries, nil
}

// Recognised APK Signing Block entry IDs (spec §4.2).
const (
	sbIDSignerV2        = 0x7109871a
	sbIDSignerV3        = 0xf05368c0
	sbIDSignerV31       = 0x1b93ad61
	sbIDStampV1         = 0x2b09189e
	sbIDStampV2         = 0x6dff800d
	sbIDApkChannel      = 0x71777777
	sbIDVerityPadding   = 0x42726577
	sbIDDependencyInfo  = 0x504b4453
	sbIDPlayFrosting    = 0x2146444e
	sbIDZeroBlock       = 0xff3b5998
)

// ParseSigningBlockV2Plus decodes every recognised entry from the APK
// Signing Block's ID-value pair sequence into a Signature list (spec
// §4.2). Unknown IDs are logged and skipped; they do not affect known
// entries elsewhere in the block.
func ParseSigningBlockV2Plus(data []byte, cdOffset int64, opts *Options) ([]Signature, error) {
	entries, err := ReadSigningBlockEntries(data, cdOffset, opts)
	if err != nil {
		return nil, err
	}

	var sigs []Signature
	for _, e := range entries {
		switch e.id {
		case sbIDSignerV2:
			certs, err := parseSignersBlock(e.value, false, opts)
			if err != nil {
				logTamper(opts, "signing", fmt.Sprintf("v2 signer block: %v", err))
				continue
			}
			sigs = append(sigs, Signature{Kind: SigV2, Certs: certs})
		case sbIDSignerV3:
			certs, err := parseSignersBlock(e.value, true, opts)
			if err != nil {
				logTamper(opts, "signing", fmt.Sprintf("v3 signer block: %v", err))
				continue
			}
			sigs = append(sigs, Signature{Kind: SigV3, Certs: certs})
		case sbIDSignerV31:
			certs, err := parseSignersBlock(e.value, true, opts)
			if err != nil {
				logTamper(opts, "signing", fmt.Sprintf("v3.1 signer block: %v", err))
				continue
			}
			sigs = append(sigs, Signature{Kind: SigV31, Certs: certs})
		case sbIDStampV1:
			cert, err := parseStampBlock(e.value)
			if err != nil {
				logTamper(opts, "signing", fmt.Sprintf("v1 source stamp: %v", err))
				continue
			}
			sigs = append(sigs, Signature{Kind: SigStampV1, Certs: []CertificateInfo{*cert}})
		case sbIDStampV2:
			cert, err := parseStampBlock(e.value)
			if err != nil {
				logTamper(opts, "signing", fmt.Sprintf("v2 source stamp: %v", err))
				continue
			}
			sigs = append(sigs, Signature{Kind: SigStampV2, Certs: []CertificateInfo{*cert}})
		case sbIDApkChannel:
			sigs = append(sigs, Signature{Kind: SigApkChannel, Channel: sanitizeString(string(e.value))})
		case sbIDVerityPadding, sbIDDependencyInfo, sbIDZeroBlock:
			// ignored, no payload of interest
		case sbIDPlayFrosting:
			logTamper(opts, "signing", "Google Play frosting block present, ignoring")
		default:
			logTamper(opts, "signing", fmt.Sprintf("unrecognised signing block id 0x%08x, skipping", e.id))
		}
	}
	return sigs, nil
}

// parseSignersBlock decodes a v2/v3(.1) signers-len-prefixed list,
// extracting every signer's certificate chain (spec §4.2 "Signer record").
// withSdkVersions selects the v3/v3.1 layout, which inserts a min/max SDK
// pair between the certificate block and the attributes block.
func parseSignersBlock(payload []byte, withSdkVersions bool, opts *Options) ([]CertificateInfo, error) {
	r := bytes.NewReader(payload)
	signersLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	signersRegion, err := readN(r, int64(signersLen))
	if err != nil {
		return nil, err
	}

	var certs []CertificateInfo
	sr := bytes.NewReader(signersRegion)
	for sr.Len() > 0 {
		signerLen, err := readU32(sr)
		if err != nil {
			return certs, err
		}
		signerBytes, err := readN(sr, int64(signerLen))
		if err != nil {
			return certs, err
		}

		signerCerts, err := parseSignerRecord(signerBytes, withSdkVersions, opts)
		if err != nil {
			logTamper(opts, "signing", fmt.Sprintf("signer record: %v", err))
			continue
		}
		certs = append(certs, signerCerts...)
	}
	return certs, nil
}

func parseSignerRecord(signer []byte, withSdkVersions bool, opts *Options) ([]CertificateInfo, error) {
	r := bytes.NewReader(signer)

	signedDataLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	signedData, err := readN(r, int64(signedDataLen))
	if err != nil {
		return nil, err
	}

	certs, err := parseSignedData(signedData, withSdkVersions, opts)
	if err != nil {
		return nil, err
	}

	// Remainder: signatures[] then public key, neither needed for
	// certificate extraction; left unparsed.
	return certs, nil
}

func parseSignedData(signedData []byte, withSdkVersions bool, opts *Options) ([]CertificateInfo, error) {
	r := bytes.NewReader(signedData)

	digestsLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if _, err := readN(r, int64(digestsLen)); err != nil {
		return nil, err
	}

	certsLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	certsRegion, err := readN(r, int64(certsLen))
	if err != nil {
		return nil, err
	}

	certs, err := parseCertList(certsRegion, opts)
	if err != nil {
		return nil, err
	}

	if withSdkVersions {
		if _, err := readU32(r); err != nil { // min_sdk
			return certs, nil
		}
		if _, err := readU32(r); err != nil { // max_sdk
			return certs, nil
		}
	}

	// attrs[] may follow; not needed for certificate extraction.
	return certs, nil
}

// parseCertList decodes a length-prefixed sequence of DER certificates
// (spec §4.2: "Each cert: len(u32); DER bytes").
func parseCertList(region []byte, opts *Options) ([]CertificateInfo, error) {
	r := bytes.NewReader(region)
	var certs []CertificateInfo
	for r.Len() > 0 {
		certLen, err := readU32(r)
		if err != nil {
			return certs, err
		}
		der, err := readN(r, int64(certLen))
		if err != nil {
			return certs, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			logTamper(opts, "signing", fmt.Sprintf("%v: %v", ErrCertificateMalformed, err))
			continue
		}
		certs = append(certs, renderCertificate(cert))
	}
	return certs, nil
}

// parseStampBlock decodes a source-stamp payload: a single certificate
// followed by signed-digest/attribute material this package does not
// surface (spec §4.2: "cert + signed-data sequence").
func parseStampBlock(payload []byte) (*CertificateInfo, error) {
	r := bytes.NewReader(payload)
	certLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	der, err := readN(r, int64(certLen))
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateMalformed, err)
	}
	info := renderCertificate(cert)
	return &info, nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readN(r *bytes.Reader, n int64) ([]byte, error) {
	if n < 0 || n > int64(r.Len()) {
		return nil, fmt.Errorf("%w: short read of %d bytes", ErrBadHeader, n)
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, fmt.Errorf("%w: expected %d bytes, got %d", ErrBadHeader, len(buf), n)
	}
	return n, nil
}
