// Package encoding detects and normalizes the character encodings seen in
// Transfer Gov exports. The platform only ever ships UTF-8 or Windows-1252
// text, so every detector answer collapses onto one of those two canonical
// labels and readers always hand UTF-8 to the rest of the pipeline.
package encoding

import (
	"bufio"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Encoding is a canonical encoding label.
type Encoding string

const (
	UTF8        Encoding = "utf8"
	Windows1252 Encoding = "windows-1252"
)

// sampleSize bounds how much of a file the detector inspects.
const sampleSize = 64 * 1024

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// NormalizeName maps an arbitrary charset name onto a canonical label.
// Unknown or empty names fall back to UTF-8, matching the platform's
// dominant encoding.
func NormalizeName(name string) Encoding {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "utf-8", "utf8", "ascii", "us-ascii":
		return UTF8
	case "windows-1252", "cp1252", "cp-1252", "windows-1250", "cp1250", "cp-1250",
		"iso-8859-1", "iso8859-1", "iso-8859-15", "iso8859-15",
		"latin-1", "latin1", "latin_1":
		return Windows1252
	default:
		return UTF8
	}
}

// Detect classifies a byte sample. The confidence is in [0, 1]. Detection
// is layered: a UTF-8 byte order mark wins outright, then strict UTF-8
// validation, then statistical detection for legacy single-byte text.
func Detect(sample []byte) (Encoding, float64) {
	if len(sample) == 0 {
		return UTF8, 0
	}
	if len(sample) >= len(utf8BOM) && sample[0] == utf8BOM[0] && sample[1] == utf8BOM[1] && sample[2] == utf8BOM[2] {
		return UTF8, 1
	}
	if validUTF8Prefix(sample) {
		return UTF8, 0.99
	}
	result, err := chardet.NewTextDetector().DetectBest(sample)
	if err != nil || result == nil {
		return UTF8, 0
	}
	return NormalizeName(result.Charset), float64(result.Confidence) / 100
}

// NewReader wraps r so that reads always yield valid UTF-8 with any byte
// order mark stripped. The wrapped reader buffers enough of the input to
// detect the encoding before the first byte is consumed.
func NewReader(r io.Reader) io.Reader {
	br := bufio.NewReaderSize(r, sampleSize)
	sample, _ := br.Peek(sampleSize)
	enc, _ := Detect(sample)
	if enc == Windows1252 {
		return transform.NewReader(br, charmap.Windows1252.NewDecoder())
	}
	return transform.NewReader(br, unicode.UTF8BOM.NewDecoder())
}

// validUTF8Prefix reports whether b is valid UTF-8, tolerating a multibyte
// rune cut off at the end of the sample window.
func validUTF8Prefix(b []byte) bool {
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			// A truncated trailing sequence is not evidence of a
			// legacy encoding.
			return !utf8.FullRune(b)
		}
		b = b[size:]
	}
	return true
}
