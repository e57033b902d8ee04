// Package naming maps arbitrary project names to filesystem-safe directory segments.
//
// A segment has two parts joined by a literal dot:
//
//	<normalized name>.<hex digest of the raw name>
//
// The normalized part keeps the directory readable. The digest suffix is what
// keeps distinct raw names apart, so two names that normalize identically
// ("Ångström" and "Angstrom") still get different segments.
//
// Mapping is a pure function of the raw name. The registry and the workspace
// manager can compute the same segment without consulting each other.
//
// Examples:
//
//	"My Project!"  -> "My-Project.<8 hex>"
//	"Ångström"     -> "Angstrom.<8 hex>"
//	"!!!" or ""    -> "<8 hex>"
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Form selects the width of the digest suffix.
type Form int

const (
	// FormShort appends 8 hex characters. This is the default.
	FormShort Form = iota

	// FormLong appends 16 hex characters.
	FormLong
)

const (
	// Delimiter separates the normalized name from the digest.
	Delimiter = "."

	// MaxSegmentLength is the longest segment produced, in bytes.
	// Most filesystems cap a path component at 255 bytes.
	MaxSegmentLength = 255

	shortHashLength = 8
	longHashLength  = 16
)

// String returns the form name used in logs and CLI flags.
func (f Form) String() string {
	switch f {
	case FormLong:
		return "long"
	default:
		return "short"
	}
}

// HashLength returns the number of hex characters in the digest suffix.
func (f Form) HashLength() int {
	if f == FormLong {
		return longHashLength
	}
	return shortHashLength
}

var (
	separatorRun = regexp.MustCompile(`[-\s]+`)

	// segmentPattern matches both forms, with or without a readable prefix.
	segmentPattern = regexp.MustCompile(`^(?:[\p{L}\p{N}_-]+\.)?(?:[0-9a-f]{8}|[0-9a-f]{16})$`)
)

// Segment maps raw to its short-form segment.
func Segment(raw string) string {
	return SegmentForm(raw, FormShort)
}

// SegmentForm maps raw to a segment using the given digest width.
func SegmentForm(raw string, form Form) string {
	digest := Digest(raw, form)

	normalized := Normalize(raw)
	if normalized == "" {
		return digest
	}

	maxBase := MaxSegmentLength - len(Delimiter) - len(digest)
	if len(normalized) > maxBase {
		normalized = truncate(normalized, maxBase)
	}

	return normalized + Delimiter + digest
}

// Digest returns the hex digest suffix for raw at the given width.
// The digest covers the raw UTF-8 bytes, not the normalized form.
func Digest(raw string, form Form) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:form.HashLength()]
}

// Normalize applies NFKD decomposition, drops every rune that is not a
// letter, digit, underscore, whitespace or hyphen, trims the result and
// collapses runs of whitespace and hyphens into a single hyphen.
//
// The result may be empty.
func Normalize(raw string) string {
	decomposed := norm.NFKD.String(raw)

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		switch {
		case isWordRune(r) || r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	cleaned = separatorRun.ReplaceAllString(cleaned, "-")
	return strings.Trim(cleaned, "-")
}

// IsSegment reports whether name looks like a segment produced by this
// package in either form. It is used to decide which directories under a
// workspace root are candidates for orphan purging.
func IsSegment(name string) bool {
	return segmentPattern.MatchString(name)
}

// isWordRune matches the Unicode word class: letters, digits and underscore.
// Combining marks left behind by NFKD are not word runes.
func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// truncate cuts s to at most n bytes without splitting a rune and trims
// any trailing hyphen left at the cut.
func truncate(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.TrimRight(s[:n], "-")
}
