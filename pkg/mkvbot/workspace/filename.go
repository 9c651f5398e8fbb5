package workspace

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const maxFilenameBytes = 200

// SanitizeFilename makes a user supplied name safe to create inside a
// workspace: no directories, no control characters, no leading dot or dash,
// extension kept.
func SanitizeFilename(name string) string {
	name = norm.NFC.String(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsControl(r):
		case r == '/' || r == ':':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	name = strings.TrimSpace(b.String())

	// Leading dots and dashes are stripped from the stem only, so ".mkv"
	// keeps its extension.
	ext := filepath.Ext(name)
	if ext == "." {
		ext = ""
	}
	stem := strings.TrimLeft(strings.TrimSuffix(name, ext), ".-")
	if stem == "" {
		stem = "file"
	}
	name = stem + ext
	if len(name) > maxFilenameBytes {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		base := name[:maxFilenameBytes-len(ext)]
		for !utf8.ValidString(base) {
			base = base[:len(base)-1]
		}
		name = base + ext
	}
	return name
}
