// Package security keeps configured identifiers from escaping the
// directories they are embedded in.
package security

import "strings"

const maxFilenameLen = 128

// SanitizeFilename makes a safe path element from an arbitrary string.
// Characters other than ASCII letters, digits, dot, underscore and dash
// become a single underscore; leading and trailing dots and underscores
// are trimmed, so the result is never "." or "..".
func SanitizeFilename(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_':
			b.WriteRune(r)
			lastUnderscore = true
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
