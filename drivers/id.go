package drivers

import (
	"path/filepath"
	"strings"
)

// MakeID derives a stable device id from probe identity. Serial numbers
// survive replugging, so they win; a serial-less instrument falls back to
// the device path, which is stable enough for a fixed bench.
func MakeID(model, serial, path string) string {
	m := slug(model)
	if s := slug(serial); s != "" {
		if m == "" {
			return s
		}
		return m + "-" + s
	}
	p := slug(filepath.Base(path))
	switch {
	case m == "":
		return p
	case p == "":
		return m
	}
	return m + "-" + p
}

// slug lowercases and keeps [a-z0-9], folding runs of anything else into
// single dashes.
func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		default:
			dash = true
		}
	}
	return b.String()
}
