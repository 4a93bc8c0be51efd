package services

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const slugMaxLen = 40

// HashBytes computes the hex-encoded SHA-256 content digest used as the sole
// deduplication key.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Slugify builds a URL-safe, globally unique slug from the description plus a
// digest suffix. Diacritics are stripped, everything non-alphanumeric
// collapses to a single dash.
func Slugify(description, digest string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, description)
	if err != nil {
		plain = description
	}

	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(plain) {
		if b.Len() >= slugMaxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "image"
	}

	suffix := digest
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return slug + "-" + suffix
}
