// Package checksum fingerprints Markdown so re-saved but unchanged files are
// recognised.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Content returns the hex SHA-256 of text after normalising it: CRLF becomes
// LF, trailing spaces and tabs are dropped from each line and trailing blank
// lines are ignored.
func Content(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	normalised := strings.TrimRight(strings.Join(lines, "\n"), "\n")

	h := sha256.Sum256([]byte(normalised))
	return hex.EncodeToString(h[:])
}
