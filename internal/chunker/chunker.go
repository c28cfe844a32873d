// Package chunker splits document text into overlapping, paragraph-aligned
// pieces sized for embedding.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultSize    = 20000
	DefaultOverlap = 200

	paragraphBreak = "\n\n"
)

var paragraphSep = regexp.MustCompile(`\n\n+`)

// Piece is one chunk of text with its position in the source document.
type Piece struct {
	Content string
	Index   int
}

// Split cuts text into pieces of roughly size characters. When a piece is
// closed, the last overlap characters of its untrimmed buffer are carried
// verbatim into the next one. Sizes are counted in runes. A non-positive size
// or a negative overlap selects the default; zero overlap carries nothing.
//
// Split always returns at least one piece: input that yields nothing after
// trimming comes back as a single piece holding the trimmed text.
func Split(text string, size, overlap int) []Piece {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}

	var (
		pieces []Piece
		buf    strings.Builder
		bufLen int
	)

	for _, p := range paragraphSep.Split(text, -1) {
		pLen := utf8.RuneCountInString(p)

		if bufLen+pLen > size && bufLen > 0 {
			closed := buf.String()
			pieces = append(pieces, Piece{Content: strings.TrimSpace(closed), Index: len(pieces)})

			buf.Reset()
			bufLen = 0
			if overlap > 0 {
				tail := lastRunes(closed, overlap)
				buf.WriteString(tail)
				buf.WriteString(paragraphBreak)
				bufLen = utf8.RuneCountInString(tail) + 2
			}
			buf.WriteString(p)
			bufLen += pLen
			continue
		}

		if bufLen > 0 {
			buf.WriteString(paragraphBreak)
			bufLen += 2
		}
		buf.WriteString(p)
		bufLen += pLen
	}

	if rest := strings.TrimSpace(buf.String()); rest != "" {
		pieces = append(pieces, Piece{Content: rest, Index: len(pieces)})
	}

	if len(pieces) == 0 {
		pieces = append(pieces, Piece{Content: strings.TrimSpace(text), Index: 0})
	}
	return pieces
}

// lastRunes returns the final n runes of s, or s when it is shorter.
func lastRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := len(s)
	for ; n > 0 && i > 0; n-- {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return s[i:]
}
