package usecase

import (
	"fmt"
	"strings"
)

// DefaultChunkLimit is the per-message character ceiling of the send API.
const DefaultChunkLimit = 600

// SplitMessage cuts text into pieces of at most limit characters. Every piece
// after the first is prefixed with "(n/total) " and the prefix counts toward
// the limit. Cuts prefer the last newline, then the last space, in the upper
// half of the window, and fall back to a hard cut at the window edge.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	// The prefix width depends on the total, which depends on the prefix
	// width. Iterate until the count settles.
	total := (len(runes) + limit - 1) / limit
	var pieces []string
	for i := 0; i < 8; i++ {
		reserve := len([]rune(chunkPrefix(total, total)))
		if reserve >= limit {
			reserve = 0
		}
		pieces = splitRunes(runes, limit, limit-reserve)
		if len(pieces) == total {
			break
		}
		total = len(pieces)
	}

	out := make([]string, len(pieces))
	for i, p := range pieces {
		if i == 0 {
			out[i] = p
			continue
		}
		out[i] = chunkPrefix(i+1, len(pieces)) + p
	}
	return out
}

func chunkPrefix(n, total int) string {
	return fmt.Sprintf("(%d/%d) ", n, total)
}

// splitRunes uses firstLimit for the first piece and restLimit after it.
func splitRunes(runes []rune, firstLimit, restLimit int) []string {
	var pieces []string
	limit := firstLimit
	for len(runes) > 0 {
		if len(runes) <= limit {
			pieces = append(pieces, string(runes))
			break
		}
		cut, skip := breakPoint(runes[:limit])
		pieces = append(pieces, string(runes[:cut]))
		runes = runes[cut+skip:]
		limit = restLimit
	}
	return pieces
}

// breakPoint returns where to cut the window and how many separator runes to
// drop after the cut.
func breakPoint(window []rune) (cut, skip int) {
	half := len(window) / 2
	s := string(window)
	for _, sep := range []string{"\n", " "} {
		idx := strings.LastIndex(s, sep)
		if idx < 0 {
			continue
		}
		at := len([]rune(s[:idx]))
		if at >= half && at > 0 {
			return at, 1
		}
	}
	return len(window), 0
}
