package keys

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/facility-index/internal/geo"
)

// SnapshotHash is the well-known key holding every structural snapshot,
// one hash field per index identifier.
const SnapshotHash = "facilities"

// LeafKey addresses the compressed batch of a leaf. It is derived from the
// leaf corners only, in north, west, south, east order.
func LeafKey(b geo.BoundingBox) string {
	corners := strings.Join([]string{
		formatCoord(b.North()),
		formatCoord(b.West()),
		formatCoord(b.South()),
		formatCoord(b.East()),
	}, ",")
	sum := xxhash.Sum64String(corners)
	return fmt.Sprintf("leaf:%s:h=%016x", corners, sum)
}

// QueueKey names the offline submission list of one index.
func QueueKey(indexID string) string {
	return "unsynced:" + sanitizeID(strings.TrimSpace(indexID))
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sanitizeID(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
