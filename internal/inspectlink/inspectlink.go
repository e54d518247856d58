// Package inspectlink parses and canonicalizes Counter-Strike inspect
// links (§4.1). It is pure and side-effect free.
package inspectlink

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Link is the canonical {s, a, d, m} tuple (§3). Exactly one of S or M is
// non-"0"; the other is "0". All fields are opaque decimal strings.
type Link struct {
	S string // owner steamid, or "0"
	A string // asset id
	D string // decimal "d" parameter
	M string // market listing id, or "0"
}

// IsMarketLink reports whether this is a market link: s == "0" && m != "0".
func (l Link) IsMarketLink() bool {
	return l.S == "0" && l.M != "0"
}

// Equal compares two links by tuple equality, as required by §3.
func (l Link) Equal(other Link) bool {
	return l.S == other.S && l.A == other.A && l.D == other.D && l.M == other.M
}

func (l Link) String() string {
	return fmt.Sprintf("{s:%s a:%s d:%s m:%s}", l.S, l.A, l.D, l.M)
}

// urlPattern matches steam://rungame/730/<partnerId>/+csgo_econ_action_preview%20[MS]<owner-or-market>A<assetId>D<decimal>
// Both a literal space and its URL-encoded form ("%20") are accepted
// before the "[MS]..." payload, since callers may or may not have decoded
// the link before handing it to us.
var urlPattern = regexp.MustCompile(`(?i)steam://rungame/730/\d+/\+csgo_econ_action_preview(?:%20| )([SM])(\d+)A(\d+)D(\d+)`)

// Parse accepts the single-string steam:// inspect URL form (§4.1a).
func Parse(raw string) (Link, error) {
	raw = strings.TrimSpace(raw)
	if decoded, err := url.PathUnescape(raw); err == nil {
		raw = decoded
	}

	m := urlPattern.FindStringSubmatch(raw)
	if m == nil {
		return Link{}, fmt.Errorf("%w: does not match the csgo_econ_action_preview URL form", ErrInvalidInspect)
	}

	kind, ownerOrMarket, asset, decimal := m[1], m[2], m[3], m[4]

	link := Link{A: asset, D: decimal, S: "0", M: "0"}
	switch strings.ToUpper(kind) {
	case "S":
		link.S = ownerOrMarket
	case "M":
		link.M = ownerOrMarket
	}
	return canonicalize(link)
}

// FromFields accepts the structured-object form (§4.1b): a, d, and exactly
// one of s or m. Empty string and "0" are both treated as "not present".
func FromFields(a, d, s, m string) (Link, error) {
	s = normalizeZero(s)
	m = normalizeZero(m)
	if a == "" || d == "" {
		return Link{}, fmt.Errorf("%w: a and d are required", ErrInvalidInspect)
	}
	return canonicalize(Link{S: s, A: a, D: d, M: m})
}

func normalizeZero(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "0"
	}
	return v
}

func canonicalize(l Link) (Link, error) {
	if l.S == "" {
		l.S = "0"
	}
	if l.M == "" {
		l.M = "0"
	}
	sSet := l.S != "0"
	mSet := l.M != "0"
	if sSet == mSet {
		// either both set or neither set — exactly one must be non-"0"
		return Link{}, fmt.Errorf("%w: exactly one of s or m must be set", ErrInvalidInspect)
	}
	if l.A == "" || l.D == "" {
		return Link{}, fmt.Errorf("%w: missing a or d", ErrInvalidInspect)
	}
	return l, nil
}

// ErrInvalidInspect is the sentinel wrapped by every parse failure; callers
// map it to apierr.InvalidInspect at the HTTP boundary.
var ErrInvalidInspect = fmt.Errorf("invalid inspect link")
