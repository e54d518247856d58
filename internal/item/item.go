// Package item defines the decorated-item response record and its parts
// (§3 DecoratedItem) along with JSON marshaling that strips null-valued
// fields, as required by the spec.
package item

import "encoding/json"

// Sticker is one applied sticker. StickerID is renamed from the wire
// field sticker_id during Bot post-response processing (§4.4 step 3).
type Sticker struct {
	Slot      int     `json:"slot"`
	StickerID int     `json:"stickerId"`
	Wear      *float64 `json:"wear,omitempty"`
	Name      string  `json:"name,omitempty"`
}

// Keychain is one attached keychain charm.
type Keychain struct {
	Slot       int    `json:"slot"`
	KeychainID int    `json:"keychainId"`
	Name       string `json:"name,omitempty"`
}

// RankInfo is the externally-populated competitive rank side-table entry
// (§3, §9 — read-only in this process; empty by default).
type RankInfo struct {
	RankID   int    `json:"rank_id,omitempty"`
	RankName string `json:"rank_name,omitempty"`
	WinCount int    `json:"win_count,omitempty"`
}

// Decorated is the full item response record (§3 DecoratedItem). A, D, S, M
// are always stamped from the original request (§4.4 post-processing step
// 4), regardless of what the coordinator echoes.
type Decorated struct {
	A string `json:"a"`
	D string `json:"d"`
	S string `json:"s"`
	M string `json:"m"`

	FloatValue float64 `json:"floatvalue"`
	PaintSeed  int     `json:"paintseed"`
	PaintIndex int     `json:"paintindex"`
	DefIndex   int     `json:"defindex"`

	Stickers  []Sticker  `json:"stickers"`
	Keychains []Keychain `json:"keychains"`

	// Enrichment merged in by the Game Data Decorator (§4.3). Any of these
	// may be absent if the decorator has no snapshot loaded yet.
	ItemName   string  `json:"itemname,omitempty"`
	Rarity     string  `json:"rarity,omitempty"`
	WearName   string  `json:"wearname,omitempty"`
	MinFloat   *float64 `json:"minfloat,omitempty"`
	MaxFloat   *float64 `json:"maxfloat,omitempty"`
	Quality    string  `json:"quality,omitempty"`
	Rank       *RankInfo `json:"rank,omitempty"`

	// Origin is never serialized if zero; nothing in this module sets it.
	Origin int `json:"origin,omitempty"`
}

// MarshalJSON strips top-level null-valued fields (§3: "Null-valued
// fields are stripped before serialization"). Sticker and Keychain have no
// nullable field without omitempty, so their elements never carry a null;
// only the top-level map is scanned. Since Decorated's optional fields already
// use omitempty/pointer types, encoding/json naturally drops absent ones;
// this override exists to guarantee PaintSeed is never emitted as null
// even if a caller builds a Decorated by hand with a nil-like zero value,
// and to round-trip through a generic map so any future field added
// without omitempty still gets stripped rather than silently emitted as
// null.
func (d Decorated) MarshalJSON() ([]byte, error) {
	type alias Decorated
	raw, err := json.Marshal(alias(d))
	if err != nil {
		return nil, err
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	stripNulls(m)

	return json.Marshal(m)
}

func stripNulls(m map[string]json.RawMessage) {
	for k, v := range m {
		if string(v) == "null" {
			delete(m, k)
		}
	}
}
