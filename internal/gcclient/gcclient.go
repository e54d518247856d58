// Package gcclient defines the integration seam for the external
// game-coordinator client library described in §6.3. The real library
// (a Steam client + CS:GO game-coordinator implementation) is assumed to
// be provided by an external dependency; this package only defines the
// contract inspectd's Bot actor drives against, plus an in-memory fake
// used by tests (gcclient/fake).
package gcclient

import "context"

// Credentials carries one login's auth material (§6.3).
type Credentials struct {
	AccountName      string
	Password         string
	RememberPassword bool
	// AuthCode is a Steam Guard email code; TwoFactorCode is a TOTP code.
	// Generation of either is out of scope (§1) — the caller supplies it.
	AuthCode      string
	TwoFactorCode string
	ProxyURL      string
}

// EResult mirrors the small set of Steam eresult codes this spec cares
// about (§4.4 table: login eresult ∈ {61,63,65,66,84}).
type EResult int

const (
	ResultOK                  EResult = 1
	ResultInvalidPassword     EResult = 5
	ResultLoggedInElsewhere   EResult = 34
	ResultInvalidLoginAuthCode EResult = 65
	ResultAccountLogonDenied  EResult = 63
	ResultAccountLoginDeniedNeedTwoFactor EResult = 66
	ResultTryAnotherCM        EResult = 61
	ResultRateLimitExceeded   EResult = 84
)

// ItemInfo is the decoded inspect-item-info payload from the coordinator
// (§4.4 Wire correlation / Post-response processing). Field names follow
// the wire shape before Bot renames them onto item.Decorated.
type ItemInfo struct {
	ItemID     string // echoed asset id; correlated against currentRequest.A
	DefIndex   int
	PaintIndex int
	PaintWear  float64
	PaintSeed  *int // nil on the wire means "absent"; Bot coerces to 0
	Stickers   []StickerWire
	Keychains  []KeychainWire
}

// StickerWire is a sticker as it arrives over the wire, before the Bot
// renames sticker_id -> stickerId (§4.4 step 3).
type StickerWire struct {
	Slot      int
	StickerID int
	Wear      *float64
}

type KeychainWire struct {
	Slot       int
	KeychainID int
}

// Events is the set of async callbacks a Session delivers, matching
// §6.3 exactly: loggedOn, disconnected(eresult,msg), error(err),
// connectedToGC, disconnectedFromGC(reason), ownershipCached, and the
// per-item inspectItemInfo response.
type Events struct {
	OnLoggedOn            func()
	OnDisconnected         func(result EResult, msg string)
	OnError                func(err error)
	OnConnectedToGC        func()
	OnDisconnectedFromGC   func(reason string)
	OnOwnershipCached      func()
	OnInspectItemInfo      func(info ItemInfo)
}

// Session is the contract a Bot drives (§6.3). A real implementation wraps
// a Steam game session + CS:GO game-coordinator subchannel; inspectd never
// constructs one directly — fleet wiring injects a Factory.
type Session interface {
	// Login begins an async login; results arrive via the registered
	// Events callbacks.
	Login(ctx context.Context, creds Credentials) error
	LogOff()
	// GamesPlayed announces the app ids this session is "playing" (CS:GO
	// is app 730); required before the coordinator will respond.
	GamesPlayed(appIDs []uint32) error
	// InspectItem issues one async inspect request; the matching response
	// arrives via OnInspectItemInfo with ItemInfo.ItemID == assetID.
	InspectItem(owner, assetID, d string) error
	// RequestFreeLicense requests ownership of appID when missing (§4.4
	// LoggedIn -> ownership confirmed transition).
	RequestFreeLicense(appID uint32) error
}

// Factory constructs a new Session wired to the given event sinks. Fleet
// wiring supplies one Factory for the whole process; each Bot calls it
// once to build its own session.
type Factory func(events Events) Session
