// Package fake provides an in-memory gcclient.Session double for tests —
// it never touches the network and lets a test script the exact sequence
// of events a real Steam game-coordinator session would emit.
package fake

import (
	"context"
	"sync"

	"inspectd/internal/gcclient"
)

// Session is a scriptable fake implementing gcclient.Session.
type Session struct {
	mu sync.Mutex

	events gcclient.Events

	// LoginFunc, when set, is invoked synchronously from Login; by default
	// Login just returns nil and leaves the test to call Emit* helpers.
	LoginFunc func(ctx context.Context, creds gcclient.Credentials) error

	// InspectFunc, when set, is invoked synchronously from InspectItem; by
	// default InspectItem records the call and returns nil, leaving the
	// test to drive OnInspectItemInfo itself.
	InspectFunc func(owner, assetID, d string) error

	LoggedOff    bool
	LoginCalls   int
	PlayedApps   []uint32 // app ids passed to GamesPlayed
	Inspected    []InspectCall
	FreeLicensed []uint32
}

// InspectCall records one InspectItem invocation for test assertions.
type InspectCall struct {
	Owner, AssetID, D string
}

// NewFactory returns a gcclient.Factory that builds a fresh *Session for
// each call, wired to that call's Events, and passes it to configure (when
// non-nil) so a test can capture and script it.
func NewFactory(configure func(s *Session)) gcclient.Factory {
	return func(events gcclient.Events) gcclient.Session {
		s := &Session{events: events}
		if configure != nil {
			configure(s)
		}
		return s
	}
}

func (s *Session) Login(ctx context.Context, creds gcclient.Credentials) error {
	s.mu.Lock()
	s.LoginCalls++
	s.mu.Unlock()
	if s.LoginFunc != nil {
		return s.LoginFunc(ctx, creds)
	}
	return nil
}

// LoginCallCount safely reports how many Login calls have landed so far.
func (s *Session) LoginCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LoginCalls
}

func (s *Session) LogOff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LoggedOff = true
}

func (s *Session) GamesPlayed(appIDs []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlayedApps = append(s.PlayedApps, appIDs...)
	return nil
}

func (s *Session) InspectItem(owner, assetID, d string) error {
	s.mu.Lock()
	s.Inspected = append(s.Inspected, InspectCall{owner, assetID, d})
	s.mu.Unlock()
	if s.InspectFunc != nil {
		return s.InspectFunc(owner, assetID, d)
	}
	return nil
}

func (s *Session) RequestFreeLicense(appID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FreeLicensed = append(s.FreeLicensed, appID)
	return nil
}

// InspectedCount safely reports how many InspectItem calls have landed so
// far, for tests polling for a dispatch without racing the recorder.
func (s *Session) InspectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Inspected)
}

// --- Emit helpers, for driving a Bot's state machine from a test. ---

func (s *Session) EmitLoggedOn() {
	if s.events.OnLoggedOn != nil {
		s.events.OnLoggedOn()
	}
}

func (s *Session) EmitDisconnected(result gcclient.EResult, msg string) {
	if s.events.OnDisconnected != nil {
		s.events.OnDisconnected(result, msg)
	}
}

func (s *Session) EmitError(err error) {
	if s.events.OnError != nil {
		s.events.OnError(err)
	}
}

func (s *Session) EmitConnectedToGC() {
	if s.events.OnConnectedToGC != nil {
		s.events.OnConnectedToGC()
	}
}

func (s *Session) EmitDisconnectedFromGC(reason string) {
	if s.events.OnDisconnectedFromGC != nil {
		s.events.OnDisconnectedFromGC(reason)
	}
}

func (s *Session) EmitOwnershipCached() {
	if s.events.OnOwnershipCached != nil {
		s.events.OnOwnershipCached()
	}
}

func (s *Session) EmitInspectItemInfo(info gcclient.ItemInfo) {
	if s.events.OnInspectItemInfo != nil {
		s.events.OnInspectItemInfo(info)
	}
}
