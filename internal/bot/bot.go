// Package bot implements one persistent game-coordinator session and its
// single-in-flight local dispatcher (§4.4). A Bot runs a single actor
// goroutine that merges three sources — game-coordinator session events,
// timers (request_ttl, relogin jitter, login backoff), and control
// commands (inspect, relog, shutdown) — in one select loop over its
// session-event channel, its control channel and its timers, matching the
// event-driven design called for by the spec's design notes. The
// session-event channel is grounded on the teacher's eventbus.Bus: a
// bounded channel with non-blocking, drop-if-full delivery, adapted here
// from a broadcast fan-out into a single actor's private inbox.
package bot

import (
	"context"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"inspectd/internal/config"
	"inspectd/internal/gamedata"
	"inspectd/internal/gcclient"
	"inspectd/internal/inspectlink"
	"inspectd/internal/item"
	"inspectd/internal/resultcache"
)

const gameAppID = uint32(730)

// relogin jitter bounds (§4.4 "Scheduled relogin").
const (
	reloginBase   = 30 * time.Minute
	reloginJitter = 4 * time.Minute
)

const maxLoginAttemptsBeforeBackoff = 5

// netEventKind tags the variant carried by a netEvent.
type netEventKind int

const (
	evLoggedOn netEventKind = iota
	evDisconnected
	evError
	evConnectedToGC
	evDisconnectedFromGC
	evOwnershipCached
	evInspectItemInfo
)

type netEvent struct {
	kind    netEventKind
	eresult gcclient.EResult
	msg     string
	reason  string
	info    gcclient.ItemInfo
	err     error
}

type controlKind int

const (
	ctrlInspect controlKind = iota
	ctrlRelog
	ctrlShutdown
)

type controlMsg struct {
	kind        controlKind
	link        inspectlink.Link
	submittedAt time.Time
	respCh      chan inspectOutcome
}

// inspectOutcome is what Inspect ultimately returns.
type inspectOutcome struct {
	item  item.Decorated
	delay time.Duration
	err   error
}

type pendingInspect struct {
	link        inspectlink.Link
	submittedAt time.Time
	respCh      chan inspectOutcome
}

// Bot is one persistent game-coordinator session (§3 Bot, §4.4).
type Bot struct {
	ID       string // the credential's account name, for logging/indexing.
	login    config.Login
	settings config.BotSettings
	factory  gcclient.Factory
	cache    *resultcache.Cache
	gamedata *gamedata.Decorator
	logger   *log.Logger

	session gcclient.Session
	netCh   chan netEvent
	ctrlCh  chan controlMsg

	limiter *rate.Limiter

	ready  atomic.Bool
	doneCh chan struct{}
}

// New builds a Bot for one login. The actor goroutine is not started
// until Run is called.
func New(id string, login config.Login, settings config.BotSettings, factory gcclient.Factory, cache *resultcache.Cache, gd *gamedata.Decorator, logger *log.Logger) *Bot {
	delay := time.Duration(settings.RequestDelayMS) * time.Millisecond
	if delay <= 0 {
		delay = time.Millisecond
	}
	return &Bot{
		ID:       id,
		login:    login,
		settings: settings,
		factory:  factory,
		cache:    cache,
		gamedata: gd,
		logger:   logger,
		netCh:    make(chan netEvent, 32),
		ctrlCh:   make(chan controlMsg, 256),
		limiter:  rate.NewLimiter(rate.Every(delay), 1),
		doneCh:   make(chan struct{}),
	}
}

// Ready reports whether this bot currently has a free GC session slot
// (§3 Bot.ready).
func (b *Bot) Ready() bool { return b.ready.Load() }

// Inspect issues one async inspect request and blocks until it resolves,
// times out, or the bot shuts down (§4.4). It returns the post-processed
// delay (§4.4 step 5) alongside the decorated item so a caller such as the
// scheduler can pace the next dispatch.
func (b *Bot) Inspect(ctx context.Context, link inspectlink.Link) (item.Decorated, time.Duration, error) {
	if !b.Ready() {
		return item.Decorated{}, 0, ErrNotReady
	}

	respCh := make(chan inspectOutcome, 1)
	msg := controlMsg{kind: ctrlInspect, link: link, submittedAt: time.Now(), respCh: respCh}

	select {
	case b.ctrlCh <- msg:
	case <-b.doneCh:
		return item.Decorated{}, 0, ErrShutdown
	case <-ctx.Done():
		return item.Decorated{}, 0, ctx.Err()
	}

	select {
	case out := <-respCh:
		return out.item, out.delay, out.err
	case <-ctx.Done():
		return item.Decorated{}, 0, ctx.Err()
	}
}

// TryRelog asks the bot to perform a graceful relogin at its own
// discretion (admin operation, §4.5).
func (b *Bot) TryRelog() {
	select {
	case b.ctrlCh <- controlMsg{kind: ctrlRelog}:
	default:
		// actor is busy; it will pick up the next scheduled relogin anyway.
	}
}

// Shutdown logs the bot off gracefully and fails any queued entries with
// ErrShutdown (§5 Cancellation & timeouts).
func (b *Bot) Shutdown() {
	select {
	case b.ctrlCh <- controlMsg{kind: ctrlShutdown}:
	default:
	}
	<-b.doneCh
}

func (b *Bot) logf(format string, args ...interface{}) {
	b.logger.Printf("[bot:%s] "+format, append([]interface{}{b.ID}, args...)...)
}

// Run drives the actor loop until ctx is canceled or Shutdown is called.
// It must be launched in its own goroutine.
func (b *Bot) Run(ctx context.Context) {
	defer close(b.doneCh)

	b.session = b.factory(gcclient.Events{
		OnLoggedOn:          func() { b.sendNet(netEvent{kind: evLoggedOn}) },
		OnDisconnected:      func(r gcclient.EResult, msg string) { b.sendNet(netEvent{kind: evDisconnected, eresult: r, msg: msg}) },
		OnError:             func(err error) { b.sendNet(netEvent{kind: evError, err: err}) },
		OnConnectedToGC:     func() { b.sendNet(netEvent{kind: evConnectedToGC}) },
		OnDisconnectedFromGC: func(reason string) { b.sendNet(netEvent{kind: evDisconnectedFromGC, reason: reason}) },
		OnOwnershipCached:   func() { b.sendNet(netEvent{kind: evOwnershipCached}) },
		OnInspectItemInfo:   func(info gcclient.ItemInfo) { b.sendNet(netEvent{kind: evInspectItemInfo, info: info}) },
	})

	state := StateDisconnected
	loginAttempts := 0
	var current *pendingInspect

	loginPoll := time.NewTicker(1 * time.Second)
	defer loginPoll.Stop()

	connTimeout := time.NewTimer(time.Hour)
	connTimeout.Stop()
	defer connTimeout.Stop()

	ttlTimer := time.NewTimer(time.Hour)
	ttlTimer.Stop()
	defer ttlTimer.Stop()

	relogTimer := time.NewTimer(nextReloginInterval())
	defer relogTimer.Stop()

	loginBackoff := time.NewTimer(time.Hour)
	loginBackoff.Stop()
	defer loginBackoff.Stop()
	backingOff := false

	setState := func(s State) {
		if s != state {
			b.logf("%s -> %s", state, s)
		}
		state = s
		b.ready.Store(s == StateGCReady)
	}

	startLogin := func() {
		setState(StateLoggingIn)
		connTimeout.Reset(time.Duration(b.settings.ConnectionTimeoutMS) * time.Millisecond)
		creds := gcclient.Credentials{
			AccountName:      b.login.AccountName,
			Password:         b.login.Password,
			RememberPassword: true,
			ProxyURL:         b.login.ProxyURL,
		}
		if err := b.session.Login(ctx, creds); err != nil {
			b.logf("login error: %v", err)
		}
	}

	failCurrent := func(err error) {
		if current == nil {
			return
		}
		ttlTimer.Stop()
		select {
		case current.respCh <- inspectOutcome{err: err}:
		default:
		}
		current = nil
	}

	resolveCurrent := func(it item.Decorated, delay time.Duration) {
		if current == nil {
			return
		}
		ttlTimer.Stop()
		select {
		case current.respCh <- inspectOutcome{item: it, delay: delay}:
		default:
		}
		current = nil
	}

	for {
		select {
		case <-ctx.Done():
			b.session.LogOff()
			setState(StateShuttingDown)
			failCurrent(ErrShutdown)
			return

		case <-loginPoll.C:
			if state == StateDisconnected && !backingOff && loginAttempts < 1<<30 {
				startLogin()
			}

		case <-loginBackoff.C:
			backingOff = false
			if state == StateDisconnected {
				startLogin()
			}

		case <-connTimeout.C:
			if state == StateLoggingIn {
				b.logf("connection_timeout elapsed during login")
				b.onLoginFailure(&loginAttempts, &backingOff, loginBackoff)
				setState(StateDisconnected)
			}

		case <-ttlTimer.C:
			if state == StateGCReadyBusy {
				b.logf("request_ttl elapsed for asset %s", current.link.A)
				failCurrent(ErrTimeout)
				setState(StateGCReady)
			}

		case <-relogTimer.C:
			if state == StateGCReady && current == nil {
				relogTimer.Reset(nextReloginInterval())
				b.logf("scheduled relogin")
				setState(StateLoggingIn)
				connTimeout.Reset(time.Duration(b.settings.ConnectionTimeoutMS) * time.Millisecond)
				b.session.LogOff()
				startLogin()
			} else {
				// busy or no GC session: defer 1s and retry.
				relogTimer.Reset(time.Second)
			}

		case ev := <-b.netCh:
			switch ev.kind {
			case evLoggedOn:
				if state == StateLoggingIn {
					loginAttempts = 0
					connTimeout.Stop()
					setState(StateLoggedIn)
					// "check game ownership; if missing, request free license" —
					// idempotent: real clients no-op this if already owned.
					_ = b.session.RequestFreeLicense(gameAppID)
				}

			case evOwnershipCached:
				if state == StateLoggedIn {
					setState(StateGCReadyPending)
					_ = b.session.GamesPlayed([]uint32{gameAppID})
				}

			case evConnectedToGC:
				setState(StateGCReady)
				b.logf("gc session ready")

			case evDisconnectedFromGC:
				b.logf("disconnected from gc: %s", ev.reason)
				if state == StateGCReady || state == StateGCReadyBusy {
					failCurrent(ErrSessionError)
					setState(StateLoggedIn)
				}

			case evDisconnected:
				b.logf("disconnected: eresult=%d msg=%s", ev.eresult, ev.msg)
				failCurrent(ErrSessionError)
				if isFatalEResult(ev.eresult) {
					setState(StateError)
					if ev.eresult == gcclient.ResultRateLimitExceeded {
						backingOff = true
						loginBackoff.Reset(300 * time.Second) // max backoff, §4.4
					} else {
						b.onLoginFailure(&loginAttempts, &backingOff, loginBackoff)
					}
				}
				setState(StateDisconnected)

			case evError:
				b.logf("session error: %v", ev.err)
				failCurrent(ErrSessionError)
				setState(StateDisconnected)

			case evInspectItemInfo:
				if state != StateGCReadyBusy || current == nil {
					continue
				}
				if ev.info.ItemID != current.link.A {
					// wire mismatch (§4.4, §8 S7): silently dropped.
					b.logf("dropping mismatched inspectItemInfo: got %s want %s", ev.info.ItemID, current.link.A)
					continue
				}
				it, delay := b.postProcess(ev.info, *current)
				b.cache.Insert(it, nil)
				resolveCurrent(it, delay)
				setState(StateGCReady)
			}

		case msg := <-b.ctrlCh:
			switch msg.kind {
			case ctrlShutdown:
				b.session.LogOff()
				setState(StateShuttingDown)
				failCurrent(ErrShutdown)
				b.drainQueuedInspects()
				return

			case ctrlRelog:
				if state == StateGCReady && current == nil {
					setState(StateLoggingIn)
					connTimeout.Reset(time.Duration(b.settings.ConnectionTimeoutMS) * time.Millisecond)
					b.session.LogOff()
					startLogin()
				}

			case ctrlInspect:
				if state != StateGCReady || current != nil {
					select {
					case msg.respCh <- inspectOutcome{err: ErrNotReady}:
					default:
					}
					continue
				}
				if err := b.limiter.Wait(ctx); err != nil {
					select {
					case msg.respCh <- inspectOutcome{err: ErrShutdown}:
					default:
					}
					continue
				}
				current = &pendingInspect{link: msg.link, submittedAt: time.Now(), respCh: msg.respCh}
				ttlTimer.Reset(time.Duration(b.settings.RequestTTLMS) * time.Millisecond)
				setState(StateGCReadyBusy)
				owner := msg.link.S
				if msg.link.IsMarketLink() {
					owner = msg.link.M
				}
				if err := b.session.InspectItem(owner, msg.link.A, msg.link.D); err != nil {
					b.logf("inspectItem dispatch failed: %v", err)
					failCurrent(ErrSessionError)
					setState(StateGCReady)
				}
			}
		}
	}
}

func (b *Bot) drainQueuedInspects() {
	for {
		select {
		case msg := <-b.ctrlCh:
			if msg.kind == ctrlInspect {
				select {
				case msg.respCh <- inspectOutcome{err: ErrShutdown}:
				default:
				}
			}
		default:
			return
		}
	}
}

func (b *Bot) onLoginFailure(attempts *int, backingOff *bool, timer *time.Timer) {
	*attempts++
	if *attempts < maxLoginAttemptsBeforeBackoff {
		return
	}
	backoff := time.Duration(5) * time.Second
	shift := *attempts - maxLoginAttemptsBeforeBackoff
	for i := 0; i < shift && backoff < 300*time.Second; i++ {
		backoff *= 2
	}
	if backoff > 300*time.Second {
		backoff = 300 * time.Second
	}
	*backingOff = true
	timer.Reset(backoff)
	b.logf("login backoff %s after %d attempts", backoff, *attempts)
}

func isFatalEResult(r gcclient.EResult) bool {
	switch r {
	case gcclient.ResultTryAnotherCM, gcclient.ResultAccountLogonDenied,
		gcclient.ResultInvalidLoginAuthCode, gcclient.ResultAccountLoginDeniedNeedTwoFactor,
		gcclient.ResultRateLimitExceeded:
		return true
	default:
		return false
	}
}

func nextReloginInterval() time.Duration {
	return reloginBase + time.Duration(rand.Int63n(int64(reloginJitter)))
}

func (b *Bot) sendNet(ev netEvent) {
	select {
	case b.netCh <- ev:
	default:
		b.logf("dropping net event kind=%d: actor inbox full", ev.kind)
	}
}

// postProcess implements §4.4's mandated response shape transform.
func (b *Bot) postProcess(info gcclient.ItemInfo, req pendingInspect) (item.Decorated, time.Duration) {
	it := item.Decorated{
		A:          req.link.A,
		D:          req.link.D,
		S:          req.link.S,
		M:          req.link.M,
		FloatValue: info.PaintWear,
		PaintIndex: info.PaintIndex,
		DefIndex:   info.DefIndex,
	}
	if info.PaintSeed != nil {
		it.PaintSeed = *info.PaintSeed
	}
	for _, s := range info.Stickers {
		it.Stickers = append(it.Stickers, item.Sticker{Slot: s.Slot, StickerID: s.StickerID, Wear: s.Wear})
	}
	for _, k := range info.Keychains {
		it.Keychains = append(it.Keychains, item.Keychain{Slot: k.Slot, KeychainID: k.KeychainID})
	}
	if b.gamedata != nil {
		b.gamedata.Annotate(&it)
	}
	if rank := b.cache.GetRank(it.A); rank != (item.RankInfo{}) {
		it.Rank = &rank
	}

	requestDelay := time.Duration(b.settings.RequestDelayMS) * time.Millisecond
	elapsed := time.Since(req.submittedAt)
	delay := requestDelay - elapsed
	if delay < 0 {
		delay = 0
	}
	return it, delay
}
