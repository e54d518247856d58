// Package fleet implements the Bot Controller (§4.5): it owns the set of
// Bots, each identified by its login's account name, and routes inspect
// dispatches to any ready Bot. Bots are kept in a plain slice; there is no
// lookup by credential.
package fleet

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"inspectd/internal/apierr"
	"inspectd/internal/bot"
	"inspectd/internal/config"
	"inspectd/internal/gamedata"
	"inspectd/internal/gcclient"
	"inspectd/internal/inspectlink"
	"inspectd/internal/item"
	"inspectd/internal/resultcache"
)

// Controller owns the whole Bot fleet (§4.5).
type Controller struct {
	mu   sync.RWMutex
	bots []*bot.Bot

	logger *log.Logger
}

// New creates an empty Controller.
func New(logger *log.Logger) *Controller {
	return &Controller{logger: logger}
}

// AddBot constructs and registers a new Bot for one login but does not
// start it; call Run to launch every registered bot's actor loop.
func (c *Controller) AddBot(login config.Login, settings config.BotSettings, factory gcclient.Factory, cache *resultcache.Cache, gd *gamedata.Decorator) *bot.Bot {
	id := login.AccountName
	b := bot.New(id, login, settings, factory, cache, gd, c.logger)

	c.mu.Lock()
	c.bots = append(c.bots, b)
	c.mu.Unlock()
	return b
}

// Run launches every registered bot's actor loop and blocks until ctx is
// canceled, then waits for each bot to finish shutting down.
func (c *Controller) Run(ctx context.Context) {
	c.mu.RLock()
	bots := append([]*bot.Bot(nil), c.bots...)
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, b := range bots {
		wg.Add(1)
		go func(b *bot.Bot) {
			defer wg.Done()
			b.Run(ctx)
		}(b)
	}
	wg.Wait()
}

// HasAny reports whether the fleet has at least one bot registered.
func (c *Controller) HasAny() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bots) > 0
}

// ReadyCount reports how many bots currently have a free GC session slot.
func (c *Controller) ReadyCount() int {
	c.mu.RLock()
	bots := c.bots
	c.mu.RUnlock()

	n := 0
	for _, b := range bots {
		if b.Ready() {
			n++
		}
	}
	return n
}

// Total reports the number of bots registered, ready or not (for /stats).
func (c *Controller) Total() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bots)
}

// LookupFloat dispatches one inspect to any ready bot (picked uniformly at
// random among the ready set — the spec does not constrain the policy
// further, §4.5). It fails with SteamOffline iff ReadyCount() == 0, and
// with NoBotsAvailable if the chosen bot rejects concurrently (raced to
// not-ready between selection and dispatch).
func (c *Controller) LookupFloat(ctx context.Context, link inspectlink.Link) (item.Decorated, time.Duration, error) {
	c.mu.RLock()
	ready := make([]*bot.Bot, 0, len(c.bots))
	for _, b := range c.bots {
		if b.Ready() {
			ready = append(ready, b)
		}
	}
	c.mu.RUnlock()

	if len(ready) == 0 {
		return item.Decorated{}, 0, apierr.SteamOffline
	}

	chosen := ready[rand.Intn(len(ready))]
	it, delay, err := chosen.Inspect(ctx, link)
	if err != nil {
		return item.Decorated{}, 0, translateBotErr(err)
	}
	return it, delay, nil
}

func translateBotErr(err error) error {
	switch err {
	case bot.ErrNotReady:
		return apierr.NoBotsAvailable
	case bot.ErrTimeout:
		return apierr.TTLExceeded
	case bot.ErrShutdown:
		return apierr.NoBotsAvailable
	default:
		return apierr.GenericBad
	}
}

// TryRelogAll triggers a graceful relog on each bot (§4.5 admin operation).
func (c *Controller) TryRelogAll() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range c.bots {
		b.TryRelog()
	}
}
