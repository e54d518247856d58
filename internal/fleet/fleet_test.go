package fleet

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"inspectd/internal/apierr"
	"inspectd/internal/bot"
	"inspectd/internal/config"
	"inspectd/internal/gcclient"
	"inspectd/internal/gcclient/fake"
	"inspectd/internal/inspectlink"
	"inspectd/internal/resultcache"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func testSettings() config.BotSettings {
	return config.BotSettings{
		RequestDelayMS:      1,
		RequestTTLMS:        2000,
		ConnectionTimeoutMS: 2000,
		LoginRetryDelayMS:   1000,
		GCReconnectDelayMS:  1000,
	}
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLookupFloatSteamOfflineWithNoReadyBots(t *testing.T) {
	c := New(discardLogger())
	c.AddBot(config.Login{AccountName: "a"}, testSettings(), fake.NewFactory(nil), resultcache.New(10), nil)

	_, _, err := c.LookupFloat(context.Background(), inspectlink.Link{S: "1", A: "1", D: "1", M: "0"})
	if err != apierr.SteamOffline {
		t.Fatalf("err = %v, want SteamOffline", err)
	}
}

func TestReadyCountAndTotalTrackBotState(t *testing.T) {
	c := New(discardLogger())

	var sess *fake.Session
	c.AddBot(config.Login{AccountName: "a"}, testSettings(), fake.NewFactory(func(s *fake.Session) { sess = s }), resultcache.New(10), nil)

	if got := c.Total(); got != 1 {
		t.Fatalf("Total() = %d, want 1", got)
	}
	if got := c.ReadyCount(); got != 0 {
		t.Fatalf("ReadyCount() before login = %d, want 0", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitUntil(t, func() bool { return sess != nil }, "bot session construction")
	waitUntil(t, func() bool { return sess.LoginCallCount() > 0 }, "first login attempt")

	sess.EmitLoggedOn()
	sess.EmitOwnershipCached()
	sess.EmitConnectedToGC()

	waitUntil(t, func() bool { return c.ReadyCount() == 1 }, "bot to become ready")
}

func TestLookupFloatDispatchesToReadyBot(t *testing.T) {
	c := New(discardLogger())

	var sess *fake.Session
	c.AddBot(config.Login{AccountName: "a"}, testSettings(), fake.NewFactory(func(s *fake.Session) { sess = s }), resultcache.New(10), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitUntil(t, func() bool { return sess != nil }, "bot session construction")
	waitUntil(t, func() bool { return sess.LoginCallCount() > 0 }, "first login attempt")

	sess.EmitLoggedOn()
	sess.EmitOwnershipCached()
	sess.EmitConnectedToGC()
	waitUntil(t, func() bool { return c.ReadyCount() == 1 }, "bot to become ready")

	link := inspectlink.Link{S: "76561198000000000", A: "10", D: "123", M: "0"}

	resultCh := make(chan error, 1)
	go func() {
		_, _, err := c.LookupFloat(context.Background(), link)
		resultCh <- err
	}()

	waitUntil(t, func() bool { return sess.InspectedCount() > 0 }, "bot to dispatch InspectItem")
	sess.EmitInspectItemInfo(gcclient.ItemInfo{ItemID: "10"})

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("LookupFloat returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("LookupFloat never resolved")
	}
}

func TestTranslateBotErr(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{bot.ErrNotReady, apierr.NoBotsAvailable},
		{bot.ErrTimeout, apierr.TTLExceeded},
		{bot.ErrShutdown, apierr.NoBotsAvailable},
		{io.EOF, apierr.GenericBad},
	}
	for _, tc := range cases {
		if got := translateBotErr(tc.in); got != tc.want {
			t.Fatalf("translateBotErr(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
