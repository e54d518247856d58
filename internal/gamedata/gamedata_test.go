package gamedata

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"inspectd/internal/item"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

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

func TestLookupMissBeforeAnyRefresh(t *testing.T) {
	d := New("http://unused.invalid", time.Hour, false, discardLogger())
	if _, ok := d.Lookup(1, 1); ok {
		t.Fatal("a fresh Decorator should have an empty snapshot")
	}
}

func TestDisabledNeverFetches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := New(srv.URL, 10*time.Millisecond, false, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("disabled Decorator made %d requests, want 0", hits)
	}
}

func TestRefreshPopulatesSnapshotAndAnnotate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := schemaResponse{
			Stickers:  map[string]string{"100": "Crown (Foil)"},
			Keychains: map[string]string{"200": "Diamond Dangler"},
		}
		resp.Items = []struct {
			DefIndex   int `json:"defindex"`
			PaintIndex int `json:"paintindex"`
			ItemDef
		}{
			{DefIndex: 7, PaintIndex: 8, ItemDef: ItemDef{Name: "AK-47 | Redline", Rarity: "Classified", WearName: "Field-Tested", MinFloat: 0.1, MaxFloat: 0.7, Quality: "Unique"}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	d := New(srv.URL, time.Hour, true, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	waitUntil(t, func() bool {
		_, ok := d.Lookup(7, 8)
		return ok
	}, "schema snapshot to refresh")

	def, ok := d.Lookup(7, 8)
	if !ok || def.Name != "AK-47 | Redline" {
		t.Fatalf("Lookup(7,8) = %+v, %v, want AK-47 | Redline", def, ok)
	}
	if name, ok := d.StickerName(100); !ok || name != "Crown (Foil)" {
		t.Fatalf("StickerName(100) = %q, %v, want Crown (Foil)", name, ok)
	}
	if name, ok := d.KeychainName(200); !ok || name != "Diamond Dangler" {
		t.Fatalf("KeychainName(200) = %q, %v, want Diamond Dangler", name, ok)
	}

	it := item.Decorated{DefIndex: 7, PaintIndex: 8, Stickers: []item.Sticker{{StickerID: 100}}, Keychains: []item.Keychain{{KeychainID: 200}}}
	d.Annotate(&it)

	if it.ItemName != "AK-47 | Redline" {
		t.Fatalf("Annotate ItemName = %q, want AK-47 | Redline", it.ItemName)
	}
	if it.MinFloat == nil || *it.MinFloat != 0.1 {
		t.Fatalf("Annotate MinFloat = %v, want 0.1", it.MinFloat)
	}
	if it.Stickers[0].Name != "Crown (Foil)" {
		t.Fatalf("Annotate Stickers[0].Name = %q, want Crown (Foil)", it.Stickers[0].Name)
	}
	if it.Keychains[0].Name != "Diamond Dangler" {
		t.Fatalf("Annotate Keychains[0].Name = %q, want Diamond Dangler", it.Keychains[0].Name)
	}
}

func TestFailedRefreshKeepsPriorSnapshot(t *testing.T) {
	var fail int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&fail) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp := schemaResponse{}
		resp.Items = []struct {
			DefIndex   int `json:"defindex"`
			PaintIndex int `json:"paintindex"`
			ItemDef
		}{{DefIndex: 1, PaintIndex: 1, ItemDef: ItemDef{Name: "Known Item"}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	d := New(srv.URL, 10*time.Millisecond, true, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	waitUntil(t, func() bool {
		_, ok := d.Lookup(1, 1)
		return ok
	}, "initial successful refresh")

	atomic.StoreInt32(&fail, 1)
	time.Sleep(50 * time.Millisecond)

	if def, ok := d.Lookup(1, 1); !ok || def.Name != "Known Item" {
		t.Fatalf("Lookup(1,1) after failed refreshes = %+v, %v, want prior snapshot retained", def, ok)
	}
}
