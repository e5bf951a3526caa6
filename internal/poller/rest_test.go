package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"deltafeed-go/internal/marketdata"
)

func TestRESTSourceHistoricalBars(t *testing.T) {
	const body = `{"bars":[
		{"t":1700000040,"o":500,"h":501,"l":499,"c":500.4,"v":9000,"vw":500.1,"n":42},
		{"t":1700000100,"o":500.4,"h":502,"l":500,"c":501.2,"v":8000,"vw":501.0,"n":37},
		{"t":1700000160,"o":501.2,"h":501.5,"l":500.5}
	]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/stocks/sym-1/bars" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("timeframe") != "1Min" {
			t.Errorf("unexpected timeframe %s", r.URL.Query().Get("timeframe"))
		}
		if r.URL.Query().Get("limit") != "800" {
			t.Errorf("unexpected limit %s", r.URL.Query().Get("limit"))
		}
		if r.Header.Get("APCA-API-KEY-ID") != "k" || r.Header.Get("APCA-API-SECRET-KEY") != "s" {
			t.Errorf("missing credential headers")
		}
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	src := NewRESTSource(server.URL, "k", "s")
	bars, err := src.HistoricalBars(context.Background(), "sym-1", marketdata.GranularityMinute, 800)
	if err != nil {
		t.Fatalf("HistoricalBars returned error: %v", err)
	}
	// The bar missing its close is dropped.
	if len(bars) != 2 {
		t.Fatalf("expected 2 valid bars, got %d", len(bars))
	}
	if bars[0].StartTime.Unix() != 1700000040 || bars[0].Close != 500.4 {
		t.Fatalf("unexpected first bar: %+v", bars[0])
	}
	if bars[1].Symbol != "sym-1" || bars[1].TradeCount != 37 {
		t.Fatalf("unexpected second bar: %+v", bars[1])
	}
}

func TestRESTSourceLatestBar(t *testing.T) {
	const body = `{"bars":[{"t":1700000100,"o":500.4,"h":502,"l":500,"c":501.2,"v":8000}]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "1" {
			t.Errorf("unexpected limit %s", r.URL.Query().Get("limit"))
		}
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	src := NewRESTSource(server.URL, "k", "s")
	bar, ok, err := src.LatestBar(context.Background(), "sym-1", marketdata.GranularityMinute)
	if err != nil {
		t.Fatalf("LatestBar returned error: %v", err)
	}
	if !ok || bar.Close != 501.2 {
		t.Fatalf("unexpected latest bar: ok=%v bar=%+v", ok, bar)
	}
}

func TestRESTSourceEmptyAndErrors(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"bars":[]}`))
	}))
	defer empty.Close()

	src := NewRESTSource(empty.URL, "k", "s")
	_, ok, err := src.LatestBar(context.Background(), "sym-1", marketdata.GranularityMinute)
	if err != nil {
		t.Fatalf("empty response must not error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for empty response")
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	src = NewRESTSource(failing.URL, "k", "s")
	if _, _, err := src.LatestBar(context.Background(), "sym-1", marketdata.GranularityMinute); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
