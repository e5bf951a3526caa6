package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"deltafeed-go/internal/marketdata"
)

// RESTSource implements DataSource against a broker-style bars endpoint
// (`GET {base}/v2/stocks/{symbolID}/bars`). Request signing beyond the
// key/secret headers is handled upstream by the host's proxy.
type RESTSource struct {
	baseURL string
	key     string
	secret  string
	client  *http.Client
}

// NewRESTSource builds a source for the given endpoint and credentials.
func NewRESTSource(baseURL, key, secret string) *RESTSource {
	return &RESTSource{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		key:     key,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type restBar struct {
	StartTime  int64    `json:"t"`
	Open       *float64 `json:"o"`
	High       *float64 `json:"h"`
	Low        *float64 `json:"l"`
	Close      *float64 `json:"c"`
	Volume     float64  `json:"v"`
	VWAP       float64  `json:"vw"`
	TradeCount int64    `json:"n"`
}

type restBarsResponse struct {
	Bars []restBar `json:"bars"`
}

// HistoricalBars fetches up to count bars, oldest first.
func (s *RESTSource) HistoricalBars(ctx context.Context, symbolID string, granularity marketdata.Granularity, count int) ([]marketdata.Bar, error) {
	payload, err := s.fetch(ctx, symbolID, granularity, count)
	if err != nil {
		return nil, err
	}
	bars := make([]marketdata.Bar, 0, len(payload.Bars))
	for _, rb := range payload.Bars {
		bar, ok := rb.bar(symbolID)
		if !ok {
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// LatestBar fetches the most recent single bar; ok is false when the
// source has none.
func (s *RESTSource) LatestBar(ctx context.Context, symbolID string, granularity marketdata.Granularity) (marketdata.Bar, bool, error) {
	payload, err := s.fetch(ctx, symbolID, granularity, 1)
	if err != nil {
		return marketdata.Bar{}, false, err
	}
	for i := len(payload.Bars) - 1; i >= 0; i-- {
		if bar, ok := payload.Bars[i].bar(symbolID); ok {
			return bar, true, nil
		}
	}
	return marketdata.Bar{}, false, nil
}

func (s *RESTSource) fetch(ctx context.Context, symbolID string, granularity marketdata.Granularity, limit int) (*restBarsResponse, error) {
	query := url.Values{}
	query.Set("timeframe", timeframe(granularity))
	query.Set("limit", strconv.Itoa(limit))
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", s.baseURL, url.PathEscape(symbolID), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", s.key)
	req.Header.Set("APCA-API-SECRET-KEY", s.secret)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var payload restBarsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &payload, nil
}

func (rb restBar) bar(symbol string) (marketdata.Bar, bool) {
	if rb.Open == nil || rb.High == nil || rb.Low == nil || rb.Close == nil {
		return marketdata.Bar{}, false
	}
	bar := marketdata.Bar{
		Symbol:     symbol,
		StartTime:  time.Unix(rb.StartTime, 0),
		Open:       *rb.Open,
		High:       *rb.High,
		Low:        *rb.Low,
		Close:      *rb.Close,
		Volume:     rb.Volume,
		VWAP:       rb.VWAP,
		TradeCount: rb.TradeCount,
	}
	if !bar.Valid() {
		return marketdata.Bar{}, false
	}
	return bar, true
}

func timeframe(granularity marketdata.Granularity) string {
	if granularity == marketdata.GranularitySecond {
		return "1Sec"
	}
	return "1Min"
}
