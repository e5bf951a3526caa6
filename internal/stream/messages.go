package stream

import (
	"math"
	"time"

	"deltafeed-go/internal/marketdata"
)

// Inbound message tags. Anything else is logged and ignored.
const (
	tagControl   = "success"
	tagError     = "error"
	tagTrade     = "t"
	tagSecondBar = "s"
	tagMinuteBar = "m"
)

const authAckMsg = "authenticated"

type envelope struct {
	Tag string `json:"T"`
}

type controlMessage struct {
	Tag  string `json:"T"`
	Msg  string `json:"msg"`
	Code int    `json:"code"`
}

type tradeMessage struct {
	Tag        string  `json:"T"`
	Symbol     string  `json:"S"`
	Price      float64 `json:"p"`
	Size       float64 `json:"s"`
	Timestamp  int64   `json:"t"` // epoch millis
	Conditions []int   `json:"c"`
	Exchange   int     `json:"x"`
}

func (m tradeMessage) trade() marketdata.Trade {
	return marketdata.Trade{
		Symbol:     m.Symbol,
		Price:      m.Price,
		Size:       m.Size,
		Timestamp:  time.UnixMilli(m.Timestamp),
		Conditions: m.Conditions,
		Exchange:   m.Exchange,
	}
}

// barMessage uses pointer OHLC fields so absent values fail validation
// instead of decoding as zeros.
type barMessage struct {
	Tag        string   `json:"T"`
	Symbol     string   `json:"S"`
	StartTime  int64    `json:"t"` // epoch seconds, bucket start
	Open       *float64 `json:"o"`
	High       *float64 `json:"h"`
	Low        *float64 `json:"l"`
	Close      *float64 `json:"c"`
	Volume     float64  `json:"v"`
	VWAP       float64  `json:"vw"`
	TradeCount int64    `json:"n"`
}

func (m barMessage) valid() bool {
	for _, f := range [4]*float64{m.Open, m.High, m.Low, m.Close} {
		if f == nil || math.IsNaN(*f) || math.IsInf(*f, 0) {
			return false
		}
	}
	return true
}

func (m barMessage) bar() marketdata.Bar {
	return marketdata.Bar{
		Symbol:     m.Symbol,
		StartTime:  time.Unix(m.StartTime, 0),
		Open:       *m.Open,
		High:       *m.High,
		Low:        *m.Low,
		Close:      *m.Close,
		Volume:     m.Volume,
		VWAP:       m.VWAP,
		TradeCount: m.TradeCount,
	}
}

type authRequest struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// subscriptionRequest groups the three message classes for a symbol in one
// request, for both subscribe and unsubscribe actions.
type subscriptionRequest struct {
	Action     string   `json:"action"`
	Trades     []string `json:"trades"`
	SecondBars []string `json:"secondBars"`
	MinuteBars []string `json:"minuteBars"`
}

func newSubscriptionRequest(action, symbol string) subscriptionRequest {
	syms := []string{symbol}
	return subscriptionRequest{Action: action, Trades: syms, SecondBars: syms, MinuteBars: syms}
}
