package processor

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"depthflow/models"
)

func rawMessage(payload string) models.RawFeedMessage {
	return models.RawFeedMessage{Exchange: "binance", Payload: []byte(payload), ReceivedAt: time.Unix(10, 0)}
}

func TestDecodeValidPayload(t *testing.T) {
	msg := rawMessage(`{"stream":"btcusdt@depth","data":{"e":"depthUpdate","E":123,"s":"BTCUSDT","U":1,"u":2,"b":[["100","0"]],"a":[["100","2"],["101.5","0.5"]]}}`)

	update, err := Decode(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected symbol %s", update.Symbol)
	}
	if len(update.Asks) != 2 || len(update.Bids) != 1 {
		t.Fatalf("unexpected entries: asks=%d bids=%d", len(update.Asks), len(update.Bids))
	}
	if !update.Asks[1].Price.Equal(decimal.RequireFromString("101.5")) {
		t.Fatalf("unexpected ask price %s", update.Asks[1].Price)
	}
	if update.EventTime != 123 || update.FinalUpdateID != 2 {
		t.Fatalf("unexpected ids: %+v", update)
	}
	if !update.ReceivedAt.Equal(msg.ReceivedAt) {
		t.Fatalf("received time not carried over")
	}
}

func TestDecodeClassification(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		kind    DecodeKind
	}{
		{"error field", `{"error":"rate_limited"}`, KindUpstreamError},
		{"error object", `{"error":{"code":2,"msg":"Invalid request"},"id":1}`, KindUpstreamError},
		{"event marker", `{"e":"error","m":"Max reconnect retries reached"}`, KindUpstreamError},
		{"error wins over data", `{"error":"x","data":{"s":"BTCUSDT","a":[],"b":[]}}`, KindUpstreamError},
		{"missing data", `{"stream":"btcusdt@depth"}`, KindMalformed},
		{"null data", `{"data":null}`, KindMalformed},
		{"not json", `not json`, KindMalformed},
		{"missing symbol", `{"data":{"a":[],"b":[]}}`, KindMalformed},
		{"missing both lists", `{"data":{"s":"BTCUSDT"}}`, KindMalformed},
		{"missing bids", `{"data":{"symbol":"BTCUSDT","a":[["100","2"]]}}`, KindMalformed},
		{"null asks", `{"data":{"s":"BTCUSDT","a":null,"b":[]}}`, KindMalformed},
		{"short level", `{"data":{"s":"BTCUSDT","a":[["100"]],"b":[]}}`, KindMalformed},
		{"bad quantity", `{"data":{"s":"BTCUSDT","a":[],"b":[["100","abc"]]}}`, KindMalformed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Decode(rawMessage(c.payload))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("error does not match ErrProtocolViolation: %v", err)
			}
			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("expected *DecodeError, got %T", err)
			}
			if decErr.Kind != c.kind {
				t.Fatalf("kind = %s, want %s", decErr.Kind, c.kind)
			}
			if string(decErr.Raw) != c.payload {
				t.Fatalf("raw payload not kept: %s", decErr.Raw)
			}
		})
	}
}

func TestDecodeInvalidEntryUnwraps(t *testing.T) {
	_, err := Decode(rawMessage(`{"data":{"s":"BTCUSDT","a":[["x","1"]],"b":[]}}`))
	if !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry in chain, got %v", err)
	}
}

func TestDecodeEmptySides(t *testing.T) {
	update, err := Decode(rawMessage(`{"data":{"s":"ETHUSDT","a":[],"b":[]}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.EntryCount() != 0 {
		t.Fatalf("expected no entries, got %d", update.EntryCount())
	}
}

func TestDecodeSpelledOutSymbol(t *testing.T) {
	update, err := Decode(rawMessage(`{"data":{"symbol":"BTCUSDT","a":[["100","2"]],"b":[["100","0"]]}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected symbol %q", update.Symbol)
	}
	if len(update.Asks) != 1 || len(update.Bids) != 1 {
		t.Fatalf("unexpected entries: asks=%d bids=%d", len(update.Asks), len(update.Bids))
	}
}

func TestDecodePrefersSymbolOverShortKey(t *testing.T) {
	update, err := Decode(rawMessage(`{"data":{"symbol":"ETHUSDT","s":"BTCUSDT","a":[],"b":[]}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.Symbol != "ETHUSDT" {
		t.Fatalf("unexpected symbol %q", update.Symbol)
	}
}
