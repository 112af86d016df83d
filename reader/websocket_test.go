package reader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "depthflow/config"
)

// newStreamServer serves a websocket that writes frames then waits for hold
// to be closed before hanging up.
func newStreamServer(t *testing.T, frames []string, hold <-chan struct{}, gotQuery chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotQuery != nil {
			gotQuery <- r.URL.RawQuery
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		if hold != nil {
			<-hold
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
}

func TestCombinedStreamURL(t *testing.T) {
	got, err := CombinedStreamURL("wss://stream.binance.com:9443/stream", []string{"BTCUSDT", "ETHUSDT"})
	if err != nil {
		t.Fatalf("CombinedStreamURL: %v", err)
	}
	want := "wss://stream.binance.com:9443/stream?streams=btcusdt@depth/ethusdt@depth"
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestWSFeedReceivesFrames(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	query := make(chan string, 1)
	srv := newStreamServer(t, []string{`{"data":{"s":"BTCUSDT"}}`, `{"error":"rate_limited"}`}, hold, query)

	cfg := appconfig.BinanceSourceConfig{Connection: appconfig.ConnectionWebsocket, URL: wsURL(srv), Symbols: []string{"btcusdt"}}
	feed, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer feed.Close()

	if q := <-query; q != "streams=btcusdt@depth" {
		t.Fatalf("unexpected subscription query %q", q)
	}

	for _, want := range []string{`{"data":{"s":"BTCUSDT"}}`, `{"error":"rate_limited"}`} {
		msg, err := feed.Recv(context.Background())
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if string(msg.Payload) != want {
			t.Fatalf("payload %s want %s", msg.Payload, want)
		}
		if msg.ReceivedAt.IsZero() {
			t.Fatal("receive time not set")
		}
	}
}

func TestWSFeedDisconnectIsTransportError(t *testing.T) {
	srv := newStreamServer(t, nil, nil, nil)
	feed, err := DialWebsocket(context.Background(), appconfig.BinanceSourceConfig{URL: wsURL(srv)}, []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer feed.Close()

	if _, err := feed.Recv(context.Background()); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestWSFeedDialFailure(t *testing.T) {
	_, err := DialWebsocket(context.Background(), appconfig.BinanceSourceConfig{URL: "ws://127.0.0.1:1/stream"}, []string{"BTCUSDT"})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestWSFeedCloseIsIdempotent(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	srv := newStreamServer(t, nil, hold, nil)
	feed, err := DialWebsocket(context.Background(), appconfig.BinanceSourceConfig{URL: wsURL(srv)}, []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	first := feed.Close()
	second := feed.Close()
	if first != second {
		t.Fatalf("second close changed result: %v vs %v", first, second)
	}
	if _, err := feed.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestWSFeedRecvHonoursContext(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	srv := newStreamServer(t, nil, hold, nil)
	feed, err := DialWebsocket(context.Background(), appconfig.BinanceSourceConfig{URL: wsURL(srv)}, []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer feed.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := feed.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestOpenRejectsEmptySubscription(t *testing.T) {
	if _, err := Open(context.Background(), appconfig.BinanceSourceConfig{Symbols: []string{" "}}); err == nil {
		t.Fatal("expected error for empty subscription")
	}
}
