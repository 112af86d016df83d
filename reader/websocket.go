package reader

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "depthflow/config"
	"depthflow/internal/symbols"
	"depthflow/logger"
	"depthflow/models"
)

// WSFeed reads Binance's combined depth stream over a raw websocket.
type WSFeed struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	log         *logger.Entry

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// CombinedStreamURL appends the streams query for syms to base.
func CombinedStreamURL(base string, syms []string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid stream url %q: %w", base, err)
	}
	u.RawQuery = "streams=" + strings.Join(symbols.Streams(syms), "/")
	return u.String(), nil
}

// DialWebsocket opens the combined stream for syms.
func DialWebsocket(ctx context.Context, cfg appconfig.BinanceSourceConfig, syms []string) (*WSFeed, error) {
	endpoint, err := CombinedStreamURL(cfg.URL, syms)
	if err != nil {
		return nil, err
	}

	log := logger.GetLogger().WithComponent("binance_feed").WithFields(logger.Fields{
		"symbols":    syms,
		"connection": appconfig.ConnectionWebsocket,
	})

	dialer := *websocket.DefaultDialer
	if cfg.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.HandshakeTimeout
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, endpoint, err)
	}

	log.Info("connected to depth stream")
	return &WSFeed{
		conn:        conn,
		readTimeout: cfg.ReadTimeout,
		log:         log,
		closed:      make(chan struct{}),
	}, nil
}

// Recv reads the next frame. Cancelling ctx closes the feed.
func (f *WSFeed) Recv(ctx context.Context) (models.RawFeedMessage, error) {
	select {
	case <-f.closed:
		return models.RawFeedMessage{}, ErrClosed
	default:
	}

	stop := context.AfterFunc(ctx, func() { _ = f.Close() })
	defer stop()

	if f.readTimeout > 0 {
		_ = f.conn.SetReadDeadline(time.Now().Add(f.readTimeout))
	}
	_, data, err := f.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return models.RawFeedMessage{}, ctx.Err()
		}
		select {
		case <-f.closed:
			return models.RawFeedMessage{}, ErrClosed
		default:
		}
		return models.RawFeedMessage{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	return models.RawFeedMessage{
		Exchange:   "binance",
		Payload:    data,
		ReceivedAt: time.Now(),
	}, nil
}

// Close sends a close frame and releases the connection once.
func (f *WSFeed) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		_ = f.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		f.closeErr = f.conn.Close()
		f.log.Info("depth stream closed")
	})
	return f.closeErr
}
