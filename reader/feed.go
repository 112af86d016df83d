package reader

import (
	"context"
	"errors"
	"fmt"

	appconfig "depthflow/config"
	"depthflow/internal/symbols"
	"depthflow/models"
)

var (
	// ErrTransport reports that the feed disconnected or could not be
	// established. It is fatal to the current run.
	ErrTransport = errors.New("feed transport failure")
	// ErrClosed is returned by Recv once the feed has been closed.
	ErrClosed = errors.New("feed closed")
)

// Feed is a single multiplexed depth subscription. The message sequence is
// infinite and not restartable: after Close a new Feed must be opened.
type Feed interface {
	// Recv blocks until the next frame arrives, the connection fails or ctx
	// is done.
	Recv(ctx context.Context) (models.RawFeedMessage, error)
	// Close releases the network resource. It is safe to call more than once.
	Close() error
}

// Open establishes the feed selected by the binance source configuration.
func Open(ctx context.Context, cfg appconfig.BinanceSourceConfig) (Feed, error) {
	syms := symbols.Normalize(cfg.Symbols)
	if len(syms) == 0 {
		return nil, fmt.Errorf("%w: empty subscription", ErrTransport)
	}
	switch cfg.Connection {
	case appconfig.ConnectionSDK:
		feed, err := OpenSDK(syms, cfg.BufferSize)
		if err != nil {
			return nil, err
		}
		return feed, nil
	case appconfig.ConnectionWebsocket, "":
		feed, err := DialWebsocket(ctx, cfg, syms)
		if err != nil {
			return nil, err
		}
		return feed, nil
	default:
		return nil, fmt.Errorf("unknown connection type %q", cfg.Connection)
	}
}
