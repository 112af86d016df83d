package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"

	appconfig "depthflow/config"
	"depthflow/internal/symbols"
	"depthflow/logger"
	"depthflow/models"
)

const sdkStopTimeout = 5 * time.Second

type depthServeFunc func(syms []string, handler binance.WsDepthHandler, errHandler binance.ErrHandler) (doneC, stopC chan struct{}, err error)

// SDKFeed adapts go-binance's combined depth subscription to Feed. Events are
// re-encoded as combined-stream frames so the decoder sees one wire format.
type SDKFeed struct {
	msgs  chan models.RawFeedMessage
	errs  chan error
	doneC chan struct{}
	stopC chan struct{}
	log   *logger.Entry

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenSDK subscribes to the depth streams of syms through go-binance.
func OpenSDK(syms []string, buffer int) (*SDKFeed, error) {
	return openSDK(binance.WsCombinedDepthServe, syms, buffer)
}

func openSDK(serve depthServeFunc, syms []string, buffer int) (*SDKFeed, error) {
	if buffer < 0 {
		buffer = 0
	}
	f := &SDKFeed{
		msgs:   make(chan models.RawFeedMessage, buffer),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
		log: logger.GetLogger().WithComponent("binance_feed").WithFields(logger.Fields{
			"symbols":    syms,
			"connection": appconfig.ConnectionSDK,
		}),
	}

	doneC, stopC, err := serve(syms, f.handle, f.handleErr)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe: %v", ErrTransport, err)
	}
	f.doneC, f.stopC = doneC, stopC

	f.log.Info("subscribed to depth streams")
	return f, nil
}

func (f *SDKFeed) handle(event *binance.WsDepthEvent) {
	payload, err := json.Marshal(envelopeFromEvent(event))
	if err != nil {
		f.handleErr(fmt.Errorf("encode depth event: %w", err))
		return
	}
	msg := models.RawFeedMessage{Exchange: "binance", Payload: payload, ReceivedAt: time.Now()}
	select {
	case f.msgs <- msg:
	case <-f.closed:
	}
}

func (f *SDKFeed) handleErr(err error) {
	if err == nil {
		return
	}
	select {
	case f.errs <- err:
	default:
		f.log.WithError(err).Debug("dropping secondary websocket error")
	}
}

func envelopeFromEvent(event *binance.WsDepthEvent) models.BinanceDepthEnvelope {
	bids := make([][]string, 0, len(event.Bids))
	for _, b := range event.Bids {
		bids = append(bids, []string{b.Price, b.Quantity})
	}
	asks := make([][]string, 0, len(event.Asks))
	for _, a := range event.Asks {
		asks = append(asks, []string{a.Price, a.Quantity})
	}
	data := &models.BinanceDepthData{
		Event:         event.Event,
		Time:          event.Time,
		Symbol:        event.Symbol,
		FirstUpdateID: event.FirstUpdateID,
		FinalUpdateID: event.LastUpdateID,
		Bids:          &bids,
		Asks:          &asks,
	}
	return models.BinanceDepthEnvelope{Stream: symbols.StreamName(event.Symbol), Data: data}
}

// Recv returns the next event, or the transport error reported by the SDK.
func (f *SDKFeed) Recv(ctx context.Context) (models.RawFeedMessage, error) {
	select {
	case <-f.closed:
		return models.RawFeedMessage{}, ErrClosed
	default:
	}

	select {
	case msg := <-f.msgs:
		return msg, nil
	case err := <-f.errs:
		return models.RawFeedMessage{}, fmt.Errorf("%w: %v", ErrTransport, err)
	case <-f.doneC:
		select {
		case err := <-f.errs:
			return models.RawFeedMessage{}, fmt.Errorf("%w: %v", ErrTransport, err)
		case <-f.closed:
			return models.RawFeedMessage{}, ErrClosed
		default:
			return models.RawFeedMessage{}, fmt.Errorf("%w: stream ended", ErrTransport)
		}
	case <-f.closed:
		return models.RawFeedMessage{}, ErrClosed
	case <-ctx.Done():
		_ = f.Close()
		return models.RawFeedMessage{}, ctx.Err()
	}
}

// Close stops the SDK subscription and waits for it to exit.
func (f *SDKFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		close(f.stopC)
		select {
		case <-f.doneC:
		case <-time.After(sdkStopTimeout):
			err = fmt.Errorf("%w: subscription did not stop within %s", ErrTransport, sdkStopTimeout)
		}
		f.log.Info("depth subscription closed")
	})
	return err
}
