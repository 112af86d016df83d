package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	appconfig "depthflow/config"
	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/models"
	"depthflow/processor"
	"depthflow/reader"
	"depthflow/writer"
)

// State is the lifecycle position of a Loop.
type State int32

const (
	StateStarting State = iota
	StateConnected
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Dialer opens a fresh feed for one run.
type Dialer func(ctx context.Context) (reader.Feed, error)

// Loop drives one run of the ingestion pipeline: it receives a message,
// decodes it, writes every viable ask and bid entry concurrently and waits for
// all of them before receiving the next message.
type Loop struct {
	dial        Dialer
	sink        writer.Sink
	maxInflight int
	runID       string
	log         *logger.Entry
	state       atomic.Int32
	started     atomic.Bool
}

// NewLoop returns a loop that has not started yet. A loop runs once; the sink
// must be fresh since sinks cannot be reopened.
func NewLoop(dial Dialer, sink writer.Sink, cfg appconfig.PipelineConfig) *Loop {
	runID := uuid.New().String()
	return &Loop{
		dial:        dial,
		sink:        sink,
		maxInflight: cfg.MaxInflightWrites,
		runID:       runID,
		log:         logger.GetLogger().WithComponent("ingestion_loop").WithFields(logger.Fields{"run_id": runID}),
	}
}

func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) RunID() string { return l.runID }

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	l.log.WithFields(logger.Fields{"state": s.String()}).Debug("state changed")
}

// Run acquires the feed and the sink, processes messages until a fatal error
// or until ctx is cancelled, and releases both before returning. Cancellation
// is a clean shutdown and yields nil.
func (l *Loop) Run(ctx context.Context) (err error) {
	if !l.started.CompareAndSwap(false, true) {
		return fmt.Errorf("loop %s already ran", l.runID)
	}
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.RecordRun(outcome)
	}()

	feed, err := l.dial(ctx)
	if err != nil {
		l.setState(StateStopped)
		return fmt.Errorf("open feed: %w", err)
	}
	if err := l.sink.Open(ctx); err != nil {
		l.setState(StateStopped)
		return errors.Join(fmt.Errorf("open sink: %w", err), feed.Close())
	}

	l.setState(StateConnected)
	l.log.Info("ingestion started")

	defer func() {
		l.setState(StateDraining)
		if releaseErr := l.release(feed); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
		l.setState(StateStopped)
		if err != nil {
			l.log.WithError(err).Error("ingestion stopped")
		} else {
			l.log.Info("ingestion stopped")
		}
	}()

	for {
		msg, err := feed.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		update, err := processor.Decode(msg)
		if err != nil {
			var decodeErr *processor.DecodeError
			if errors.As(err, &decodeErr) {
				l.log.WithFields(logger.Fields{"kind": decodeErr.Kind.String()}).Warn("protocol violation; draining")
			}
			return err
		}
		metrics.RecordMessage()

		if err := l.dispatch(ctx, update); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if l.log.Enabled(logrus.DebugLevel) {
			logger.LogDataFlowEntry(l.log, "binance_feed", "sink", update.EntryCount(), "depth_update", logger.Fields{
				"symbol":          update.Symbol,
				"event_time":      update.EventTime,
				"first_update_id": update.FirstUpdateID,
				"final_update_id": update.FinalUpdateID,
				"latency_ms":      time.Since(update.ReceivedAt).Milliseconds(),
			})
		}
	}
}

// release closes the feed and then the sink; the sink is closed even when
// closing the feed fails.
func (l *Loop) release(feed reader.Feed) error {
	var errs []error
	if err := feed.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close feed: %w", err))
	}
	if err := l.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sink: %w", err))
	}
	return errors.Join(errs...)
}

// dispatch writes both sides of update concurrently and returns once every
// write has finished.
func (l *Loop) dispatch(ctx context.Context, update models.DepthUpdate) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.writeSide(gctx, update.Symbol, models.SideAsk, update.Asks) })
	g.Go(func() error { return l.writeSide(gctx, update.Symbol, models.SideBid, update.Bids) })
	return g.Wait()
}

func (l *Loop) writeSide(ctx context.Context, symbol string, side models.Side, entries []models.OrderEntry) error {
	g, gctx := errgroup.WithContext(ctx)
	if l.maxInflight > 0 {
		g.SetLimit(l.maxInflight)
	}

	for _, entry := range entries {
		rec, ok := processor.Transform(entry, side, symbol)
		if !ok {
			metrics.RecordSkip()
			if l.log.Enabled(logrus.DebugLevel) {
				l.log.WithFields(logger.Fields{"symbol": symbol, "side": side, "price": entry.Price.String()}).Debug("skipping zero-quantity entry")
			}
			continue
		}
		g.Go(func() error {
			if err := l.sink.Write(gctx, rec); err != nil {
				metrics.RecordWriteError()
				return fmt.Errorf("write %s %s: %w", symbol, side, err)
			}
			metrics.RecordWrite(string(side))
			return nil
		})
	}
	return g.Wait()
}
