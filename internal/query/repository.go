package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	appconfig "depthflow/config"
	"depthflow/logger"
	"depthflow/writer"
)

var (
	// ErrInvalidRange is returned for a range start that is not a negative
	// relative duration such as -1h.
	ErrInvalidRange = errors.New("invalid range start")
	// ErrInvalidSymbol is returned for symbols that cannot name a market.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("repository closed")
)

var (
	rangePattern  = regexp.MustCompile(`^-[0-9]+(ns|us|ms|s|m|h|d|w|mo|y)$`)
	symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)
)

// Series holds one symbol's price history as parallel slices.
type Series struct {
	Prices []float64   `json:"prices"`
	Times  []time.Time `json:"times"`
	Types  []string    `json:"types"`
}

// Repository answers read queries against the depth measurement. It keeps a
// single client for its lifetime.
type Repository struct {
	cfg appconfig.InfluxConfig
	log *logger.Entry

	mu     sync.RWMutex
	client influxdb2.Client
}

func NewRepository(cfg appconfig.InfluxConfig) *Repository {
	if cfg.Measurement == "" {
		cfg.Measurement = appconfig.DefaultMeasurement
	}
	return &Repository{
		cfg:    cfg,
		log:    logger.GetLogger().WithComponent("price_repository"),
		client: influxdb2.NewClient(cfg.URL, cfg.AuthToken()),
	}
}

// PricesSince returns the last price of every minute since rangeStart for
// symbol, across both sides.
func (r *Repository) PricesSince(ctx context.Context, rangeStart, symbol string) (Series, error) {
	rangeStart = strings.TrimSpace(rangeStart)
	if !rangePattern.MatchString(rangeStart) {
		return Series{}, fmt.Errorf("%w: %q", ErrInvalidRange, rangeStart)
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(symbol) {
		return Series{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return Series{}, ErrClosed
	}

	flux := buildPriceQuery(r.cfg.Bucket, r.cfg.Measurement, rangeStart, symbol)
	start := time.Now()
	result, err := r.client.QueryAPI(r.cfg.Org).Query(ctx, flux)
	if err != nil {
		return Series{}, fmt.Errorf("query prices for %s: %w", symbol, err)
	}
	defer result.Close()

	var series Series
	for result.Next() {
		rec := result.Record()
		if rec.Field() != writer.FieldPrice {
			continue
		}
		price, ok := rec.Value().(float64)
		if !ok {
			continue
		}
		side, _ := rec.ValueByKey(writer.TagType).(string)
		series.Prices = append(series.Prices, price)
		series.Times = append(series.Times, rec.Time())
		series.Types = append(series.Types, side)
	}
	if err := result.Err(); err != nil {
		return Series{}, fmt.Errorf("read prices for %s: %w", symbol, err)
	}

	logger.LogPerformanceEntry(r.log, "price_repository", "prices_since", time.Since(start), logger.Fields{
		"symbol": symbol,
		"range":  rangeStart,
		"points": len(series.Prices),
	})
	return series, nil
}

func buildPriceQuery(bucket, measurement, rangeStart, symbol string) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s)
  |> filter(fn: (r) => r._measurement == %q)
  |> filter(fn: (r) => r.%s == %q)
  |> aggregateWindow(every: 1m, fn: last, createEmpty: false)`,
		bucket, rangeStart, measurement, writer.TagSymbol, symbol)
}

// Close releases the client. Further queries fail with ErrClosed.
func (r *Repository) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}
