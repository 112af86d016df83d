package writer

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"

	appconfig "depthflow/config"
	"depthflow/logger"
	"depthflow/models"
)

// Tag and field keys of the depth measurement. The read side filters on them.
const (
	TagType    = "type"
	TagSymbol  = "symbol"
	FieldPrice = "price"
)

// InfluxSink writes one point per record through the blocking write API so
// each record either lands whole or the write fails.
type InfluxSink struct {
	cfg appconfig.InfluxConfig
	log *logger.Entry

	lifecycle
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink prepares a sink; no connection is made until Open.
func NewInfluxSink(cfg appconfig.InfluxConfig) *InfluxSink {
	if cfg.Measurement == "" {
		cfg.Measurement = appconfig.DefaultMeasurement
	}
	return &InfluxSink{
		cfg: cfg,
		log: logger.GetLogger().WithComponent("influx_writer").WithFields(logger.Fields{
			"bucket":      cfg.Bucket,
			"measurement": cfg.Measurement,
		}),
	}
}

// Open creates the client and checks that the server answers.
func (s *InfluxSink) Open(ctx context.Context) error {
	return s.open(func() error {
		client := influxdb2.NewClient(s.cfg.URL, s.cfg.AuthToken())
		ok, err := client.Ping(ctx)
		if err != nil || !ok {
			client.Close()
			if err == nil {
				err = fmt.Errorf("server at %s not ready", s.cfg.URL)
			}
			return fmt.Errorf("%w: ping influx: %v", ErrStore, err)
		}
		s.client = client
		s.writeAPI = client.WriteAPIBlocking(s.cfg.Org, s.cfg.Bucket)
		s.log.Info("influx writer opened")
		return nil
	})
}

// Write stores rec under the configured measurement. The point carries no
// timestamp so the server assigns it.
func (s *InfluxSink) Write(ctx context.Context, rec models.NormalizedRecord) error {
	point := influxdb2.NewPointWithMeasurement(s.cfg.Measurement).
		AddTag(TagType, string(rec.Side)).
		AddTag(TagSymbol, rec.Symbol).
		AddField(FieldPrice, rec.PricePerUnit.InexactFloat64())

	if s.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
	}

	return s.use(func() error {
		start := time.Now()
		if err := s.writeAPI.WritePoint(ctx, point); err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		if s.log.Enabled(logrus.DebugLevel) {
			logger.LogPerformanceEntry(s.log, "influx_writer", "write_point", time.Since(start), logger.Fields{"symbol": rec.Symbol, "side": rec.Side})
		}
		return nil
	})
}

// Close releases the client. In-flight writes finish before the HTTP
// transport is torn down.
func (s *InfluxSink) Close() error {
	return s.close(func() error {
		s.client.Close()
		s.log.Info("influx writer closed")
		return nil
	})
}
