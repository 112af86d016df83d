package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "depthflow/config"
	"depthflow/logger"
	"depthflow/models"
)

// archiveRecord defines the parquet schema of archived observations.
type archiveRecord struct {
	Symbol       string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side         string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	PricePerUnit float64 `parquet:"name=price_per_unit, type=DOUBLE"`
	ObservedAt   int64   `parquet:"name=observed_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// memFileWriter is an in-memory parquet target.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveSink buffers records and uploads them to S3 as parquet objects once
// FlushRecords have accumulated, and on Close.
type ArchiveSink struct {
	cfg    appconfig.ArchiveConfig
	client objectPutter
	log    *logger.Entry
	now    func() time.Time

	lifecycle
	bufMu  sync.Mutex
	buffer []archiveRecord
}

// NewArchiveSink prepares an archive sink; the S3 client is built on Open.
func NewArchiveSink(cfg appconfig.ArchiveConfig) *ArchiveSink {
	if cfg.FlushRecords <= 0 {
		cfg.FlushRecords = 10000
	}
	return &ArchiveSink{
		cfg: cfg,
		log: logger.GetLogger().WithComponent("archive_writer").WithFields(logger.Fields{"bucket": cfg.Bucket}),
		now: time.Now,
	}
}

func (a *ArchiveSink) Open(ctx context.Context) error {
	return a.open(func() error {
		if a.client == nil {
			client, err := newS3Client(ctx, a.cfg)
			if err != nil {
				return err
			}
			a.client = client
		}
		a.buffer = make([]archiveRecord, 0, a.cfg.FlushRecords)
		a.log.Info("archive writer opened")
		return nil
	})
}

func newS3Client(ctx context.Context, cfg appconfig.ArchiveConfig) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Write appends rec to the buffer, uploading the buffer when it is full.
func (a *ArchiveSink) Write(ctx context.Context, rec models.NormalizedRecord) error {
	return a.use(func() error {
		a.bufMu.Lock()
		a.buffer = append(a.buffer, archiveRecord{
			Symbol:       rec.Symbol,
			Side:         string(rec.Side),
			PricePerUnit: rec.PricePerUnit.InexactFloat64(),
			ObservedAt:   a.now().UnixMilli(),
		})
		var batch []archiveRecord
		if len(a.buffer) >= a.cfg.FlushRecords {
			batch = a.buffer
			a.buffer = make([]archiveRecord, 0, a.cfg.FlushRecords)
		}
		a.bufMu.Unlock()

		if batch == nil {
			return nil
		}
		return a.upload(ctx, batch)
	})
}

// Close uploads whatever is still buffered.
func (a *ArchiveSink) Close() error {
	return a.close(func() error {
		a.bufMu.Lock()
		batch := a.buffer
		a.buffer = nil
		a.bufMu.Unlock()

		if len(batch) > 0 {
			if err := a.upload(context.Background(), batch); err != nil {
				return err
			}
		}
		a.log.Info("archive writer closed")
		return nil
	})
}

func (a *ArchiveSink) upload(ctx context.Context, batch []archiveRecord) error {
	data, err := createParquet(batch)
	if err != nil {
		return fmt.Errorf("%w: create parquet: %v", ErrStore, err)
	}
	key := a.objectKey(a.now())
	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}); err != nil {
		return fmt.Errorf("%w: upload %s: %v", ErrStore, key, err)
	}
	a.log.WithFields(logger.Fields{"s3_key": key, "records": len(batch), "bytes": len(data)}).Info("archive batch uploaded")
	return nil
}

func createParquet(batch []archiveRecord) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(archiveRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, rec := range batch {
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (a *ArchiveSink) objectKey(ts time.Time) string {
	ts = ts.UTC()
	return path.Join(
		a.cfg.Prefix,
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", int(ts.Month())),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("depth_%d_%s.parquet", ts.UnixNano(), uuid.New().String()),
	)
}
