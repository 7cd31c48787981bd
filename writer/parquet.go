package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// TickParquetRecord is the columnar layout of one canonical tick. The
// five-level ladder is flattened into numbered columns so downstream
// engines can query levels without array support.
type TickParquetRecord struct {
	ContractID         string  `parquet:"name=contract_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExchangeID         string  `parquet:"name=exchange_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradingDay         string  `parquet:"name=trading_day, type=BYTE_ARRAY, convertedtype=UTF8"`
	ActionDay          string  `parquet:"name=action_day, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdateTime         int64   `parquet:"name=update_time, type=INT64"`
	UpdateMillisec     int32   `parquet:"name=update_millisec, type=INT32"`
	LastPrice          float64 `parquet:"name=last_price, type=DOUBLE"`
	PreSettlementPrice float64 `parquet:"name=pre_settlement_price, type=DOUBLE"`
	PreClosePrice      float64 `parquet:"name=pre_close_price, type=DOUBLE"`
	OpenPrice          float64 `parquet:"name=open_price, type=DOUBLE"`
	HighestPrice       float64 `parquet:"name=highest_price, type=DOUBLE"`
	LowestPrice        float64 `parquet:"name=lowest_price, type=DOUBLE"`
	ClosePrice         float64 `parquet:"name=close_price, type=DOUBLE"`
	SettlementPrice    float64 `parquet:"name=settlement_price, type=DOUBLE"`
	UpperLimitPrice    float64 `parquet:"name=upper_limit_price, type=DOUBLE"`
	LowerLimitPrice    float64 `parquet:"name=lower_limit_price, type=DOUBLE"`
	Volume             int64   `parquet:"name=volume, type=INT64"`
	Turnover           float64 `parquet:"name=turnover, type=DOUBLE"`
	OpenInterest       float64 `parquet:"name=open_interest, type=DOUBLE"`
	BidPrice1          float64 `parquet:"name=bid_price_1, type=DOUBLE"`
	BidVolume1         int64   `parquet:"name=bid_volume_1, type=INT64"`
	AskPrice1          float64 `parquet:"name=ask_price_1, type=DOUBLE"`
	AskVolume1         int64   `parquet:"name=ask_volume_1, type=INT64"`
	BidPrice2          float64 `parquet:"name=bid_price_2, type=DOUBLE"`
	BidVolume2         int64   `parquet:"name=bid_volume_2, type=INT64"`
	AskPrice2          float64 `parquet:"name=ask_price_2, type=DOUBLE"`
	AskVolume2         int64   `parquet:"name=ask_volume_2, type=INT64"`
	BidPrice3          float64 `parquet:"name=bid_price_3, type=DOUBLE"`
	BidVolume3         int64   `parquet:"name=bid_volume_3, type=INT64"`
	AskPrice3          float64 `parquet:"name=ask_price_3, type=DOUBLE"`
	AskVolume3         int64   `parquet:"name=ask_volume_3, type=INT64"`
	BidPrice4          float64 `parquet:"name=bid_price_4, type=DOUBLE"`
	BidVolume4         int64   `parquet:"name=bid_volume_4, type=INT64"`
	AskPrice4          float64 `parquet:"name=ask_price_4, type=DOUBLE"`
	AskVolume4         int64   `parquet:"name=ask_volume_4, type=INT64"`
	BidPrice5          float64 `parquet:"name=bid_price_5, type=DOUBLE"`
	BidVolume5         int64   `parquet:"name=bid_volume_5, type=INT64"`
	AskPrice5          float64 `parquet:"name=ask_price_5, type=DOUBLE"`
	AskVolume5         int64   `parquet:"name=ask_volume_5, type=INT64"`
	Depth              int32   `parquet:"name=depth, type=INT32"`
	SourceTag          string  `parquet:"name=source_tag, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func toParquetRecord(t *models.CanonicalTick) TickParquetRecord {
	return TickParquetRecord{
		ContractID:         t.ContractID,
		ExchangeID:         t.ExchangeID,
		TradingDay:         t.TradingDay,
		ActionDay:          t.ActionDay,
		UpdateTime:         t.UpdateTime.UnixMilli(),
		UpdateMillisec:     int32(t.UpdateMillisec),
		LastPrice:          t.LastPrice,
		PreSettlementPrice: t.PreSettlementPrice,
		PreClosePrice:      t.PreClosePrice,
		OpenPrice:          t.OpenPrice,
		HighestPrice:       t.HighestPrice,
		LowestPrice:        t.LowestPrice,
		ClosePrice:         t.ClosePrice,
		SettlementPrice:    t.SettlementPrice,
		UpperLimitPrice:    t.UpperLimitPrice,
		LowerLimitPrice:    t.LowerLimitPrice,
		Volume:             t.Volume,
		Turnover:           t.Turnover,
		OpenInterest:       t.OpenInterest,
		BidPrice1:          t.BidPrice[0], BidVolume1: t.BidVolume[0],
		AskPrice1: t.AskPrice[0], AskVolume1: t.AskVolume[0],
		BidPrice2: t.BidPrice[1], BidVolume2: t.BidVolume[1],
		AskPrice2: t.AskPrice[1], AskVolume2: t.AskVolume[1],
		BidPrice3: t.BidPrice[2], BidVolume3: t.BidVolume[2],
		AskPrice3: t.AskPrice[2], AskVolume3: t.AskVolume[2],
		BidPrice4: t.BidPrice[3], BidVolume4: t.BidVolume[3],
		AskPrice4: t.AskPrice[3], AskVolume4: t.AskVolume[3],
		BidPrice5: t.BidPrice[4], BidVolume5: t.BidVolume[4],
		AskPrice5: t.AskPrice[4], AskVolume5: t.AskVolume[4],
		Depth:     int32(t.Depth),
		SourceTag: t.SourceTag,
	}
}

// memoryFileWriter satisfies the parquet source interface over a byte
// buffer so files can be built before touching disk or S3.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}
func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// ParquetWriter buffers ticks and flushes them as parquet files, one
// per trading day partition, to the local directory and optionally S3.
type ParquetWriter struct {
	config   appconfig.ParquetConfig
	s3cfg    appconfig.S3Config
	s3Client *s3.Client
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	buffer      map[string][]TickParquetRecord
	flushTicker *time.Ticker
}

func NewParquetWriter(cfg appconfig.ParquetConfig, s3cfg appconfig.S3Config) (*ParquetWriter, error) {
	log := logger.GetLogger()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create parquet dir: %w", err)
	}

	w := &ParquetWriter{
		config: cfg,
		s3cfg:  s3cfg,
		wg:     &sync.WaitGroup{},
		log:    log,
		buffer: make(map[string][]TickParquetRecord),
	}

	if s3cfg.Enabled {
		client, err := newS3Client(s3cfg)
		if err != nil {
			return nil, err
		}
		w.s3Client = client
		log.WithComponent("parquet_writer").WithFields(logger.Fields{
			"bucket":     s3cfg.Bucket,
			"region":     s3cfg.Region,
			"endpoint":   s3cfg.Endpoint,
			"path_style": s3cfg.PathStyle,
		}).Info("s3 upload enabled")
	}
	return w, nil
}

func newS3Client(cfg appconfig.S3Config) (*s3.Client, error) {
	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Start launches the flush worker.
func (w *ParquetWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("parquet writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	w.flushTicker = time.NewTicker(w.config.FlushInterval)
	w.wg.Add(1)
	go w.flushWorker()
	w.log.WithComponent("parquet_writer").Info("parquet writer started")
	return nil
}

func (w *ParquetWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	w.wg.Wait()
	w.flushBuffers("shutdown")
	w.log.WithComponent("parquet_writer").Info("parquet writer stopped")
}

// Save buffers the batch. Flushing happens on the interval or when a
// partition passes the row threshold.
func (w *ParquetWriter) Save(ctx context.Context, batch models.TickBatch) error {
	var oversized []string
	w.mu.Lock()
	for i := range batch.Ticks {
		t := &batch.Ticks[i]
		key := t.ExchangeID + "|" + t.TradingDay
		w.buffer[key] = append(w.buffer[key], toParquetRecord(t))
		if len(w.buffer[key]) >= w.config.FlushRows {
			oversized = append(oversized, key)
		}
	}
	w.mu.Unlock()

	for _, key := range oversized {
		w.flushKey(key, "rows")
	}
	return nil
}

func (w *ParquetWriter) flushWorker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *ParquetWriter) flushBuffers(reason string) {
	w.mu.Lock()
	keys := make([]string, 0, len(w.buffer))
	for k := range w.buffer {
		keys = append(keys, k)
	}
	w.mu.Unlock()
	for _, key := range keys {
		w.flushKey(key, reason)
	}
}

func (w *ParquetWriter) flushKey(key, reason string) {
	w.mu.Lock()
	records := w.buffer[key]
	delete(w.buffer, key)
	w.mu.Unlock()
	if len(records) == 0 {
		return
	}

	log := w.log.WithComponent("parquet_writer").WithFields(logger.Fields{
		"partition": key,
		"records":   len(records),
		"reason":    reason,
	})

	data, err := w.createParquetFile(records)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	name := fmt.Sprintf("ticks_%s_%s.parquet",
		sanitizeKey(key), time.Now().UTC().Format("20060102150405.000"))
	path := filepath.Join(w.config.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.WithError(err).Error("failed to write parquet file")
		return
	}
	log.WithFields(logger.Fields{"file": path, "file_size": len(data)}).Info("parquet file written")

	if w.s3Client != nil {
		if err := w.uploadToS3(name, data); err != nil {
			log.WithError(err).Error("failed to upload to S3")
		}
	}
}

func sanitizeKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		if r == '|' || r == '/' {
			r = '_'
		}
		out = append(out, r)
	}
	return string(out)
}

func (w *ParquetWriter) createParquetFile(records []TickParquetRecord) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := parquetwriter.NewParquetWriter(fw, new(TickParquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}

	switch w.config.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}

func (w *ParquetWriter) uploadToS3(name string, data []byte) error {
	key := name
	if w.s3cfg.Prefix != "" {
		key = filepath.ToSlash(filepath.Join(w.s3cfg.Prefix, name))
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.s3cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
			"compression":  w.config.Compression,
		},
	}
	ctx := context.Background()
	if w.ctx != nil {
		ctx = context.WithoutCancel(w.ctx)
	}
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload to S3 bucket %s: %w", w.s3cfg.Bucket, err)
	}
	return nil
}
