package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"dexflow/config"
	"dexflow/internal/metrics"
	"dexflow/internal/models"
	"dexflow/internal/retry"
	"dexflow/logger"
)

type tradeRecord struct {
	Market    string `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence  int64  `parquet:"name=sequence, type=INT64"`
	Side      string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size      string `parquet:"name=size, type=BYTE_ARRAY, convertedtype=UTF8"`
	PriceLots string `parquet:"name=price_lots, type=BYTE_ARRAY, convertedtype=UTF8"`
	SizeLots  string `parquet:"name=size_lots, type=BYTE_ARRAY, convertedtype=UTF8"`
	Maker     bool   `parquet:"name=maker, type=BOOLEAN"`
	OrderID   string `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Owner     string `parquet:"name=owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	Slot      int64  `parquet:"name=slot, type=INT64"`
	Timestamp int64  `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

type candleRecord struct {
	Market        string `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timeframe     string `parquet:"name=timeframe, type=BYTE_ARRAY, convertedtype=UTF8"`
	BucketStart   int64  `parquet:"name=bucket_start, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open          string `parquet:"name=open, type=BYTE_ARRAY, convertedtype=UTF8"`
	High          string `parquet:"name=high, type=BYTE_ARRAY, convertedtype=UTF8"`
	Low           string `parquet:"name=low, type=BYTE_ARRAY, convertedtype=UTF8"`
	Close         string `parquet:"name=close, type=BYTE_ARRAY, convertedtype=UTF8"`
	Volume        string `parquet:"name=volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	Trades        int64  `parquet:"name=trades, type=INT64"`
	FirstSequence int64  `parquet:"name=first_sequence, type=INT64"`
	LastSequence  int64  `parquet:"name=last_sequence, type=INT64"`
}

const (
	kindTrades  = "trades"
	kindCandles = "candles"
)

type archiveBatch struct {
	Kind      string
	Market    string
	Timeframe string
	Trades    []models.Trade
	Candles   []models.Candle
	Reason    string
}

func (b archiveBatch) count() int {
	return len(b.Trades) + len(b.Candles)
}

// bounds returns the first and last identity of the batch: sequences for
// trades, bucket start seconds for candles.
func (b archiveBatch) bounds() (int64, int64) {
	if b.Kind == kindTrades {
		return int64(b.Trades[0].Sequence), int64(b.Trades[len(b.Trades)-1].Sequence)
	}
	return b.Candles[0].BucketStart.Unix(), b.Candles[len(b.Candles)-1].BucketStart.Unix()
}

func (b archiveBatch) date() string {
	if b.Kind == kindTrades {
		return b.Trades[0].Timestamp.UTC().Format("2006-01-02")
	}
	return b.Candles[0].BucketStart.UTC().Format("2006-01-02")
}

// rowBuffer keeps rows in arrival order, replacing a row whose key is
// already buffered.
type rowBuffer[K comparable, V any] struct {
	rows  []V
	index map[K]int
}

func (b *rowBuffer[K, V]) put(k K, v V) int {
	if b.index == nil {
		b.index = make(map[K]int)
	}
	if i, ok := b.index[k]; ok {
		b.rows[i] = v
		return len(b.rows)
	}
	b.index[k] = len(b.rows)
	b.rows = append(b.rows, v)
	return len(b.rows)
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive buffers trades and candles per market and uploads them to S3 as
// parquet files. Object keys are derived from the batch contents, so a
// re-uploaded batch overwrites its earlier copy. Rows are unique by key
// within one object only: the archive is append-only, and a replay after a
// restart can land rows already archived in an earlier object under
// different bounds. Readers de-duplicate by (market, sequence) for trades
// and (market, timeframe, bucket_start) for candles.
type Archive struct {
	cfg     config.ArchiveConfig
	version string
	client  objectPutter
	policy  retry.Policy

	ctx       context.Context
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
	flushDone chan struct{}

	log *logger.Log

	mu          sync.Mutex
	trades      map[string]*rowBuffer[uint64, models.Trade]
	candles     map[string]*rowBuffer[int64, models.Candle]
	flushTicker *time.Ticker
	jobCh       chan archiveBatch
	enqueuing   sync.WaitGroup
	running     bool

	batchesWritten atomic.Int64
	filesWritten   atomic.Int64
	bytesWritten   atomic.Int64
	errorsCount    atomic.Int64
}

// NewArchive creates an archive uploading with an S3 client built from cfg.
func NewArchive(ctx context.Context, cfg config.ArchiveConfig, retryCfg config.RetryConfig, version string) (*Archive, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3.Region)}
	if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.PathStyle
	})
	return newArchive(cfg, retry.FromConfig(retryCfg), version, client), nil
}

func newArchive(cfg config.ArchiveConfig, policy retry.Policy, version string, client objectPutter) *Archive {
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.UploadWorkers <= 0 {
		cfg.UploadWorkers = 2
	}
	jobCapacity := cfg.UploadWorkers * 4
	if jobCapacity < 16 {
		jobCapacity = 16
	}
	return &Archive{
		cfg:     cfg,
		version: version,
		client:  client,
		policy:  policy,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		trades:  make(map[string]*rowBuffer[uint64, models.Trade]),
		candles: make(map[string]*rowBuffer[int64, models.Candle]),
		jobCh:   make(chan archiveBatch, jobCapacity),
	}
}

// Start launches the flush loop and the upload workers.
func (a *Archive) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archive already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.flushTicker = time.NewTicker(a.cfg.FlushInterval)
	a.flushDone = make(chan struct{})
	a.mu.Unlock()

	a.log.WithComponent("archive").WithFields(logger.Fields{
		"bucket":         a.cfg.S3.Bucket,
		"prefix":         a.cfg.Prefix,
		"flush_interval": a.cfg.FlushInterval,
		"max_buffer":     a.cfg.MaxBuffer,
		"workers":        a.cfg.UploadWorkers,
	}).Info("starting archive writer")

	go a.flushLoop()

	for i := 0; i < a.cfg.UploadWorkers; i++ {
		a.wg.Add(1)
		go a.uploadWorker()
	}
	return nil
}

// Close stops the flush loop, flushes every buffer, waits for the pending
// uploads and stops the workers.
func (a *Archive) Close() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	// An interval flush in progress may still be enqueueing.
	a.cancel()
	<-a.flushDone

	a.flushBuffers("shutdown")
	a.enqueuing.Wait()
	close(a.jobCh)
	a.wg.Wait()

	metrics.ReportWriter(a.log, "archive", a.Stats())
	a.log.WithComponent("archive").Info("archive writer stopped")
	return nil
}

func (a *Archive) UpsertTrade(_ context.Context, t models.Trade) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return ErrClosed
	}
	buf := a.trades[t.Market]
	if buf == nil {
		buf = &rowBuffer[uint64, models.Trade]{}
		a.trades[t.Market] = buf
	}
	var full []models.Trade
	if buf.put(t.Sequence, t) >= a.cfg.MaxBuffer {
		full = buf.rows
		delete(a.trades, t.Market)
		a.enqueuing.Add(1)
	}
	a.mu.Unlock()

	if full != nil {
		defer a.enqueuing.Done()
		a.enqueue(archiveBatch{Kind: kindTrades, Market: t.Market, Trades: full, Reason: "max_buffer"})
	}
	return nil
}

func (a *Archive) UpsertCandle(_ context.Context, c models.Candle) error {
	key := c.Market + "|" + c.Timeframe
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return ErrClosed
	}
	buf := a.candles[key]
	if buf == nil {
		buf = &rowBuffer[int64, models.Candle]{}
		a.candles[key] = buf
	}
	var full []models.Candle
	if buf.put(c.BucketStart.Unix(), c) >= a.cfg.MaxBuffer {
		full = buf.rows
		delete(a.candles, key)
		a.enqueuing.Add(1)
	}
	a.mu.Unlock()

	if full != nil {
		defer a.enqueuing.Done()
		a.enqueue(archiveBatch{Kind: kindCandles, Market: c.Market, Timeframe: c.Timeframe, Candles: full, Reason: "max_buffer"})
	}
	return nil
}

// Stats returns the writer counters.
func (a *Archive) Stats() metrics.WriterStats {
	a.mu.Lock()
	buffered := 0
	for _, b := range a.trades {
		buffered += len(b.rows)
	}
	for _, b := range a.candles {
		buffered += len(b.rows)
	}
	a.mu.Unlock()

	return metrics.WriterStats{
		BatchesWritten: a.batchesWritten.Load(),
		FilesWritten:   a.filesWritten.Load(),
		BytesWritten:   a.bytesWritten.Load(),
		ErrorsCount:    a.errorsCount.Load(),
		Buffered:       buffered,
		QueueLen:       len(a.jobCh),
		QueueCap:       cap(a.jobCh),
	}
}

func (a *Archive) flushLoop() {
	defer close(a.flushDone)
	defer a.flushTicker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.flushTicker.C:
			a.flushBuffers("interval")
			metrics.ReportWriter(a.log, "archive", a.Stats())
		}
	}
}

func (a *Archive) uploadWorker() {
	defer a.wg.Done()
	for batch := range a.jobCh {
		a.processBatch(batch)
	}
}

func (a *Archive) flushBuffers(reason string) {
	a.mu.Lock()
	trades, candles := a.trades, a.candles
	a.trades = make(map[string]*rowBuffer[uint64, models.Trade])
	a.candles = make(map[string]*rowBuffer[int64, models.Candle])
	a.mu.Unlock()

	for market, b := range trades {
		if len(b.rows) > 0 {
			a.enqueue(archiveBatch{Kind: kindTrades, Market: market, Trades: b.rows, Reason: reason})
		}
	}
	for _, b := range candles {
		if cs := b.rows; len(cs) > 0 {
			a.enqueue(archiveBatch{Kind: kindCandles, Market: cs[0].Market, Timeframe: cs[0].Timeframe, Candles: cs, Reason: reason})
		}
	}
}

// enqueue blocks until an upload worker has room. The job channel is only
// closed after the flush loop has exited and every full-buffer enqueue has
// returned.
func (a *Archive) enqueue(batch archiveBatch) {
	a.jobCh <- batch
}

func (a *Archive) processBatch(batch archiveBatch) {
	entryLog := a.log.WithComponent("archive").WithFields(logger.Fields{
		"kind":         batch.Kind,
		"market":       batch.Market,
		"timeframe":    batch.Timeframe,
		"record_count": batch.count(),
		"reason":       batch.Reason,
	})
	if batch.count() == 0 {
		return
	}

	start := time.Now()
	data, err := a.createParquet(batch)
	if err != nil {
		a.errorsCount.Add(1)
		entryLog.WithError(err).Error("failed to create parquet")
		return
	}

	key := a.objectKey(batch)
	uploadCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	err = retry.Do(uploadCtx, a.policy, func(ctx context.Context) error {
		return a.upload(ctx, key, batch.Kind, data)
	}, func(attempt int, delay time.Duration, err error) {
		entryLog.WithError(err).WithFields(logger.Fields{"attempt": attempt, "delay": delay.String()}).Warn("upload failed, retrying")
	})
	if err != nil {
		a.errorsCount.Add(1)
		entryLog.WithError(err).WithFields(logger.Fields{"s3_key": key}).Error("failed to upload parquet")
		return
	}

	a.batchesWritten.Add(1)
	a.filesWritten.Add(1)
	a.bytesWritten.Add(int64(len(data)))
	logger.LogPerformanceEntry(entryLog, "archive", "upload_batch", time.Since(start), logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	})
}

func (a *Archive) createParquet(batch archiveBatch) ([]byte, error) {
	mem := newMemFile()
	var schema interface{}
	if batch.Kind == kindTrades {
		schema = new(tradeRecord)
	} else {
		schema = new(candleRecord)
	}
	pw, err := writer.NewParquetWriter(mem, schema, 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}

	switch strings.ToLower(a.cfg.Compression) {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, rec := range records(batch) {
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write %s record: %w", batch.Kind, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize %s parquet: %w", batch.Kind, err)
	}
	return mem.Bytes(), nil
}

func records(batch archiveBatch) []interface{} {
	out := make([]interface{}, 0, batch.count())
	for _, t := range batch.Trades {
		out = append(out, tradeRecord{
			Market:    t.Market,
			Sequence:  int64(t.Sequence),
			Side:      string(t.Side),
			Price:     t.Price.String(),
			Size:      t.Size.String(),
			PriceLots: t.PriceLots.String(),
			SizeLots:  t.SizeLots.String(),
			Maker:     t.Maker,
			OrderID:   t.OrderID,
			Owner:     t.Owner,
			Slot:      int64(t.Slot),
			Timestamp: t.Timestamp.UnixMilli(),
		})
	}
	for _, c := range batch.Candles {
		out = append(out, candleRecord{
			Market:        c.Market,
			Timeframe:     c.Timeframe,
			BucketStart:   c.BucketStart.UnixMilli(),
			Open:          c.Open.String(),
			High:          c.High.String(),
			Low:           c.Low.String(),
			Close:         c.Close.String(),
			Volume:        c.Volume.String(),
			Trades:        c.Trades,
			FirstSequence: int64(c.FirstSequence),
			LastSequence:  int64(c.LastSequence),
		})
	}
	return out
}

var keySanitizer = strings.NewReplacer("/", "-", " ", "_", "=", "-")

// objectKey lays batches out as
// <prefix>/<kind>/market=<m>[/timeframe=<tf>]/date=<d>/<kind>_<first>-<last>.parquet.
func (a *Archive) objectKey(batch archiveBatch) string {
	market := keySanitizer.Replace(batch.Market)
	first, last := batch.bounds()
	parts := []string{a.cfg.Prefix, batch.Kind, "market=" + market}
	if batch.Kind == kindCandles {
		parts = append(parts, "timeframe="+batch.Timeframe)
	}
	parts = append(parts,
		"date="+batch.date(),
		fmt.Sprintf("%s_%s_%d-%d.parquet", batch.Kind, market, first, last),
	)
	return path.Join(parts...)
}

func (a *Archive) upload(ctx context.Context, key, kind string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":    "parquet",
			"kind":            kind,
			"compression":     a.cfg.Compression,
			"dexflow-version": a.version,
		},
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}
