// Package writer holds the storage sinks: CSV files per contract and
// trading day, parquet with optional S3 upload, and a kafka sink for
// anomaly records.
package writer

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// CSVWriter appends cleaned ticks to one file per contract and trading
// day under the configured base path. Files get a header on creation
// and survive process restarts by appending.
type CSVWriter struct {
	config appconfig.CSVConfig
	mu     sync.Mutex
	files  map[string]*csvFile
	log    *logger.Entry
}

type csvFile struct {
	f *os.File
	w *csv.Writer
}

func NewCSVWriter(cfg appconfig.CSVConfig) (*CSVWriter, error) {
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("create csv base path: %w", err)
	}
	return &CSVWriter{
		config: cfg,
		files:  make(map[string]*csvFile),
		log:    logger.GetLogger().WithComponent("csv_writer"),
	}, nil
}

var csvHeader = []string{
	"contract_id", "exchange_id", "trading_day", "action_day",
	"update_time", "update_millisec",
	"last_price", "pre_settlement_price", "pre_close_price",
	"open_price", "highest_price", "lowest_price",
	"close_price", "settlement_price", "upper_limit_price", "lower_limit_price",
	"volume", "turnover", "open_interest",
	"bid_price_1", "bid_volume_1", "ask_price_1", "ask_volume_1",
	"depth", "source_tag",
}

// Save appends every tick in the batch to its contract's file.
func (w *CSVWriter) Save(ctx context.Context, batch models.TickBatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range batch.Ticks {
		t := &batch.Ticks[i]
		cf, err := w.fileFor(t)
		if err != nil {
			return err
		}
		if err := cf.w.Write(tickRow(t)); err != nil {
			return fmt.Errorf("csv write %s: %w", t.ContractID, err)
		}
	}
	for _, cf := range w.files {
		cf.w.Flush()
		if err := cf.w.Error(); err != nil {
			return fmt.Errorf("csv flush: %w", err)
		}
	}
	return nil
}

func (w *CSVWriter) fileFor(t *models.CanonicalTick) (*csvFile, error) {
	name := fmt.Sprintf("%s_%s.csv", t.ContractID, t.TradingDay)
	if cf, ok := w.files[name]; ok {
		return cf, nil
	}

	path := filepath.Join(w.config.BasePath, name)
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", path, err)
	}
	cf := &csvFile{f: f, w: csv.NewWriter(f)}
	if fresh {
		if err := cf.w.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("csv header: %w", err)
		}
	}
	w.files[name] = cf
	w.log.WithFields(logger.Fields{"file": path}).Debug("csv file opened")
	return cf, nil
}

func tickRow(t *models.CanonicalTick) []string {
	return []string{
		t.ContractID, t.ExchangeID, t.TradingDay, t.ActionDay,
		t.UpdateTime.Format("2006-01-02 15:04:05.000"),
		strconv.Itoa(t.UpdateMillisec),
		fmtFloat(t.LastPrice), fmtFloat(t.PreSettlementPrice), fmtFloat(t.PreClosePrice),
		fmtFloat(t.OpenPrice), fmtFloat(t.HighestPrice), fmtFloat(t.LowestPrice),
		fmtFloat(t.ClosePrice), fmtFloat(t.SettlementPrice), fmtFloat(t.UpperLimitPrice), fmtFloat(t.LowerLimitPrice),
		strconv.FormatInt(t.Volume, 10), fmtFloat(t.Turnover), fmtFloat(t.OpenInterest),
		fmtFloat(t.BidPrice[0]), strconv.FormatInt(t.BidVolume[0], 10),
		fmtFloat(t.AskPrice[0]), strconv.FormatInt(t.AskVolume[0], 10),
		strconv.Itoa(t.Depth), t.SourceTag,
	}
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Close flushes and closes every open file.
func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for name, cf := range w.files {
		cf.w.Flush()
		if err := cf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.files, name)
	}
	return firstErr
}
