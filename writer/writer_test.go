package writer

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	appconfig "tickflow/config"
	"tickflow/models"
)

func sampleTick(contract string, price float64) models.CanonicalTick {
	t := models.CanonicalTick{
		ContractID:     contract,
		ExchangeID:     "SHFE",
		TradingDay:     "20260830",
		ActionDay:      "20260830",
		LastPrice:      price,
		Volume:         100,
		UpdateTime:     time.Date(2026, 8, 30, 9, 30, 15, 500*int(time.Millisecond), time.Local),
		UpdateMillisec: 500,
		Depth:          5,
		SourceTag:      "ctp",
	}
	t.BidPrice[0] = price - 1
	t.BidVolume[0] = 10
	t.AskPrice[0] = price + 1
	t.AskVolume[0] = 12
	return t
}

func sampleBatch(ticks ...models.CanonicalTick) models.TickBatch {
	return models.TickBatch{
		BatchID:     "b1",
		Cycle:       1,
		Ticks:       ticks,
		RecordCount: len(ticks),
		Collected:   time.Now(),
	}
}

func TestCSVWriterWritesPerContractFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewCSVWriter(appconfig.CSVConfig{Enabled: true, BasePath: dir})
	if err != nil {
		t.Fatalf("new csv writer: %v", err)
	}
	defer w.Close()

	batch := sampleBatch(sampleTick("rb2610", 3521), sampleTick("ag2612", 8100), sampleTick("rb2610", 3522))
	if err := w.Save(context.Background(), batch); err != nil {
		t.Fatalf("save: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "rb2610_20260830.csv"))
	if err != nil {
		t.Fatalf("open contract file: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 { // header + 2 ticks
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "contract_id" {
		t.Errorf("missing header, got %v", rows[0])
	}
	if rows[1][0] != "rb2610" || rows[1][6] != "3521" {
		t.Errorf("bad data row: %v", rows[1])
	}

	if _, err := os.Stat(filepath.Join(dir, "ag2612_20260830.csv")); err != nil {
		t.Errorf("second contract file missing: %v", err)
	}
}

func TestCSVWriterAppendsAcrossSaves(t *testing.T) {
	dir := t.TempDir()
	w, err := NewCSVWriter(appconfig.CSVConfig{Enabled: true, BasePath: dir})
	if err != nil {
		t.Fatalf("new csv writer: %v", err)
	}
	if err := w.Save(context.Background(), sampleBatch(sampleTick("rb2610", 3521))); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := w.Save(context.Background(), sampleBatch(sampleTick("rb2610", 3522))); err != nil {
		t.Fatalf("save: %v", err)
	}
	w.Close()

	// A fresh writer on the same path must append, not rewrite the header.
	w2, err := NewCSVWriter(appconfig.CSVConfig{Enabled: true, BasePath: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := w2.Save(context.Background(), sampleBatch(sampleTick("rb2610", 3523))); err != nil {
		t.Fatalf("save after reopen: %v", err)
	}
	w2.Close()

	f, _ := os.Open(filepath.Join(dir, "rb2610_20260830.csv"))
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 { // one header + 3 ticks
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
}

func TestParquetRecordConversion(t *testing.T) {
	tick := sampleTick("rb2610", 3521)
	rec := toParquetRecord(&tick)
	if rec.ContractID != "rb2610" || rec.ExchangeID != "SHFE" {
		t.Errorf("identity %s/%s", rec.ContractID, rec.ExchangeID)
	}
	if rec.UpdateTime != tick.UpdateTime.UnixMilli() {
		t.Errorf("timestamp %d", rec.UpdateTime)
	}
	if rec.BidPrice1 != 3520 || rec.AskVolume1 != 12 {
		t.Errorf("ladder %v/%v", rec.BidPrice1, rec.AskVolume1)
	}
	if rec.Depth != 5 {
		t.Errorf("depth %d", rec.Depth)
	}
}

func TestParquetWriterCreatesFileOnFlush(t *testing.T) {
	dir := t.TempDir()
	w, err := NewParquetWriter(appconfig.ParquetConfig{
		Enabled:       true,
		Dir:           dir,
		FlushInterval: time.Hour,
		FlushRows:     2,
		Compression:   "snappy",
	}, appconfig.S3Config{})
	if err != nil {
		t.Fatalf("new parquet writer: %v", err)
	}

	// Two ticks in one partition hit the row threshold and flush.
	if err := w.Save(context.Background(), sampleBatch(sampleTick("rb2610", 3521), sampleTick("rb2610", 3522))); err != nil {
		t.Fatalf("save: %v", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 parquet file, got %d", len(files))
	}
	info, _ := files[0].Info()
	if info.Size() == 0 {
		t.Error("parquet file is empty")
	}
}

type failSink struct{ err error }

func (s failSink) Save(context.Context, models.TickBatch) error { return s.err }

type okSink struct{ saves int }

func (s *okSink) Save(context.Context, models.TickBatch) error {
	s.saves++
	return nil
}

func TestMultiSinkDeliversDespiteFailure(t *testing.T) {
	ok := &okSink{}
	m := NewMultiSink(failSink{err: errors.New("disk full")}, ok)
	err := m.Save(context.Background(), sampleBatch(sampleTick("rb2610", 3521)))
	if err == nil {
		t.Fatal("expected joined error")
	}
	if ok.saves != 1 {
		t.Fatalf("later sink skipped, saves=%d", ok.saves)
	}
}
