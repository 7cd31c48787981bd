package parser

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"tickflow/models"
)

func encodeFrame(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	return buf.Bytes()
}

func TestNormalizeCTP(t *testing.T) {
	payload := []byte(`{
		"InstrumentID": "rb2610", "ExchangeID": "SHFE",
		"TradingDay": "20260830", "ActionDay": "20260830",
		"LastPrice": 3521.0, "PreSettlementPrice": 3510.0,
		"OpenPrice": 3515.0, "HighestPrice": 3530.0, "LowestPrice": 3502.0,
		"Volume": 182345, "Turnover": 6423145000.0, "OpenInterest": 1923450,
		"UpperLimitPrice": 3790.0, "LowerLimitPrice": 3230.0,
		"UpdateTime": "09:30:15", "UpdateMillisec": 500,
		"BidPrice1": 3520.0, "BidVolume1": 120,
		"AskPrice1": 3521.0, "AskVolume1": 85,
		"BidPrice2": 3519.0, "BidVolume2": 60
	}`)
	p := NewWithDefaults()
	raw := models.RawRecord{SourceTag: "ctp", Payload: payload, Received: time.Now()}

	tick, ok := p.Normalize(raw)
	if !ok {
		t.Fatal("expected successful normalize")
	}
	if tick.ContractID != "rb2610" || tick.ExchangeID != "SHFE" {
		t.Errorf("bad identity: %s %s", tick.ContractID, tick.ExchangeID)
	}
	want := time.Date(2026, 8, 30, 9, 30, 15, 500*int(time.Millisecond), time.Local)
	if !tick.UpdateTime.Equal(want) {
		t.Errorf("update time %v, want %v", tick.UpdateTime, want)
	}
	if tick.UpdateMillisec != 500 {
		t.Errorf("millisec %d, want 500", tick.UpdateMillisec)
	}
	if tick.BidPrice[0] != 3520.0 || tick.BidVolume[0] != 120 {
		t.Errorf("level 1 bid %v/%v", tick.BidPrice[0], tick.BidVolume[0])
	}
	if tick.BidPrice[1] != 3519.0 {
		t.Errorf("level 2 bid %v", tick.BidPrice[1])
	}
	if tick.SourceTag != "ctp" {
		t.Errorf("source tag %q", tick.SourceTag)
	}
}

func TestNormalizeCTPDepthFromLadder(t *testing.T) {
	payload := []byte(`{
		"InstrumentID": "rb2610", "ExchangeID": "SHFE",
		"ActionDay": "20260830", "UpdateTime": "09:30:15",
		"LastPrice": 3521.0,
		"BidPrice1": 3520.0, "BidVolume1": 120,
		"AskPrice1": 3521.0, "AskVolume1": 85,
		"BidPrice2": 3519.0, "BidVolume2": 60,
		"BidPrice3": 1.7976931348623157e308,
		"AskPrice3": 1.7976931348623157e308
	}`)
	p := NewWithDefaults()
	tick, ok := p.Normalize(models.RawRecord{SourceTag: "ctp", Payload: payload, Received: time.Now()})
	if !ok {
		t.Fatal("expected successful normalize")
	}
	if tick.Depth != 2 {
		t.Errorf("depth %d, want 2 for a two-level ladder", tick.Depth)
	}

	// Ladder entirely absent: depth zero, not the array width.
	payload = []byte(`{
		"InstrumentID": "rb2610", "ExchangeID": "SHFE",
		"ActionDay": "20260830", "UpdateTime": "09:30:16",
		"LastPrice": 3522.0,
		"BidPrice1": 1.7976931348623157e308,
		"AskPrice1": 1.7976931348623157e308
	}`)
	tick, ok = p.Normalize(models.RawRecord{SourceTag: "ctp", Payload: payload, Received: time.Now()})
	if !ok {
		t.Fatal("expected successful normalize")
	}
	if tick.Depth != 0 {
		t.Errorf("depth %d, want 0 when every level is a sentinel", tick.Depth)
	}
}

func TestNormalizeCTPSentinelPrices(t *testing.T) {
	payload := []byte(`{
		"InstrumentID": "ag2612", "ExchangeID": "SHFE",
		"ActionDay": "20260830", "UpdateTime": "21:00:00",
		"LastPrice": 8100.0, "ClosePrice": 1.7976931348623157e308,
		"SettlementPrice": 1.7976931348623157e308
	}`)
	p := NewWithDefaults()
	tick, ok := p.Normalize(models.RawRecord{SourceTag: "ctp", Payload: payload, Received: time.Now()})
	if !ok {
		t.Fatal("expected successful normalize")
	}
	if tick.ClosePrice != 0 || tick.SettlementPrice != 0 {
		t.Errorf("sentinel prices not cleared: %v %v", tick.ClosePrice, tick.SettlementPrice)
	}
}

func TestNormalizeMalformedCounted(t *testing.T) {
	p := NewWithDefaults()
	rejects := make(chan models.RawRecord, 1)
	p.SetRejectChannel(rejects)

	raw := models.RawRecord{SourceTag: "ctp", Payload: []byte("{not json"), Received: time.Now()}
	if _, ok := p.Normalize(raw); ok {
		t.Fatal("malformed record must not normalize")
	}
	if p.Failures() != 1 {
		t.Errorf("failures %d, want 1", p.Failures())
	}
	select {
	case got := <-rejects:
		if string(got.Payload) != "{not json" {
			t.Errorf("wrong reject payload %q", got.Payload)
		}
	default:
		t.Error("reject channel never received the record")
	}

	// Missing mandatory field, valid JSON.
	raw.Payload = []byte(`{"ExchangeID": "SHFE", "LastPrice": 1.0}`)
	if _, ok := p.Normalize(raw); ok {
		t.Fatal("record without instrument id must not normalize")
	}
	if p.Failures() != 2 {
		t.Errorf("failures %d, want 2", p.Failures())
	}
}

func TestNormalizeUnregisteredTagPanics(t *testing.T) {
	p := NewWithDefaults()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unregistered tag")
		}
	}()
	p.Normalize(models.RawRecord{SourceTag: "nope", Payload: []byte("x")})
}

func TestNormalizeDeterministic(t *testing.T) {
	payload := []byte(`{"InstrumentID": "rb2610", "ExchangeID": "SHFE", "ActionDay": "20260830", "UpdateTime": "09:30:15", "LastPrice": 3521.0}`)
	p := NewWithDefaults()
	raw := models.RawRecord{SourceTag: "ctp", Payload: payload, Received: time.Unix(1790000000, 0)}

	a, ok1 := p.Normalize(raw)
	b, ok2 := p.Normalize(raw)
	if !ok1 || !ok2 {
		t.Fatal("normalize failed")
	}
	if *a != *b {
		t.Errorf("normalize is not deterministic:\n%+v\n%+v", a, b)
	}
}

func TestDecodeZYDCE(t *testing.T) {
	var q dceL1Quotation
	copy(q.Symbol[:], "m2609")
	q.TradeDate = 20260830
	q.Time = 93015500 // 09:30:15.500
	q.LastPrice = 3012.0
	q.PreSettlePrice = 3000.0
	q.PreClosePrice = 2998.0
	q.OpenPrice = 3001.0
	q.HighPrice = 3020.0
	q.LowPrice = 2990.0
	q.PriceUpLimit = 3240.0
	q.PriceDownLimit = 2760.0
	q.TotalVolume = 523400
	q.TotalAmount = 1.57e9
	q.TotalPosition = 887766
	q.BuyPrice01 = 3011.0
	q.BuyVolume01 = 40
	q.SellPrice01 = 3012.0
	q.SellVolume01 = 31

	frame := encodeFrame(t, &q)
	if len(frame) != dceL1Size {
		t.Fatalf("frame size %d, expected %d", len(frame), dceL1Size)
	}

	tick, err := DecodeZY(models.RawRecord{SourceTag: "zy", Payload: frame, Received: time.Now()})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tick.ContractID != "m2609" || tick.ExchangeID != "DCE" {
		t.Errorf("identity %s/%s", tick.ContractID, tick.ExchangeID)
	}
	want := time.Date(2026, 8, 30, 9, 30, 15, 500*int(time.Millisecond), time.Local)
	if !tick.UpdateTime.Equal(want) {
		t.Errorf("update time %v, want %v", tick.UpdateTime, want)
	}
	if tick.TradingDay != "20260830" {
		t.Errorf("trading day %q", tick.TradingDay)
	}
	if tick.Depth != 1 || tick.BidPrice[0] != 3011.0 || tick.AskVolume[0] != 31 {
		t.Errorf("ladder: depth=%d bid=%v askvol=%v", tick.Depth, tick.BidPrice[0], tick.AskVolume[0])
	}
	if tick.UpperLimitPrice != 3240.0 || tick.LowerLimitPrice != 2760.0 {
		t.Errorf("limits %v/%v", tick.UpperLimitPrice, tick.LowerLimitPrice)
	}
}

func TestDecodeZYCZCE(t *testing.T) {
	var q czceL1Quotation
	copy(q.Symbol[:], "TA609")
	q.TradeDate = 20260830
	q.Time = 93015500 * 1000
	q.PriceSize = 1
	q.LastPrice = 58124 // 5812.4 after scaling
	q.OpenPrice = 58000
	q.HighPrice = 58200
	q.LowPrice = 57800
	q.SettlePrice = 57950
	q.TotalVolume = 120034
	q.TotalAmount = 3400020000
	q.TotalPosition = 445566
	q.DeriveBidPrice = 58120
	q.DeriveBidLot = 12
	q.DeriveAskPrice = 58128
	q.DeriveAskLot = 9

	frame := encodeFrame(t, &q)
	if len(frame) != czceL1Size {
		t.Fatalf("frame size %d, expected %d", len(frame), czceL1Size)
	}

	tick, err := DecodeZY(models.RawRecord{SourceTag: "zy", Payload: frame, Received: time.Now()})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tick.ExchangeID != "CZCE" || tick.ContractID != "TA609" {
		t.Errorf("identity %s/%s", tick.ContractID, tick.ExchangeID)
	}
	if tick.LastPrice != 5812.4 {
		t.Errorf("last price %v, want 5812.4", tick.LastPrice)
	}
	if tick.PreSettlementPrice != 5795.0 {
		t.Errorf("pre settlement %v, want 5795.0", tick.PreSettlementPrice)
	}
	if tick.BidPrice[0] != 5812.0 || tick.AskPrice[0] != 5812.8 {
		t.Errorf("ladder %v/%v", tick.BidPrice[0], tick.AskPrice[0])
	}
	want := time.Date(2026, 8, 30, 9, 30, 15, 500*int(time.Millisecond), time.Local)
	if !tick.UpdateTime.Equal(want) {
		t.Errorf("update time %v, want %v", tick.UpdateTime, want)
	}
}

func TestDecodeZYUnknownFrame(t *testing.T) {
	if _, err := DecodeZY(models.RawRecord{Payload: make([]byte, 99)}); err == nil {
		t.Fatal("expected error for unknown frame size")
	}
}

func TestDecodeZYRecordKindOverridesFrameSize(t *testing.T) {
	var q czceL1Quotation
	copy(q.Symbol[:], "TA609")
	q.TradeDate = 20260830
	q.Time = 93015500 * 1000
	q.PriceSize = 1
	q.LastPrice = 58124

	// Trailing bytes make the frame size unrecognizable, so only the
	// configured record kind can route it.
	frame := append(encodeFrame(t, &q), make([]byte, 8)...)
	if _, err := DecodeZY(models.RawRecord{SourceTag: "zy", Payload: frame, Received: time.Now()}); err == nil {
		t.Fatal("expected error without a record kind")
	}

	tick, err := DecodeZY(models.RawRecord{SourceTag: "zy", Kind: "czce_l1", Payload: frame, Received: time.Now()})
	if err != nil {
		t.Fatalf("decode with record kind: %v", err)
	}
	if tick.ContractID != "TA609" || tick.LastPrice != 5812.4 {
		t.Errorf("decoded %s at %v", tick.ContractID, tick.LastPrice)
	}
}

func TestDecodeGFEX(t *testing.T) {
	var md gfexL2MarketData
	copy(md.ContractName[:], "si2611")
	copy(md.GenTime[:], "09:30:15.250")
	md.LastPrice = 9321.0
	md.MatchTotalQty = 55000
	md.Turnover = 5.1e8
	md.OpenInterest = 99000
	for i := 0; i < models.LadderDepth; i++ {
		md.Bid[i] = gfexLevel{Price: 9320.0 - float64(i), Volume: uint32(10 + i)}
		md.Ask[i] = gfexLevel{Price: 9321.0 + float64(i), Volume: uint32(20 + i)}
	}

	frame := encodeFrame(t, &md)
	if len(frame) != gfexL2Size {
		t.Fatalf("frame size %d, expected %d", len(frame), gfexL2Size)
	}

	received := time.Date(2026, 8, 30, 9, 30, 16, 0, time.Local)
	tick, err := DecodeGFEX(models.RawRecord{SourceTag: "gfex", Payload: frame, Received: received})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tick.ContractID != "si2611" || tick.ExchangeID != "GFEX" {
		t.Errorf("identity %s/%s", tick.ContractID, tick.ExchangeID)
	}
	want := time.Date(2026, 8, 30, 9, 30, 15, 250*int(time.Millisecond), time.Local)
	if !tick.UpdateTime.Equal(want) {
		t.Errorf("update time %v, want %v", tick.UpdateTime, want)
	}
	if tick.UpdateMillisec != 250 {
		t.Errorf("millisec %d", tick.UpdateMillisec)
	}
	if tick.Depth != models.LadderDepth {
		t.Errorf("depth %d", tick.Depth)
	}
	if tick.BidPrice[4] != 9316.0 || tick.AskVolume[4] != 24 {
		t.Errorf("level 5: %v/%v", tick.BidPrice[4], tick.AskVolume[4])
	}
	if tick.TradingDay != "" {
		t.Errorf("trading day should be left empty, got %q", tick.TradingDay)
	}
}
