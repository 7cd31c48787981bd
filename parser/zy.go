package parser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"tickflow/models"
)

// ZY feed frames are raw little-endian C structs published over the
// vendor's ZMQ relay. DCE and CZCE layouts differ, so DecodeZY picks
// the decoder by frame size. Blank fields cover the compiler padding
// the relay ships verbatim.

type dceL1Quotation struct {
	LocalTimeStamp   int32
	QuotationFlag    [4]byte
	TradeDate        int32
	Time             int32
	Symbol           [130]byte
	_                [6]byte
	RoutineNo        uint64
	SecurityName     [180]byte
	_                [4]byte
	PreClosePrice    float64
	PreSettlePrice   float64
	PreTotalPosition uint64
	OpenPrice        float64
	PriceUpLimit     float64
	PriceDownLimit   float64
	LastPrice        float64
	AveragePrice     float64
	HighPrice        float64
	LowPrice         float64
	LifeHigh         float64
	LifeLow          float64
	LastMatchQty     uint64
	TotalVolume      uint64
	TotalAmount      float64
	TotalPosition    uint64
	InterestChg      int64
	BuyPrice01       float64
	BuyVolume01      uint64
	BidImplyQty01    uint64
	SellPrice01      float64
	SellVolume01     uint64
	AskImplyQty01    uint64
	ClosePrice       float64
	SettlePrice      float64
	BatchNo          uint64
}

type czceL1Quotation struct {
	LocalTimeStamp       int32
	QuotationFlag        [4]byte
	TradeDate            uint32
	Symbol               [40]byte
	_                    [4]byte
	Time                 int64
	PriceSize            int32
	OpenPrice            int32
	LastPrice            int32
	AveragePrice         int32
	HighPrice            int32
	LowPrice             int32
	LifeHigh             int32
	LifeLow              int32
	TotalVolume          int32
	_                    [4]byte
	TotalAmount          int64
	TotalPosition        int32
	SettlePrice          int32
	TotalBuyOrderVolume  int32
	WtAvgBuyPrice        int32
	TotalSellOrderVolume int32
	WtAvgSellPrice       int32
	DeriveBidPrice       int32
	DeriveAskPrice       int32
	DeriveBidLot         int32
	DeriveAskLot         int32
}

var (
	dceL1Size  = binary.Size(dceL1Quotation{})
	czceL1Size = binary.Size(czceL1Quotation{})
)

// DecodeZY normalizes one ZY relay frame, routing by frame size.
// Level-2 frames are rejected; only the L1 snapshots carry the fields
// the canonical schema needs.
func DecodeZY(raw models.RawRecord) (*models.CanonicalTick, error) {
	// An explicit record kind wins; the frame size settles the rest.
	switch raw.Kind {
	case "dce_l1":
		return decodeDCEL1(raw)
	case "czce_l1":
		return decodeCZCEL1(raw)
	}
	switch len(raw.Payload) {
	case dceL1Size:
		return decodeDCEL1(raw)
	case czceL1Size:
		return decodeCZCEL1(raw)
	default:
		return nil, fmt.Errorf("zy: unrecognized frame size %d", len(raw.Payload))
	}
}

func decodeDCEL1(raw models.RawRecord) (*models.CanonicalTick, error) {
	var q dceL1Quotation
	if err := binary.Read(bytes.NewReader(raw.Payload), binary.LittleEndian, &q); err != nil {
		return nil, fmt.Errorf("zy: dce l1: %w", err)
	}
	symbol := cString(q.Symbol[:])
	if symbol == "" {
		return nil, fmt.Errorf("zy: dce l1: empty symbol")
	}
	updateTime, millisec, err := exchangeTime(q.TradeDate, q.Time)
	if err != nil {
		return nil, fmt.Errorf("zy: dce l1: %w", err)
	}

	day := strconv.Itoa(int(q.TradeDate))
	tick := &models.CanonicalTick{
		ContractID:         symbol,
		ExchangeID:         "DCE",
		TradingDay:         day,
		ActionDay:          day,
		LastPrice:          q.LastPrice,
		PreSettlementPrice: q.PreSettlePrice,
		PreClosePrice:      q.PreClosePrice,
		OpenPrice:          q.OpenPrice,
		HighestPrice:       q.HighPrice,
		LowestPrice:        q.LowPrice,
		ClosePrice:         q.ClosePrice,
		SettlementPrice:    q.SettlePrice,
		UpperLimitPrice:    q.PriceUpLimit,
		LowerLimitPrice:    q.PriceDownLimit,
		Volume:             int64(q.TotalVolume),
		Turnover:           q.TotalAmount,
		OpenInterest:       float64(q.TotalPosition),
		UpdateTime:         updateTime,
		UpdateMillisec:     millisec,
		Depth:              1,
	}
	tick.BidPrice[0] = q.BuyPrice01
	tick.BidVolume[0] = int64(q.BuyVolume01)
	tick.AskPrice[0] = q.SellPrice01
	tick.AskVolume[0] = int64(q.SellVolume01)
	return tick, nil
}

func decodeCZCEL1(raw models.RawRecord) (*models.CanonicalTick, error) {
	var q czceL1Quotation
	if err := binary.Read(bytes.NewReader(raw.Payload), binary.LittleEndian, &q); err != nil {
		return nil, fmt.Errorf("zy: czce l1: %w", err)
	}
	symbol := cString(q.Symbol[:])
	if symbol == "" {
		return nil, fmt.Errorf("zy: czce l1: empty symbol")
	}
	// CZCE publishes Time as HHMMSSmmm scaled by a further thousand.
	updateTime, millisec, err := exchangeTime(int32(q.TradeDate), int32(q.Time/1000))
	if err != nil {
		return nil, fmt.Errorf("zy: czce l1: %w", err)
	}

	scale := math.Pow10(int(q.PriceSize))
	price := func(v int32) float64 {
		if v == 0 {
			return 0
		}
		return float64(v) / scale
	}

	day := strconv.Itoa(int(q.TradeDate))
	tick := &models.CanonicalTick{
		ContractID: symbol,
		ExchangeID: "CZCE",
		TradingDay: day,
		ActionDay:  day,
		LastPrice:  price(q.LastPrice),
		// CZCE's L1 SettlePrice field carries the previous settlement.
		PreSettlementPrice: price(q.SettlePrice),
		OpenPrice:          price(q.OpenPrice),
		HighestPrice:       price(q.HighPrice),
		LowestPrice:        price(q.LowPrice),
		Volume:             int64(q.TotalVolume),
		Turnover:           float64(q.TotalAmount),
		OpenInterest:       float64(q.TotalPosition),
		UpdateTime:         updateTime,
		UpdateMillisec:     millisec,
		Depth:              1,
	}
	tick.BidPrice[0] = price(q.DeriveBidPrice)
	tick.BidVolume[0] = int64(q.DeriveBidLot)
	tick.AskPrice[0] = price(q.DeriveAskPrice)
	tick.AskVolume[0] = int64(q.DeriveAskLot)
	return tick, nil
}

// exchangeTime combines a YYYYMMDD trade date and an HHMMSSmmm clock
// into a local timestamp.
func exchangeTime(tradeDate, clock int32) (time.Time, int, error) {
	if tradeDate <= 0 {
		return time.Time{}, 0, fmt.Errorf("bad trade date %d", tradeDate)
	}
	year := int(tradeDate / 10000)
	month := int(tradeDate/100) % 100
	day := int(tradeDate) % 100
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, 0, fmt.Errorf("bad trade date %d", tradeDate)
	}

	ms := int(clock) % 1000
	sec := int(clock/1000) % 100
	min := int(clock/100000) % 100
	hour := int(clock / 10000000)
	if hour > 23 || min > 59 || sec > 60 {
		return time.Time{}, 0, fmt.Errorf("bad clock %d", clock)
	}

	t := time.Date(year, time.Month(month), day, hour, min, sec, ms*int(time.Millisecond), time.Local)
	return t, ms, nil
}

// cString trims the NUL padding of a fixed-width C char field.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
