package parser

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"tickflow/models"
)

// ctpDepthMarketData mirrors the depth market data message relayed by
// CTP gateways as JSON. Absent doubles arrive as DBL_MAX.
type ctpDepthMarketData struct {
	TradingDay         string  `json:"TradingDay"`
	InstrumentID       string  `json:"InstrumentID"`
	ExchangeID         string  `json:"ExchangeID"`
	LastPrice          float64 `json:"LastPrice"`
	PreSettlementPrice float64 `json:"PreSettlementPrice"`
	PreClosePrice      float64 `json:"PreClosePrice"`
	OpenPrice          float64 `json:"OpenPrice"`
	HighestPrice       float64 `json:"HighestPrice"`
	LowestPrice        float64 `json:"LowestPrice"`
	Volume             int64   `json:"Volume"`
	Turnover           float64 `json:"Turnover"`
	OpenInterest       float64 `json:"OpenInterest"`
	ClosePrice         float64 `json:"ClosePrice"`
	SettlementPrice    float64 `json:"SettlementPrice"`
	UpperLimitPrice    float64 `json:"UpperLimitPrice"`
	LowerLimitPrice    float64 `json:"LowerLimitPrice"`
	UpdateTime         string  `json:"UpdateTime"`
	UpdateMillisec     int     `json:"UpdateMillisec"`
	ActionDay          string  `json:"ActionDay"`

	BidPrice1  float64 `json:"BidPrice1"`
	BidVolume1 int64   `json:"BidVolume1"`
	AskPrice1  float64 `json:"AskPrice1"`
	AskVolume1 int64   `json:"AskVolume1"`
	BidPrice2  float64 `json:"BidPrice2"`
	BidVolume2 int64   `json:"BidVolume2"`
	AskPrice2  float64 `json:"AskPrice2"`
	AskVolume2 int64   `json:"AskVolume2"`
	BidPrice3  float64 `json:"BidPrice3"`
	BidVolume3 int64   `json:"BidVolume3"`
	AskPrice3  float64 `json:"AskPrice3"`
	AskVolume3 int64   `json:"AskVolume3"`
	BidPrice4  float64 `json:"BidPrice4"`
	BidVolume4 int64   `json:"BidVolume4"`
	AskPrice4  float64 `json:"AskPrice4"`
	AskVolume4 int64   `json:"AskVolume4"`
	BidPrice5  float64 `json:"BidPrice5"`
	BidVolume5 int64   `json:"BidVolume5"`
	AskPrice5  float64 `json:"AskPrice5"`
	AskVolume5 int64   `json:"AskVolume5"`
}

// ctpPrice maps CTP's DBL_MAX absent-value sentinel to zero.
func ctpPrice(v float64) float64 {
	if v >= math.MaxFloat64/2 || math.IsNaN(v) {
		return 0
	}
	return v
}

// DecodeCTP normalizes a JSON-encoded CTP depth market data record.
func DecodeCTP(raw models.RawRecord) (*models.CanonicalTick, error) {
	var md ctpDepthMarketData
	if err := json.Unmarshal(raw.Payload, &md); err != nil {
		return nil, fmt.Errorf("ctp: %w", err)
	}
	if md.InstrumentID == "" {
		return nil, fmt.Errorf("ctp: missing instrument id")
	}

	day := md.ActionDay
	if day == "" {
		day = md.TradingDay
	}
	updateTime, err := combineDayTime(day, md.UpdateTime, md.UpdateMillisec, raw.Received)
	if err != nil {
		return nil, fmt.Errorf("ctp: %w", err)
	}

	tick := &models.CanonicalTick{
		ContractID:         md.InstrumentID,
		ExchangeID:         md.ExchangeID,
		TradingDay:         md.TradingDay,
		ActionDay:          md.ActionDay,
		LastPrice:          ctpPrice(md.LastPrice),
		PreSettlementPrice: ctpPrice(md.PreSettlementPrice),
		PreClosePrice:      ctpPrice(md.PreClosePrice),
		OpenPrice:          ctpPrice(md.OpenPrice),
		HighestPrice:       ctpPrice(md.HighestPrice),
		LowestPrice:        ctpPrice(md.LowestPrice),
		ClosePrice:         ctpPrice(md.ClosePrice),
		SettlementPrice:    ctpPrice(md.SettlementPrice),
		UpperLimitPrice:    ctpPrice(md.UpperLimitPrice),
		LowerLimitPrice:    ctpPrice(md.LowerLimitPrice),
		Volume:             md.Volume,
		Turnover:           ctpPrice(md.Turnover),
		OpenInterest:       ctpPrice(md.OpenInterest),
		UpdateTime:         updateTime,
		UpdateMillisec:     md.UpdateMillisec,
	}
	tick.BidPrice = [models.LadderDepth]float64{
		ctpPrice(md.BidPrice1), ctpPrice(md.BidPrice2), ctpPrice(md.BidPrice3), ctpPrice(md.BidPrice4), ctpPrice(md.BidPrice5),
	}
	tick.AskPrice = [models.LadderDepth]float64{
		ctpPrice(md.AskPrice1), ctpPrice(md.AskPrice2), ctpPrice(md.AskPrice3), ctpPrice(md.AskPrice4), ctpPrice(md.AskPrice5),
	}
	tick.BidVolume = [models.LadderDepth]int64{md.BidVolume1, md.BidVolume2, md.BidVolume3, md.BidVolume4, md.BidVolume5}
	tick.AskVolume = [models.LadderDepth]int64{md.AskVolume1, md.AskVolume2, md.AskVolume3, md.AskVolume4, md.AskVolume5}
	tick.Depth = ladderDepth(tick)
	return tick, nil
}

// ladderDepth reports the deepest level that carries any quote data
// after sentinel scrubbing, so a gateway sending only a top-of-book
// quote yields depth 1 rather than the full array width.
func ladderDepth(t *models.CanonicalTick) int {
	for i := models.LadderDepth - 1; i >= 0; i-- {
		if t.BidPrice[i] != 0 || t.AskPrice[i] != 0 || t.BidVolume[i] != 0 || t.AskVolume[i] != 0 {
			return i + 1
		}
	}
	return 0
}

// combineDayTime builds a timestamp from a YYYYMMDD day, an HH:MM:SS
// clock and a millisecond component. When the day is missing, the
// receive timestamp's date is used.
func combineDayTime(day, clock string, millisec int, received time.Time) (time.Time, error) {
	if clock == "" {
		return time.Time{}, fmt.Errorf("empty update time")
	}
	if day == "" {
		day = received.Format("20060102")
	}
	t, err := time.ParseInLocation("2006010215:04:05", day+clock, time.Local)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(time.Duration(millisec) * time.Millisecond), nil
}
