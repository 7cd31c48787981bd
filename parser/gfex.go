package parser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"tickflow/models"
)

// GFEX level-2 frames arrive packed with no alignment padding, straight
// off the exchange's low-latency NIC bridge.

type gfexLevel struct {
	Price  float64
	Volume uint32
}

type gfexL2MarketData struct {
	Flag               uint32
	ContractName       [20]byte
	LastPrice          float64
	LastMatchQty       uint32
	MatchTotalQty      uint32
	Turnover           float64
	OpenInterest       uint32
	OpenInterestChange int32
	GenTime            [16]byte
	Bid                [models.LadderDepth]gfexLevel
	Ask                [models.LadderDepth]gfexLevel
	BuyImplyQty        [models.LadderDepth]int32
	SellImplyQty       [models.LadderDepth]int32
}

var gfexL2Size = binary.Size(gfexL2MarketData{})

// DecodeGFEX normalizes one GFEX L2 frame. The frame carries only a
// HH:MM:SS.mmm clock, so the date comes from the receive timestamp and
// the trading day is left for the cleaner to fill.
func DecodeGFEX(raw models.RawRecord) (*models.CanonicalTick, error) {
	if len(raw.Payload) < gfexL2Size {
		return nil, fmt.Errorf("gfex: short frame %d", len(raw.Payload))
	}
	var md gfexL2MarketData
	if err := binary.Read(bytes.NewReader(raw.Payload), binary.LittleEndian, &md); err != nil {
		return nil, fmt.Errorf("gfex: %w", err)
	}
	contract := cString(md.ContractName[:])
	if contract == "" {
		return nil, fmt.Errorf("gfex: empty contract name")
	}

	genTime := cString(md.GenTime[:])
	clock, err := time.ParseInLocation("20060102 15:04:05.000", raw.Received.Format("20060102")+" "+genTime, time.Local)
	if err != nil {
		return nil, fmt.Errorf("gfex: bad gen time %q: %w", genTime, err)
	}

	tick := &models.CanonicalTick{
		ContractID:     contract,
		ExchangeID:     "GFEX",
		LastPrice:      md.LastPrice,
		Volume:         int64(md.MatchTotalQty),
		Turnover:       md.Turnover,
		OpenInterest:   float64(md.OpenInterest),
		UpdateTime:     clock,
		UpdateMillisec: clock.Nanosecond() / int(time.Millisecond),
		Depth:          models.LadderDepth,
	}
	for i := 0; i < models.LadderDepth; i++ {
		tick.BidPrice[i] = md.Bid[i].Price
		tick.BidVolume[i] = int64(md.Bid[i].Volume)
		tick.AskPrice[i] = md.Ask[i].Price
		tick.AskVolume[i] = int64(md.Ask[i].Volume)
	}
	return tick, nil
}
