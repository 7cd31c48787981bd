package models

import (
	"time"
)

// LadderDepth is the maximum number of bid/ask levels carried by the
// canonical schema. Vendors reporting fewer levels leave the remaining
// slots zeroed and record the supplied count in Depth.
const LadderDepth = 5

// RawRecord is one undecoded vendor record as handed to the core by a
// source adapter callback. The payload layout is owned by the vendor;
// only the parser registered for the source tag may interpret it.
type RawRecord struct {
	SourceTag string
	Kind      string // vendor record kind, e.g. "ctp_tick", "dce_l1"
	Payload   []byte
	Received  time.Time
}

// CanonicalTick is the single unified tick schema every source is
// normalized into. A tick missing any of the required fields
// (ContractID, ExchangeID, LastPrice, UpdateTime) never leaves the
// parser. Ticks are immutable once produced.
type CanonicalTick struct {
	ContractID string `json:"contract_id"`
	ExchangeID string `json:"exchange_id"`
	TradingDay string `json:"trading_day"`
	ActionDay  string `json:"action_day"`

	LastPrice          float64 `json:"last_price"`
	PreSettlementPrice float64 `json:"pre_settlement_price"`
	PreClosePrice      float64 `json:"pre_close_price"`
	OpenPrice          float64 `json:"open_price"`
	HighestPrice       float64 `json:"highest_price"`
	LowestPrice        float64 `json:"lowest_price"`
	ClosePrice         float64 `json:"close_price"`
	SettlementPrice    float64 `json:"settlement_price"`
	UpperLimitPrice    float64 `json:"upper_limit_price"`
	LowerLimitPrice    float64 `json:"lower_limit_price"`
	Volume             int64   `json:"volume"`
	Turnover           float64 `json:"turnover"`
	OpenInterest       float64 `json:"open_interest"`

	UpdateTime     time.Time `json:"update_time"`
	UpdateMillisec int       `json:"update_millisec"`

	BidPrice  [LadderDepth]float64 `json:"bid_price"`
	BidVolume [LadderDepth]int64   `json:"bid_volume"`
	AskPrice  [LadderDepth]float64 `json:"ask_price"`
	AskVolume [LadderDepth]int64   `json:"ask_volume"`
	// Depth is how many ladder levels the vendor actually supplied,
	// distinguishing "no data" from "no liquidity" at deeper levels.
	Depth int `json:"depth"`

	SourceTag string    `json:"source_tag"`
	Received  time.Time `json:"received"`
}

// TickKey identifies a tick for deduplication purposes.
type TickKey struct {
	ContractID string
	ExchangeID string
	UpdateNano int64
	Millisec   int
	SourceTag  string
}

// Key returns the deduplication key for the tick.
func (t *CanonicalTick) Key() TickKey {
	return TickKey{
		ContractID: t.ContractID,
		ExchangeID: t.ExchangeID,
		UpdateNano: t.UpdateTime.UnixNano(),
		Millisec:   t.UpdateMillisec,
		SourceTag:  t.SourceTag,
	}
}

// Valid reports whether the required field subset is populated.
func (t *CanonicalTick) Valid() bool {
	return t.ContractID != "" && t.ExchangeID != "" && t.LastPrice != 0 && !t.UpdateTime.IsZero()
}

// TickBatch is one dispatch cycle's aggregated, ordered output.
type TickBatch struct {
	BatchID     string          `json:"batch_id"`
	Cycle       uint64          `json:"cycle"`
	Ticks       []CanonicalTick `json:"ticks"`
	RecordCount int             `json:"record_count"`
	Collected   time.Time       `json:"collected"`
}
