package analysis

import "vanta/market"

// Payload is the full analysis envelope cached per symbol: the raw model
// output, the validated document, and the market context that produced
// it. RemainingTTL, FromCache and FromHistory are stamped on read paths
// only and never persisted.
type Payload struct {
	AnalysisText string           `json:"analysis_text"`
	Parsed       *Document        `json:"parsed_data"`
	PriceInfo    market.PriceInfo `json:"price_info"`
	Timestamp    int64            `json:"timestamp"`
	FundingRate  *float64         `json:"funding_rate,omitempty"`

	RemainingTTL float64 `json:"remaining_ttl,omitempty"`
	FromCache    bool    `json:"from_cache,omitempty"`
	FromHistory  bool    `json:"from_history,omitempty"`
}
