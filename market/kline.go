package market

// Kline a single OHLCV bar, oldest-to-newest ordering is assumed everywhere
type Kline struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// FundingRate current funding rate for a perpetual contract
type FundingRate struct {
	Rate            float64 `json:"rate"`
	NextFundingTime int64   `json:"next_funding_time"`
}

// AccountSnapshot futures account balance summary
type AccountSnapshot struct {
	TotalWalletBalance    float64 `json:"total_wallet_balance"`
	TotalUnrealizedProfit float64 `json:"total_unrealized_profit"`
	TotalMarginBalance    float64 `json:"total_margin_balance"`
	AvailableBalance      float64 `json:"available_balance"`
}

// Position an open futures position
type Position struct {
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"` // "LONG" or "SHORT"
	Amount           float64 `json:"amount"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedProfit float64 `json:"unrealized_profit"`
	ROI              float64 `json:"roi"`
	Leverage         int     `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
	MarginType       string  `json:"margin_type"`
}
