package market

import "math"

// PriceInfo price context extracted from a kline window. The high/low
// cover whatever window the caller supplied, which is 24h with the
// default interval and limit.
type PriceInfo struct {
	CurrentPrice   float64 `json:"current_price"`
	High24h        float64 `json:"high_24h"`
	Low24h         float64 `json:"low_24h"`
	PriceChangePct float64 `json:"price_change_24h"`
}

// ExtractPriceInfo derives price context from an oldest-to-newest kline
// sequence. Returns nil for empty input. With a single bar the change
// percentage is exactly zero.
func ExtractPriceInfo(klines []Kline) *PriceInfo {
	if len(klines) == 0 {
		return nil
	}

	latest := klines[len(klines)-1]
	previous := latest
	if len(klines) > 1 {
		previous = klines[len(klines)-2]
	}

	high := klines[0].High
	low := klines[0].Low
	for _, k := range klines[1:] {
		if k.High > high {
			high = k.High
		}
		if k.Low < low {
			low = k.Low
		}
	}

	changePct := 0.0
	if previous.Close > 0 {
		changePct = (latest.Close - previous.Close) / previous.Close * 100
	}

	return &PriceInfo{
		CurrentPrice:   round2(latest.Close),
		High24h:        round2(high),
		Low24h:         round2(low),
		PriceChangePct: round2(changePct),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
