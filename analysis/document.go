package analysis

import (
	"encoding/json"
	"strings"
)

// Field is a scalar value from the model output. The prompt demands
// numbers for the price fields but models still alternate between JSON
// strings and JSON numbers, so both decode into a plain string.
type Field string

func (f *Field) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = Field(s)
		return nil
	}
	*f = Field(strings.TrimSpace(string(b)))
	return nil
}

func (f Field) String() string { return string(f) }

// Document is the structured trade call returned by the model. The wire
// keys are the Chinese field names mandated by the prompt template;
// keys outside the known set are kept in Extra so nothing the model
// says is lost on re-serialization.
type Document struct {
	Symbol       Field `json:"交易对"`
	ShouldEnter  Field `json:"是否应该入场"`
	Direction    Field `json:"做多还是做空"`
	PositionSize Field `json:"重仓还是轻仓,omitempty"`
	EntryPrice   Field `json:"目标入场价"`
	StopLoss     Field `json:"止损价"`
	TakeProfit   Field `json:"止盈价"`
	Resistance   Field `json:"上方压力位,omitempty"`
	Support      Field `json:"下方支撑位,omitempty"`
	RiskReward   Field `json:"风险和利润比值,omitempty"`
	Reasoning    Field `json:"分析理由,omitempty"`
	RiskNote     Field `json:"风险提示,omitempty"`
	AnalyzedAt   Field `json:"分析时间(UTC+8),omitempty"`

	// Extra holds unknown keys for forward compatibility
	Extra map[string]json.RawMessage `json:"-"`
}

// knownKeys mirrors the json tags above
var knownKeys = map[string]bool{
	"交易对": true, "是否应该入场": true, "做多还是做空": true,
	"重仓还是轻仓": true, "目标入场价": true, "止损价": true, "止盈价": true,
	"上方压力位": true, "下方支撑位": true, "风险和利润比值": true,
	"分析理由": true, "风险提示": true, "分析时间(UTC+8)": true,
}

func (d *Document) UnmarshalJSON(b []byte) error {
	type alias Document
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for k := range all {
		if knownKeys[k] {
			delete(all, k)
		}
	}
	if len(all) > 0 {
		a.Extra = all
	}

	*d = Document(a)
	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	type alias Document
	base, err := json.Marshal(alias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
