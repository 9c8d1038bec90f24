package manager

import (
	"fmt"
	"strings"

	"vanta/market"
	"vanta/store"
)

const analystSystemPrompt = "你是一位资深的加密货币交易分析师。你的任务是根据给出的市场数据输出一份具体、可执行的交易建议。"

const jsonTemplate = `{
  "交易对": "%s",
  "是否应该入场": "是/否",
  "做多还是做空": "做多/做空/观望",
  "重仓还是轻仓": "重仓/轻仓/不建议入场",
  "目标入场价": "具体数字",
  "止损价": "具体数字",
  "止盈价": "具体数字",
  "上方压力位": "具体数字",
  "下方支撑位": "具体数字",
  "风险和利润比值": "1:2 或具体比例",
  "分析理由": "详细分析理由（技术面、基本面等）",
  "风险提示": "具体风险说明",
  "分析时间(UTC+8)": "北京时间，格式YYYY-MM-DD HH:MM"
}`

// buildPrompt assembles the system and user prompts for one symbol.
// Funding rate and win stats are optional context lines.
func buildPrompt(symbol string, priceInfo *market.PriceInfo, fundingRate *float64, winStats *store.WinRateStats) (string, string) {
	var extra strings.Builder
	if fundingRate != nil {
		extra.WriteString(fmt.Sprintf("当前资金费率: %+.4f%%（正=多头付费空头，负=空头付费多头）\n", *fundingRate*100))
	}
	if winStats != nil && winStats.Total > 0 {
		extra.WriteString(fmt.Sprintf("历史AI建议胜率: %.1f%% (近%d条, 平均盈亏: %+.2f)\n",
			winStats.WinRatePct, winStats.Total, winStats.AvgPnL))
	}

	template := fmt.Sprintf(jsonTemplate, symbol)

	user := fmt.Sprintf(
		"请根据以下%s的市场数据分析（时间请使用北京时间UTC+8）：\n\n"+
			"交易对: %s\n"+
			"当前价格: $%.2f\n"+
			"24小时涨跌: %.2f%%\n"+
			"24小时最高: $%.2f\n"+
			"24小时最低: $%.2f\n"+
			"%s\n"+
			"⚠️ 输出要求（必须遵守）：\n"+
			"- 只输出一段纯JSON字符串，不能包含代码块标记、markdown、解释、前后缀、注释或额外文本\n"+
			"- 键名必须与示例完全一致，值必须是可解析的字符串或数字，禁止返回 None/空字符串/未知\n"+
			"- 所有价格字段必须是数字或可转为数字的字符串\n"+
			"- 严禁返回中文全角引号或中文逗号，必须使用英文双引号和英文逗号\n\n"+
			"严格按照以下JSON结构返回：\n\n"+
			"%s\n\n"+
			"⚠️ 警告：\n"+
			"1. 所有字段都必须填写，不能为空\n"+
			"2. 价格必须是具体数字，不能是\"None\"或\"未知\"\n"+
			"3. 必须返回有效的JSON格式，不要有markdown代码块标记\n"+
			"4. 理由和风险提示必须详细具体\n"+
			"5. 只返回JSON，不要有任何其他文本\n\n"+
			"请提供具体、可执行的建议。",
		symbol, symbol,
		priceInfo.CurrentPrice,
		priceInfo.PriceChangePct,
		priceInfo.High24h,
		priceInfo.Low24h,
		extra.String(),
		template,
	)

	return analystSystemPrompt, user
}
