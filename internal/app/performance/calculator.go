// Package performance turns venue trade metrics into daily account performance
// records and aggregates them over time, accounts and groups.
package performance

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// ratioScale is the number of decimal places kept by derived ratios.
const ratioScale = 8

var hundred = decimal.NewFromInt(100)

// Calculate derives the daily record from raw metrics. The input is never modified.
// NetPnL is TotalPnL - TradingFees - FundingFees exactly; ROI is NetPnL / Balance * 100.
func Calculate(accountID string, date time.Time, m schema.TradeMetrics) schema.DailyPerformance {
	net := m.TotalPnL.Sub(m.TradingFees).Sub(m.FundingFees)
	rec := schema.DailyPerformance{
		AccountID:        accountID,
		Date:             schema.TruncateDay(date),
		ClosedTrades:     m.ClosedTrades,
		WinningTrades:    m.WinningTrades,
		ClosedTradeValue: m.ClosedTradeValue,
		TradingFees:      m.TradingFees,
		FundingFees:      m.FundingFees,
		TotalPnL:         m.TotalPnL,
		NetPnL:           net,
		Balance:          m.Balance,
		Equity:           m.Equity,
		OpenPositions:    m.OpenPositions,
		OpenNotional:     m.OpenNotional,
	}
	if m.ClosedTrades > 0 {
		rec.AvgTradeValue = m.ClosedTradeValue.DivRound(decimal.NewFromInt(int64(m.ClosedTrades)), ratioScale)
	}
	if m.Balance.IsPositive() {
		rec.ROI = net.Mul(hundred).DivRound(m.Balance, ratioScale)
	}
	return rec
}

// PeriodMetrics summarises a run of daily records.
type PeriodMetrics struct {
	StartBalance  decimal.Decimal
	EndBalance    decimal.Decimal
	TotalTrades   int
	WinningTrades int
	TotalVolume   decimal.Decimal
	TradingFees   decimal.Decimal
	FundingFees   decimal.Decimal
	TotalPnL      decimal.Decimal
	NetPnL        decimal.Decimal
	WinRate       decimal.Decimal
	ROI           decimal.Decimal
	// Drawdown is the peak-to-trough equity excursion as a percentage of the peak.
	Drawdown      decimal.Decimal
}

// Period computes metrics over records ordered by date.
func Period(records []schema.DailyPerformance) (PeriodMetrics, error) {
	if len(records) == 0 {
		return PeriodMetrics{}, errs.Validation("no performance data provided")
	}
	pm := PeriodMetrics{
		StartBalance: records[0].Balance,
		EndBalance:   records[len(records)-1].Balance,
	}
	peak, trough := records[0].Equity, records[0].Equity
	for _, r := range records {
		pm.add(r)
		peak = decimal.Max(peak, r.Equity)
		trough = decimal.Min(trough, r.Equity)
	}
	pm.finish(peak, trough)
	return pm, nil
}

func (pm *PeriodMetrics) add(r schema.DailyPerformance) {
	pm.TotalTrades += r.ClosedTrades
	pm.WinningTrades += r.WinningTrades
	pm.TotalVolume = pm.TotalVolume.Add(r.ClosedTradeValue)
	pm.TradingFees = pm.TradingFees.Add(r.TradingFees)
	pm.FundingFees = pm.FundingFees.Add(r.FundingFees)
	pm.TotalPnL = pm.TotalPnL.Add(r.TotalPnL)
}

func (pm *PeriodMetrics) finish(peak, trough decimal.Decimal) {
	pm.NetPnL = pm.TotalPnL.Sub(pm.TradingFees).Sub(pm.FundingFees)
	pm.WinRate = winRate(pm.WinningTrades, pm.TotalTrades)
	if pm.StartBalance.IsPositive() {
		pm.ROI = pm.EndBalance.Sub(pm.StartBalance).Mul(hundred).DivRound(pm.StartBalance, 2)
	}
	if peak.IsPositive() {
		pm.Drawdown = peak.Sub(trough).Mul(hundred).DivRound(peak, 2)
	}
}

func winRate(wins, trades int) decimal.Decimal {
	if trades <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(wins)).Mul(hundred).DivRound(decimal.NewFromInt(int64(trades)), 2)
}

// RiskMetrics are statistics of daily equity returns, in percent.
type RiskMetrics struct {
	MaxDrawdown float64
	Volatility  float64
	Sharpe      float64
	Sortino     float64
}

const (
	tradingDays    = 252
	annualRiskFree = 0.02
)

// Risk computes drawdown, volatility and annualised Sharpe and Sortino ratios
// from day-over-day equity changes.
func Risk(records []schema.DailyPerformance) (RiskMetrics, error) {
	if len(records) == 0 {
		return RiskMetrics{}, errs.Validation("no performance data provided")
	}
	var returns []float64
	for i := 1; i < len(records); i++ {
		prev := records[i-1].Equity
		if !prev.IsPositive() {
			continue
		}
		r, _ := records[i].Equity.Sub(prev).Mul(hundred).Div(prev).Float64()
		returns = append(returns, r)
	}
	if len(returns) == 0 {
		return RiskMetrics{}, nil
	}
	out := RiskMetrics{MaxDrawdown: maxDrawdown(records)}

	n := float64(len(returns))
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= n
	var variance, downside float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
		if r < 0 {
			downside += r * r
		}
	}
	out.Volatility = math.Sqrt(variance / n)

	dailyRF := math.Pow(1+annualRiskFree, 1.0/tradingDays) - 1
	excess := mean - dailyRF
	annualise := math.Sqrt(tradingDays)
	if out.Volatility > 0 {
		out.Sharpe = excess / out.Volatility * annualise
	}
	if dd := math.Sqrt(downside / n); dd > 0 {
		out.Sortino = excess / dd * annualise
	}
	return out, nil
}

// maxDrawdown is the largest decline from a running equity peak, in percent.
func maxDrawdown(records []schema.DailyPerformance) float64 {
	peak := decimal.Zero
	worst := decimal.Zero
	for _, r := range records {
		if r.Equity.GreaterThan(peak) {
			peak = r.Equity
			continue
		}
		if peak.IsPositive() {
			worst = decimal.Max(worst, peak.Sub(r.Equity).Mul(hundred).Div(peak))
		}
	}
	f, _ := worst.Float64()
	return f
}
