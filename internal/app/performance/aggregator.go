package performance

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
)

// Interval is an aggregation bucket width.
type Interval string

const (
	IntervalDay     Interval = "day"
	IntervalWeek    Interval = "week"
	IntervalMonth   Interval = "month"
	IntervalQuarter Interval = "quarter"
)

// ParseInterval accepts day, week, month or quarter in any case.
func ParseInterval(raw string) (Interval, error) {
	switch iv := Interval(strings.ToLower(strings.TrimSpace(raw))); iv {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalQuarter:
		return iv, nil
	case "":
		return IntervalDay, nil
	default:
		return "", errs.Validation("unsupported interval", errs.WithField("interval", raw))
	}
}

// Start returns the UTC start of the bucket containing t. Weeks start on Monday.
func (iv Interval) Start(t time.Time) time.Time {
	day := schema.TruncateDay(t)
	switch iv {
	case IntervalWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case IntervalMonth:
		return time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
	case IntervalQuarter:
		m := (int(day.Month())-1)/3*3 + 1
		return time.Date(day.Year(), time.Month(m), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// Bucket is the aggregate of every account's records falling in one interval.
type Bucket struct {
	Start         time.Time
	Trades        int
	WinningTrades int
	Volume        decimal.Decimal
	TradingFees   decimal.Decimal
	FundingFees   decimal.Decimal
	TotalPnL      decimal.Decimal
	NetPnL        decimal.Decimal
	WinRate       decimal.Decimal
	// AvgBalance and AvgEquity are averaged over the accounts contributing to the bucket.
	AvgBalance    decimal.Decimal
	AvgEquity     decimal.Decimal
	AccountCount  int
}

type bucketAcc struct {
	Bucket
	balance  decimal.Decimal
	equity   decimal.Decimal
	accounts map[string]struct{}
}

// ByInterval buckets per-account records by interval, ordered by bucket start.
func ByInterval(data map[string][]schema.DailyPerformance, iv Interval) []Bucket {
	acc := make(map[time.Time]*bucketAcc)
	for accountID, records := range data {
		for _, r := range records {
			start := iv.Start(r.Date)
			b, ok := acc[start]
			if !ok {
				b = &bucketAcc{Bucket: Bucket{Start: start}, accounts: make(map[string]struct{})}
				acc[start] = b
			}
			b.Trades += r.ClosedTrades
			b.WinningTrades += r.WinningTrades
			b.Volume = b.Volume.Add(r.ClosedTradeValue)
			b.TradingFees = b.TradingFees.Add(r.TradingFees)
			b.FundingFees = b.FundingFees.Add(r.FundingFees)
			b.TotalPnL = b.TotalPnL.Add(r.TotalPnL)
			b.balance = b.balance.Add(r.Balance)
			b.equity = b.equity.Add(r.Equity)
			b.accounts[accountID] = struct{}{}
		}
	}
	out := make([]Bucket, 0, len(acc))
	for _, b := range acc {
		b.AccountCount = len(b.accounts)
		n := decimal.NewFromInt(int64(b.AccountCount))
		b.AvgBalance = b.balance.DivRound(n, ratioScale)
		b.AvgEquity = b.equity.DivRound(n, ratioScale)
		b.NetPnL = b.TotalPnL.Sub(b.TradingFees).Sub(b.FundingFees)
		b.WinRate = winRate(b.WinningTrades, b.Trades)
		out = append(out, b.Bucket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Group combines period metrics across accounts. Start and end balances are the
// sums of each account's first and last balance; drawdown spans every equity observed.
func Group(data map[string][]schema.DailyPerformance) (PeriodMetrics, error) {
	var (
		pm          PeriodMetrics
		peak, floor decimal.Decimal
		seen        bool
	)
	for _, records := range data {
		if len(records) == 0 {
			continue
		}
		pm.StartBalance = pm.StartBalance.Add(records[0].Balance)
		pm.EndBalance = pm.EndBalance.Add(records[len(records)-1].Balance)
		for _, r := range records {
			pm.add(r)
			if !seen {
				peak, floor, seen = r.Equity, r.Equity, true
				continue
			}
			peak = decimal.Max(peak, r.Equity)
			floor = decimal.Min(floor, r.Equity)
		}
	}
	if !seen {
		return PeriodMetrics{}, errs.Validation("no performance data provided")
	}
	pm.finish(peak, floor)
	return pm, nil
}

// CumulativePoint is the running total up to and including Date.
type CumulativePoint struct {
	Date      time.Time
	Trades    int
	WinRate   decimal.Decimal
	Volume    decimal.Decimal
	Fees      decimal.Decimal
	NetPnL    decimal.Decimal
	Balance   decimal.Decimal
	ROI       decimal.Decimal
	Drawdown  decimal.Decimal
	HighWater decimal.Decimal
}

// Cumulative accumulates records in date order. ROI is measured against
// initialBalance and drawdown against the balance high-water mark, which starts there.
func Cumulative(records []schema.DailyPerformance, initialBalance decimal.Decimal) []CumulativePoint {
	out := make([]CumulativePoint, 0, len(records))
	var (
		trades, wins int
		volume, fees decimal.Decimal
		net          decimal.Decimal
	)
	high := initialBalance
	for _, r := range records {
		trades += r.ClosedTrades
		wins += r.WinningTrades
		volume = volume.Add(r.ClosedTradeValue)
		fees = fees.Add(r.TradingFees).Add(r.FundingFees)
		net = net.Add(r.NetPnL)
		high = decimal.Max(high, r.Balance)

		pt := CumulativePoint{
			Date:      r.Date,
			Trades:    trades,
			WinRate:   winRate(wins, trades),
			Volume:    volume,
			Fees:      fees,
			NetPnL:    net,
			Balance:   r.Balance,
			HighWater: high,
		}
		if initialBalance.IsPositive() {
			pt.ROI = r.Balance.Sub(initialBalance).Mul(hundred).DivRound(initialBalance, 2)
		}
		if high.IsPositive() {
			pt.Drawdown = high.Sub(r.Balance).Mul(hundred).DivRound(high, 2)
		}
		out = append(out, pt)
	}
	return out
}
