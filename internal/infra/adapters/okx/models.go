package okx

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/infra/adapters/shared"
)

type tickerRecord struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	BidPx  string `json:"bidPx"`
	AskPx  string `json:"askPx"`
}

func (r tickerRecord) ticker(payload []byte) (schema.Ticker, error) {
	last, err := shared.Decimal(venue, "last", r.Last, payload)
	if err != nil {
		return schema.Ticker{}, err
	}
	bid, err := shared.Decimal(venue, "bidPx", r.BidPx, payload)
	if err != nil {
		return schema.Ticker{}, err
	}
	ask, err := shared.Decimal(venue, "askPx", r.AskPx, payload)
	if err != nil {
		return schema.Ticker{}, err
	}
	return schema.Ticker{Last: last, Bid: bid, Ask: ask}, nil
}

type balanceRecord struct {
	TotalEq string `json:"totalEq"`
	Details []struct {
		Ccy      string `json:"ccy"`
		AvailBal string `json:"availBal"`
	} `json:"details"`
}

type positionRecord struct {
	InstID      string `json:"instId"`
	InstType    string `json:"instType"`
	Pos         string `json:"pos"`
	PosSide     string `json:"posSide"`
	AvgPx       string `json:"avgPx"`
	NotionalUsd string `json:"notionalUsd"`
}

// position maps a record; in net mode the sign of pos carries the direction.
func (r positionRecord) position(payload []byte) (*schema.Position, error) {
	pos, err := shared.DecimalOrZero(venue, "pos", r.Pos, payload)
	if err != nil {
		return nil, err
	}
	entry, err := shared.DecimalOrZero(venue, "avgPx", r.AvgPx, payload)
	if err != nil {
		return nil, err
	}
	notional, err := shared.DecimalOrZero(venue, "notionalUsd", r.NotionalUsd, payload)
	if err != nil {
		return nil, err
	}
	side := schema.PositionLong
	switch strings.ToLower(strings.TrimSpace(r.PosSide)) {
	case "short":
		side = schema.PositionShort
	case "long":
	default:
		if pos.IsNegative() {
			side = schema.PositionShort
		}
	}
	return &schema.Position{
		Symbol:        r.InstID,
		Side:          side,
		Size:          pos.Abs(),
		EntryPrice:    entry,
		NotionalValue: notional.Abs(),
	}, nil
}

type closedRecord struct {
	InstID        string `json:"instId"`
	PosSide       string `json:"posSide"`
	Direction     string `json:"direction"`
	OpenAvgPx     string `json:"openAvgPx"`
	CloseAvgPx    string `json:"closeAvgPx"`
	CloseTotalPos string `json:"closeTotalPos"`
	Pnl           string `json:"pnl"`
	Fee           string `json:"fee"`
	FundingFee    string `json:"fundingFee"`
	RealizedPnl   string `json:"realizedPnl"`
	PnlRatio      string `json:"pnlRatio"`
	CTime         string `json:"cTime"`
	UTime         string `json:"uTime"`
}

var hundred = decimal.NewFromInt(100)

func decodeClosed(row json.RawMessage) (schema.ClosedPosition, error) {
	var r closedRecord
	if err := json.Unmarshal(row, &r); err != nil {
		return schema.ClosedPosition{}, err
	}
	direction := r.PosSide
	if strings.EqualFold(r.PosSide, "net") || r.PosSide == "" {
		direction = r.Direction
	}
	out := schema.ClosedPosition{Symbol: r.InstID, Side: schema.PositionSide(strings.ToLower(direction))}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"openAvgPx", r.OpenAvgPx, &out.EntryPrice},
		{"closeAvgPx", r.CloseAvgPx, &out.ExitPrice},
		{"closeTotalPos", r.CloseTotalPos, &out.Size},
		{"pnl", r.Pnl, &out.RawPnL},
		{"fee", r.Fee, &out.TradingFee},
		{"fundingFee", r.FundingFee, &out.FundingFee},
		{"realizedPnl", r.RealizedPnl, &out.NetPnL},
		{"pnlRatio", r.PnlRatio, &out.PnLRatio},
	}
	for _, f := range fields {
		v, err := shared.Decimal(venue, f.name, f.raw, row)
		if err != nil {
			return schema.ClosedPosition{}, err
		}
		*f.dst = v
	}
	out.PnLRatio = out.PnLRatio.Mul(hundred)
	var err error
	if out.OpenedAt, err = shared.Millis(r.CTime); err != nil {
		return schema.ClosedPosition{}, err
	}
	if out.ClosedAt, err = shared.Millis(r.UTime); err != nil {
		return schema.ClosedPosition{}, err
	}
	return out, nil
}

type instrumentRecord struct {
	InstID string `json:"instId"`
	TickSz string `json:"tickSz"`
	LotSz  string `json:"lotSz"`
	CtVal  string `json:"ctVal"`
	State  string `json:"state"`
}

func (r instrumentRecord) spec(payload []byte) (schema.SymbolSpec, error) {
	tick, err := shared.PositiveDecimal(venue, "tickSz", r.TickSz, payload)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	lot, err := shared.PositiveDecimal(venue, "lotSz", r.LotSz, payload)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	contract, err := shared.PositiveDecimal(venue, "ctVal", r.CtVal, payload)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	return schema.SymbolSpec{
		Exchange:     schema.ExchangeOKX,
		Symbol:       strings.ToUpper(strings.TrimSpace(r.InstID)),
		TickSize:     tick,
		LotSize:      lot,
		ContractSize: contract,
		Active:       r.State == "" || strings.EqualFold(r.State, "live"),
	}, nil
}

type setLeverageRequest struct {
	InstID  string `json:"instId"`
	Lever   string `json:"lever"`
	MgnMode string `json:"mgnMode"`
}

type pendingOrder struct {
	InstID string `json:"instId"`
	OrdID  string `json:"ordId"`
}

type cancelOrder struct {
	InstID string `json:"instId"`
	OrdID  string `json:"ordId"`
}

type algoOrder struct {
	AlgoID string `json:"algoId"`
	InstID string `json:"instId"`
}

type cancelAlgo struct {
	AlgoID string `json:"algoId"`
	InstID string `json:"instId"`
}

type closePositionRequest struct {
	InstID  string `json:"instId"`
	MgnMode string `json:"mgnMode"`
	AutoCxl bool   `json:"autoCxl"`
}

type placeOrderRequest struct {
	InstID      string `json:"instId"`
	TdMode      string `json:"tdMode"`
	Side        string `json:"side"`
	OrdType     string `json:"ordType"`
	Sz          string `json:"sz"`
	Px          string `json:"px,omitempty"`
	ClOrdID     string `json:"clOrdId,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	TpTriggerPx string `json:"tpTriggerPx,omitempty"`
	TpOrdPx     string `json:"tpOrdPx,omitempty"`
	SlTriggerPx string `json:"slTriggerPx,omitempty"`
	SlOrdPx     string `json:"slOrdPx,omitempty"`
}

type orderAckRecord struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

type orderRecord struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	Side      string `json:"side"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	AccFillSz string `json:"accFillSz"`
	State     string `json:"state"`
}

// status maps an order record; terminal states report nil.
func (r orderRecord) status(payload []byte) (*schema.OrderStatus, error) {
	switch r.State {
	case "filled", "canceled", "mmp_canceled":
		return nil, nil
	}
	price, err := shared.DecimalOrZero(venue, "px", r.Px, payload)
	if err != nil {
		return nil, err
	}
	size, err := shared.DecimalOrZero(venue, "sz", r.Sz, payload)
	if err != nil {
		return nil, err
	}
	filled, err := shared.DecimalOrZero(venue, "accFillSz", r.AccFillSz, payload)
	if err != nil {
		return nil, err
	}
	side, ok := schema.ParseSide(r.Side)
	if !ok {
		return nil, errs.Validation("unknown order side", errs.WithExchange(venue), errs.WithPayload(shared.Snippet(payload)))
	}
	return &schema.OrderStatus{
		OrderID: r.OrdID,
		Symbol:  r.InstID,
		Side:    side,
		Price:   price,
		Size:    size,
		Filled:  filled,
		State:   r.State,
		Raw:     json.RawMessage(payload),
	}, nil
}

type amendOrderRequest struct {
	InstID string `json:"instId"`
	OrdID  string `json:"ordId"`
	NewPx  string `json:"newPx"`
}

// compactClientID strips separators and truncates to the 32 alphanumerics clOrdId accepts.
func compactClientID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 32 {
		out = out[:32]
	}
	return out
}

func itoa(v int) string { return strconv.Itoa(v) }
