package bitget

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
	Symbol string `json:"symbol"`
	LastPr string `json:"lastPr"`
	BidPr  string `json:"bidPr"`
	AskPr  string `json:"askPr"`
}

func (r tickerRecord) ticker(payload []byte) (schema.Ticker, error) {
	last, err := shared.Decimal(venue, "lastPr", r.LastPr, payload)
	if err != nil {
		return schema.Ticker{}, err
	}
	bid, err := shared.Decimal(venue, "bidPr", r.BidPr, payload)
	if err != nil {
		return schema.Ticker{}, err
	}
	ask, err := shared.Decimal(venue, "askPr", r.AskPr, payload)
	if err != nil {
		return schema.Ticker{}, err
	}
	return schema.Ticker{Last: last, Bid: bid, Ask: ask}, nil
}

type accountRecord struct {
	MarginCoin    string `json:"marginCoin"`
	Available     string `json:"available"`
	AccountEquity string `json:"accountEquity"`
}

type positionRecord struct {
	Symbol       string `json:"symbol"`
	HoldSide     string `json:"holdSide"`
	Total        string `json:"total"`
	OpenPriceAvg string `json:"openPriceAvg"`
	MarkPrice    string `json:"markPrice"`
}

func (r positionRecord) position(payload []byte) (*schema.Position, error) {
	size, err := shared.DecimalOrZero(venue, "total", r.Total, payload)
	if err != nil {
		return nil, err
	}
	entry, err := shared.DecimalOrZero(venue, "openPriceAvg", r.OpenPriceAvg, payload)
	if err != nil {
		return nil, err
	}
	side := schema.PositionLong
	if strings.EqualFold(r.HoldSide, "short") {
		side = schema.PositionShort
	}
	return &schema.Position{
		Symbol:        r.Symbol,
		Side:          side,
		Size:          size.Abs(),
		EntryPrice:    entry,
		NotionalValue: size.Abs().Mul(entry),
	}, nil
}

type closedRecord struct {
	Symbol        string `json:"symbol"`
	HoldSide      string `json:"holdSide"`
	OpenAvgPrice  string `json:"openAvgPrice"`
	CloseAvgPrice string `json:"closeAvgPrice"`
	OpenTotalPos  string `json:"openTotalPos"`
	Pnl           string `json:"pnl"`
	NetProfit     string `json:"netProfit"`
	OpenFee       string `json:"openFee"`
	CloseFee      string `json:"closeFee"`
	TotalFunding  string `json:"totalFunding"`
	CTime         string `json:"cTime"`
	UTime         string `json:"uTime"`
}

var hundred = decimal.NewFromInt(100)

// decodeClosed maps a history row. Bitget reports fees and funding as signed
// cash flows; both are negated so that they are costs and net = pnl - fees - funding.
func decodeClosed(row json.RawMessage) (schema.ClosedPosition, error) {
	var r closedRecord
	if err := json.Unmarshal(row, &r); err != nil {
		return schema.ClosedPosition{}, err
	}
	out := schema.ClosedPosition{Symbol: r.Symbol, Side: schema.PositionSide(strings.ToLower(r.HoldSide))}
	required := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"openAvgPrice", r.OpenAvgPrice, &out.EntryPrice},
		{"closeAvgPrice", r.CloseAvgPrice, &out.ExitPrice},
		{"openTotalPos", r.OpenTotalPos, &out.Size},
		{"pnl", r.Pnl, &out.RawPnL},
		{"netProfit", r.NetProfit, &out.NetPnL},
	}
	for _, f := range required {
		v, err := shared.Decimal(venue, f.name, f.raw, row)
		if err != nil {
			return schema.ClosedPosition{}, err
		}
		*f.dst = v
	}
	openFee, err := shared.DecimalOrZero(venue, "openFee", r.OpenFee, row)
	if err != nil {
		return schema.ClosedPosition{}, err
	}
	closeFee, err := shared.DecimalOrZero(venue, "closeFee", r.CloseFee, row)
	if err != nil {
		return schema.ClosedPosition{}, err
	}
	funding, err := shared.DecimalOrZero(venue, "totalFunding", r.TotalFunding, row)
	if err != nil {
		return schema.ClosedPosition{}, err
	}
	out.TradingFee = openFee.Add(closeFee).Neg()
	out.FundingFee = funding.Neg()
	if notional := out.Notional(); notional.IsPositive() {
		out.PnLRatio = out.RawPnL.Div(notional).Mul(hundred)
	}
	if out.OpenedAt, err = shared.Millis(r.CTime); err != nil {
		return schema.ClosedPosition{}, err
	}
	if out.ClosedAt, err = shared.Millis(r.UTime); err != nil {
		return schema.ClosedPosition{}, err
	}
	return out, nil
}

type contractRecord struct {
	Symbol         string `json:"symbol"`
	PricePlace     string `json:"pricePlace"`
	PriceEndStep   string `json:"priceEndStep"`
	SizeMultiplier string `json:"sizeMultiplier"`
	SymbolStatus   string `json:"symbolStatus"`
}

// spec derives the tick as priceEndStep / 10^pricePlace.
func (r contractRecord) spec(payload []byte) (schema.SymbolSpec, error) {
	step, err := shared.PositiveDecimal(venue, "priceEndStep", r.PriceEndStep, payload)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	place, err := strconv.Atoi(strings.TrimSpace(r.PricePlace))
	if err != nil || place < 0 {
		return schema.SymbolSpec{}, errs.Validation("invalid pricePlace",
			errs.WithExchange(venue),
			errs.WithField("field", "pricePlace"),
			errs.WithPayload(shared.Snippet(payload)))
	}
	lot, err := shared.PositiveDecimal(venue, "sizeMultiplier", r.SizeMultiplier, payload)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	return schema.SymbolSpec{
		Exchange:     schema.ExchangeBitget,
		Symbol:       strings.ToUpper(strings.TrimSpace(r.Symbol)),
		TickSize:     step.Shift(int32(-place)),
		LotSize:      lot,
		ContractSize: decimal.NewFromInt(1),
		Active:       r.SymbolStatus == "" || strings.EqualFold(r.SymbolStatus, "normal"),
	}, nil
}

type marginModeRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
	MarginCoin  string `json:"marginCoin"`
	MarginMode  string `json:"marginMode"`
}

type leverageRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
	MarginCoin  string `json:"marginCoin"`
	Leverage    string `json:"leverage"`
}

type positionModeRequest struct {
	ProductType string `json:"productType"`
	PosMode     string `json:"posMode"`
}

type cancelRequest struct {
	ProductType string `json:"productType"`
	MarginCoin  string `json:"marginCoin"`
	Symbol      string `json:"symbol,omitempty"`
	PlanType    string `json:"planType,omitempty"`
}

type closeRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
}

type placeOrderRequest struct {
	Symbol                 string `json:"symbol"`
	ProductType            string `json:"productType"`
	MarginMode             string `json:"marginMode"`
	MarginCoin             string `json:"marginCoin"`
	Size                   string `json:"size"`
	Price                  string `json:"price,omitempty"`
	Side                   string `json:"side"`
	OrderType              string `json:"orderType"`
	Force                  string `json:"force,omitempty"`
	ClientOid              string `json:"clientOid,omitempty"`
	ReduceOnly             string `json:"reduceOnly,omitempty"`
	PresetStopSurplusPrice string `json:"presetStopSurplusPrice,omitempty"`
	PresetStopLossPrice    string `json:"presetStopLossPrice,omitempty"`
}

type orderAckRecord struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

type orderRecord struct {
	OrderID    string `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	BaseVolume string `json:"baseVolume"`
	State      string `json:"state"`
}

// status maps an order detail; filled and cancelled orders report nil.
func (r orderRecord) status(payload []byte) (*schema.OrderStatus, error) {
	switch r.State {
	case "filled", "canceled", "cancelled":
		return nil, nil
	}
	price, err := shared.DecimalOrZero(venue, "price", r.Price, payload)
	if err != nil {
		return nil, err
	}
	size, err := shared.DecimalOrZero(venue, "size", r.Size, payload)
	if err != nil {
		return nil, err
	}
	filled, err := shared.DecimalOrZero(venue, "baseVolume", r.BaseVolume, payload)
	if err != nil {
		return nil, err
	}
	side, ok := schema.ParseSide(r.Side)
	if !ok {
		return nil, errs.Validation("unknown order side", errs.WithExchange(venue), errs.WithPayload(shared.Snippet(payload)))
	}
	return &schema.OrderStatus{
		OrderID: r.OrderID,
		Symbol:  r.Symbol,
		Side:    side,
		Price:   price,
		Size:    size,
		Filled:  filled,
		State:   r.State,
		Raw:     json.RawMessage(payload),
	}, nil
}

type modifyOrderRequest struct {
	OrderID      string `json:"orderId"`
	Symbol       string `json:"symbol"`
	ProductType  string `json:"productType"`
	NewClientOid string `json:"newClientOid"`
	NewPrice     string `json:"newPrice"`
}
