package bybit

import (
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/domain/schema"
	"github.com/coachpo/tradeplane/internal/infra/adapters/shared"
)

const (
	sideBuy  = "Buy"
	sideSell = "Sell"

	orderTypeLimit  = "Limit"
	orderTypeMarket = "Market"
)

func venueSide(side schema.Side) string {
	if side == schema.SideSell {
		return sideSell
	}
	return sideBuy
}

type tickerRecord struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
}

func (r tickerRecord) ticker(payload []byte) (schema.Ticker, error) {
	last, err := shared.Decimal(venue, "lastPrice", r.LastPrice, payload)
	if err != nil {
		return schema.Ticker{}, err
	}
	bid, err := shared.Decimal(venue, "bid1Price", r.Bid1Price, payload)
	if err != nil {
		return schema.Ticker{}, err
	}
	ask, err := shared.Decimal(venue, "ask1Price", r.Ask1Price, payload)
	if err != nil {
		return schema.Ticker{}, err
	}
	return schema.Ticker{Last: last, Bid: bid, Ask: ask}, nil
}

type walletRecord struct {
	TotalAvailableBalance string `json:"totalAvailableBalance"`
	TotalEquity           string `json:"totalEquity"`
}

type positionRecord struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	PositionValue string `json:"positionValue"`
}

// position maps a record; an empty side with zero size is Bybit's flat placeholder.
func (r positionRecord) position(payload []byte) (*schema.Position, error) {
	size, err := shared.DecimalOrZero(venue, "size", r.Size, payload)
	if err != nil {
		return nil, err
	}
	entry, err := shared.DecimalOrZero(venue, "avgPrice", r.AvgPrice, payload)
	if err != nil {
		return nil, err
	}
	value, err := shared.DecimalOrZero(venue, "positionValue", r.PositionValue, payload)
	if err != nil {
		return nil, err
	}
	side := schema.PositionLong
	if strings.EqualFold(r.Side, sideSell) {
		side = schema.PositionShort
	}
	return &schema.Position{
		Symbol:        r.Symbol,
		Side:          side,
		Size:          size.Abs(),
		EntryPrice:    entry,
		NotionalValue: value.Abs(),
	}, nil
}

type closedRecord struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avgEntryPrice"`
	AvgExitPrice  string `json:"avgExitPrice"`
	ClosedSize    string `json:"closedSize"`
	Qty           string `json:"qty"`
	ClosedPnl     string `json:"closedPnl"`
	OpenFee       string `json:"openFee"`
	CloseFee      string `json:"closeFee"`
	CreatedTime   string `json:"createdTime"`
	UpdatedTime   string `json:"updatedTime"`
}

var hundred = decimal.NewFromInt(100)

// decodeClosed maps a closed-pnl row. closedPnl is already net of fees, so the
// gross figure is rebuilt by adding them back. The side is the closing order's
// side, which is the opposite of the position direction.
func decodeClosed(row json.RawMessage) (schema.ClosedPosition, error) {
	var r closedRecord
	if err := json.Unmarshal(row, &r); err != nil {
		return schema.ClosedPosition{}, err
	}
	entry, err := shared.Decimal(venue, "avgEntryPrice", r.AvgEntryPrice, row)
	if err != nil {
		return schema.ClosedPosition{}, err
	}
	exit, err := shared.Decimal(venue, "avgExitPrice", r.AvgExitPrice, row)
	if err != nil {
		return schema.ClosedPosition{}, err
	}
	rawSize := r.ClosedSize
	if rawSize == "" {
		rawSize = r.Qty
	}
	size, err := shared.Decimal(venue, "closedSize", rawSize, row)
	if err != nil {
		return schema.ClosedPosition{}, err
	}
	net, err := shared.Decimal(venue, "closedPnl", r.ClosedPnl, row)
	if err != nil {
		return schema.ClosedPosition{}, err
	}
	openFee, err := shared.DecimalOrZero(venue, "openFee", r.OpenFee, row)
	if err != nil {
		return schema.ClosedPosition{}, err
	}
	closeFee, err := shared.DecimalOrZero(venue, "closeFee", r.CloseFee, row)
	if err != nil {
		return schema.ClosedPosition{}, err
	}
	fees := openFee.Add(closeFee)
	out := schema.ClosedPosition{
		Symbol:     r.Symbol,
		Side:       schema.PositionLong,
		EntryPrice: entry,
		ExitPrice:  exit,
		Size:       size,
		RawPnL:     net.Add(fees),
		TradingFee: fees,
		FundingFee: decimal.Zero,
		NetPnL:     net,
	}
	if strings.EqualFold(r.Side, sideBuy) {
		out.Side = schema.PositionShort
	}
	if notional := out.Notional(); notional.IsPositive() {
		out.PnLRatio = net.Div(notional).Mul(hundred)
	}
	if out.OpenedAt, err = shared.Millis(r.CreatedTime); err != nil {
		return schema.ClosedPosition{}, err
	}
	if out.ClosedAt, err = shared.Millis(r.UpdatedTime); err != nil {
		return schema.ClosedPosition{}, err
	}
	return out, nil
}

type instrumentRecord struct {
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep string `json:"qtyStep"`
	} `json:"lotSizeFilter"`
}

func (r instrumentRecord) spec(payload []byte) (schema.SymbolSpec, error) {
	tick, err := shared.PositiveDecimal(venue, "tickSize", r.PriceFilter.TickSize, payload)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	lot, err := shared.PositiveDecimal(venue, "qtyStep", r.LotSizeFilter.QtyStep, payload)
	if err != nil {
		return schema.SymbolSpec{}, err
	}
	return schema.SymbolSpec{
		Exchange:     schema.ExchangeBybit,
		Symbol:       strings.ToUpper(strings.TrimSpace(r.Symbol)),
		TickSize:     tick,
		LotSize:      lot,
		ContractSize: decimal.NewFromInt(1),
		Active:       r.Status == "" || strings.EqualFold(r.Status, "Trading"),
	}, nil
}

type setLeverageRequest struct {
	Category     string `json:"category"`
	Symbol       string `json:"symbol"`
	BuyLeverage  string `json:"buyLeverage"`
	SellLeverage string `json:"sellLeverage"`
}

type switchModeRequest struct {
	Category string `json:"category"`
	Coin     string `json:"coin"`
	Mode     int    `json:"mode"`
}

type cancelAllRequest struct {
	Category   string `json:"category"`
	Symbol     string `json:"symbol,omitempty"`
	SettleCoin string `json:"settleCoin,omitempty"`
}

type createOrderRequest struct {
	Category     string `json:"category"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Qty          string `json:"qty"`
	Price        string `json:"price,omitempty"`
	OrderLinkID  string `json:"orderLinkId,omitempty"`
	ReduceOnly   bool   `json:"reduceOnly,omitempty"`
	TakeProfit   string `json:"takeProfit,omitempty"`
	TpTriggerBy  string `json:"tpTriggerBy,omitempty"`
	TpslMode     string `json:"tpslMode,omitempty"`
	TpOrderType  string `json:"tpOrderType,omitempty"`
	TpLimitPrice string `json:"tpLimitPrice,omitempty"`
	StopLoss     string `json:"stopLoss,omitempty"`
	SlTriggerBy  string `json:"slTriggerBy,omitempty"`
}

type orderAckRecord struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type orderRecord struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	OrderStatus string `json:"orderStatus"`
}

// status maps an order record; only working states produce a status.
func (r orderRecord) status(payload []byte) (*schema.OrderStatus, error) {
	switch r.OrderStatus {
	case "New", "PartiallyFilled", "Untriggered":
	default:
		return nil, nil
	}
	price, err := shared.DecimalOrZero(venue, "price", r.Price, payload)
	if err != nil {
		return nil, err
	}
	size, err := shared.DecimalOrZero(venue, "qty", r.Qty, payload)
	if err != nil {
		return nil, err
	}
	filled, err := shared.DecimalOrZero(venue, "cumExecQty", r.CumExecQty, payload)
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
		State:   r.OrderStatus,
		Raw:     json.RawMessage(payload),
	}, nil
}

type amendRequest struct {
	Category string `json:"category"`
	Symbol   string `json:"symbol"`
	OrderID  string `json:"orderId"`
	Price    string `json:"price"`
}
