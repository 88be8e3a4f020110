package domain

import "time"

// Tick is a bid/ask quote for one symbol.
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	Time   time.Time `json:"time"`
}

// Rate is one OHLC bar as returned by the gateway's copy_rates calls.
type Rate struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume int64   `json:"tick_volume"`
	Spread     int     `json:"spread"`
}

// SymbolInfo is the contract specification needed for sizing and P/L math.
type SymbolInfo struct {
	Symbol       string  `json:"symbol"`
	Digits       int     `json:"digits"`
	Point        float64 `json:"point"`
	TickSize     float64 `json:"tick_size"`
	TickValue    float64 `json:"tick_value"` // account-currency value of one tick per lot
	ContractSize float64 `json:"contract_size"`
	VolumeMin    float64 `json:"volume_min"`
	VolumeMax    float64 `json:"volume_max"`
	VolumeStep   float64 `json:"volume_step"`
}

// AccountInfo is a snapshot of the trading account.
type AccountInfo struct {
	Login       int64   `json:"login"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
	Currency    string  `json:"currency"`
}

// BrokerPosition is an open position as the gateway reports it.
type BrokerPosition struct {
	Ticket       int64     `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Direction    Direction `json:"direction"`
	Volume       float64   `json:"volume"`
	PriceOpen    float64   `json:"price_open"`
	PriceCurrent float64   `json:"price_current"`
	StopLoss     float64   `json:"sl"`
	TakeProfit   float64   `json:"tp"`
	Profit       float64   `json:"profit"`
	Swap         float64   `json:"swap"`
	Magic        int64     `json:"magic"`
	Comment      string    `json:"comment"`
	OpenedAt     time.Time `json:"opened_at"`
}

// Deal close reasons reported by the gateway's deal history.
const (
	DealReasonSL     = "SL"
	DealReasonTP     = "TP"
	DealReasonClient = "CLIENT"
	DealReasonExpert = "EXPERT"
)

// Deal is one history deal, used to classify why a ticket disappeared.
type Deal struct {
	Ticket     int64     `json:"ticket"`
	PositionID int64     `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"`
	Profit     float64   `json:"profit"`
	Reason     string    `json:"reason"`
	Time       time.Time `json:"time"`
}

// OrderRequest is a market order sent to the gateway.
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Volume     float64   `json:"volume"`
	StopLoss   float64   `json:"sl"`
	TakeProfit float64   `json:"tp"`
	Magic      int64     `json:"magic"`
	Comment    string    `json:"comment"`
	Deviation  int       `json:"deviation"` // max slippage in points
}

// OrderResult is the gateway's answer to an order or close request.
type OrderResult struct {
	Ticket  int64   `json:"ticket"`
	Price   float64 `json:"price"`
	Volume  float64 `json:"volume"`
	RetCode int     `json:"retcode"`
	Comment string  `json:"comment"`
}
