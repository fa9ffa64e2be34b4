package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	Barcode string          `json:"barcode"`
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
}

// StockBatch is the stock received by one restock event. Version is bumped
// on every quantity write and is what concurrent sales are checked against.
type StockBatch struct {
	ID         int64           `json:"id"`
	Barcode    string          `json:"barcode"`
	Cost       decimal.Decimal `json:"cost"`
	Quantity   int             `json:"quantity"`
	ExpiryDate *time.Time      `json:"expiry_date,omitempty"`
	Version    int64           `json:"version"`
	ReceivedAt time.Time       `json:"received_at"`
}

type SaleLineItem struct {
	Barcode  string `json:"barcode"`
	Quantity int    `json:"quantity"`
}

type SaleRequest struct {
	Items []SaleLineItem `json:"items"`
}

// Depletion is one step of a DepletionPlan: how much is taken from a batch.
type Depletion struct {
	BatchID        int64
	BatchVersion   int64
	Quantity       int
	UnitCost       decimal.Decimal
	RemainingAfter int
}

type DepletionPlan struct {
	Barcode   string
	Requested int
	Steps     []Depletion
}

func (p DepletionPlan) Total() int {
	total := 0
	for _, step := range p.Steps {
		total += step.Quantity
	}
	return total
}

// LedgerEntry records one realized sale against one batch. Profit and VAT are
// per unit; use ProfitTotal and VATTotal for the line amounts.
type LedgerEntry struct {
	ID          int64           `json:"id"`
	SaleID      string          `json:"sale_id"`
	BatchID     int64           `json:"batch_id"`
	Barcode     string          `json:"barcode"`
	ProductName string          `json:"product_name"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	Profit      decimal.Decimal `json:"profit"`
	VAT         decimal.Decimal `json:"vat"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (e LedgerEntry) ProfitTotal() decimal.Decimal {
	return e.Profit.Mul(decimal.NewFromInt(int64(e.Quantity)))
}

func (e LedgerEntry) VATTotal() decimal.Decimal {
	return e.VAT.Mul(decimal.NewFromInt(int64(e.Quantity)))
}

type SaleLineSummary struct {
	Barcode  string          `json:"barcode"`
	Quantity int             `json:"quantity"`
	Revenue  decimal.Decimal `json:"revenue"`
	Profit   decimal.Decimal `json:"profit"`
	VAT      decimal.Decimal `json:"vat"`
}

type SaleReceipt struct {
	SaleID    string            `json:"sale_id"`
	Lines     []SaleLineSummary `json:"lines"`
	Entries   []LedgerEntry     `json:"entries"`
	CreatedAt time.Time         `json:"created_at"`
}

type ProductCreateRequest struct {
	Barcode    string          `json:"barcode"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Cost       decimal.Decimal `json:"cost"`
	Quantity   int             `json:"quantity"`
	ExpiryDate string          `json:"expiry_date,omitempty"`
}

type ProductCreateResponse struct {
	Product Product     `json:"product"`
	Batch   *StockBatch `json:"batch,omitempty"`
}

type RestockRequest struct {
	Cost       decimal.Decimal `json:"cost"`
	Quantity   int             `json:"quantity"`
	ExpiryDate string          `json:"expiry_date,omitempty"`
}

type BatchListResponse struct {
	Barcode string       `json:"barcode"`
	Batches []StockBatch `json:"batches"`
}

type LineFailureView struct {
	Barcode string `json:"barcode"`
	Reason  string `json:"reason"`
}

type SaleResponse struct {
	Success  bool              `json:"success"`
	SaleID   string            `json:"sale_id,omitempty"`
	Lines    []SaleLineSummary `json:"lines,omitempty"`
	Entries  []LedgerEntry     `json:"entries,omitempty"`
	Failures []LineFailureView `json:"failures,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

// ExpiryLayout is the wire format of batch expiry dates.
const ExpiryLayout = "2006-01-02"
