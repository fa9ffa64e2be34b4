// Package ledger derives ledger entries from depletion plans.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sunminimart/backend/internal/domain"
)

// MoneyScale is the number of decimal places money is stored with.
const MoneyScale = 2

// DefaultVATRate is the Thai VAT rate used when none is configured.
var DefaultVATRate = decimal.RequireFromString("0.07")

// Poster turns depletion plans into ledger entries at a fixed VAT rate.
type Poster struct {
	vatRate decimal.Decimal
	divisor decimal.Decimal
}

// NewPoster returns a Poster for vatRate, which must be in [0, 1).
func NewPoster(vatRate decimal.Decimal) (*Poster, error) {
	if vatRate.IsNegative() || vatRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("vat rate must be in [0, 1), got %s", vatRate)
	}
	return &Poster{vatRate: vatRate, divisor: decimal.NewFromInt(1).Add(vatRate)}, nil
}

func (p *Poster) VATRate() decimal.Decimal {
	return p.vatRate
}

// Split breaks a VAT-inclusive unit price into its net and VAT parts.
// net + vat == price always holds.
func (p *Poster) Split(price decimal.Decimal) (net decimal.Decimal, vat decimal.Decimal) {
	net = price.Div(p.divisor).Round(MoneyScale)
	return net, price.Sub(net)
}

// Post returns one entry per step of plan, each carrying the cost basis of
// the batch it was taken from.
func (p *Poster) Post(saleID string, product domain.Product, plan domain.DepletionPlan, at time.Time) []domain.LedgerEntry {
	net, vat := p.Split(product.Price)
	entries := make([]domain.LedgerEntry, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		entries = append(entries, domain.LedgerEntry{
			SaleID:      saleID,
			BatchID:     step.BatchID,
			Barcode:     plan.Barcode,
			ProductName: product.Name,
			UnitCost:    step.UnitCost,
			UnitPrice:   product.Price,
			Quantity:    step.Quantity,
			Profit:      net.Sub(step.UnitCost),
			VAT:         vat,
			CreatedAt:   at,
		})
	}
	return entries
}

// Summarize totals the entries of one line item.
func Summarize(barcode string, entries []domain.LedgerEntry) domain.SaleLineSummary {
	summary := domain.SaleLineSummary{Barcode: barcode, Revenue: decimal.Zero, Profit: decimal.Zero, VAT: decimal.Zero}
	for _, entry := range entries {
		qty := decimal.NewFromInt(int64(entry.Quantity))
		summary.Quantity += entry.Quantity
		summary.Revenue = summary.Revenue.Add(entry.UnitPrice.Mul(qty))
		summary.Profit = summary.Profit.Add(entry.ProfitTotal())
		summary.VAT = summary.VAT.Add(entry.VATTotal())
	}
	return summary
}
