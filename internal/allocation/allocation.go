// Package allocation turns a requested sale quantity into a depletion plan
// over a product's stock batches.
//
// The policy is FIFO by creation order: batches are consumed in ascending
// batch id. Allocate sorts its own copy of the input, so the result never
// depends on the order the caller or the storage engine produced.
package allocation

import (
	"cmp"
	"fmt"
	"slices"

	"sunminimart/backend/internal/domain"
)

// Allocate plans the depletion of requested units of barcode. It fails with
// *domain.InsufficientStockError and no plan when the batches cannot cover
// the full quantity.
func Allocate(barcode string, requested int, batches []domain.StockBatch) (domain.DepletionPlan, error) {
	if requested < 1 {
		return domain.DepletionPlan{}, domain.NewValidationError("quantity", fmt.Sprintf("must be positive, got %d", requested))
	}

	ordered := make([]domain.StockBatch, 0, len(batches))
	available := 0
	for _, batch := range batches {
		if batch.Barcode != barcode {
			return domain.DepletionPlan{}, domain.NewValidationError("batches", fmt.Sprintf("batch %d belongs to %s, not %s", batch.ID, batch.Barcode, barcode))
		}
		if batch.Quantity < 0 {
			return domain.DepletionPlan{}, domain.NewValidationError("batches", fmt.Sprintf("batch %d has negative quantity %d", batch.ID, batch.Quantity))
		}
		if batch.Quantity == 0 {
			continue
		}
		available += batch.Quantity
		ordered = append(ordered, batch)
	}
	if available < requested {
		return domain.DepletionPlan{}, &domain.InsufficientStockError{Barcode: barcode, Requested: requested, Available: available}
	}

	slices.SortFunc(ordered, compareFIFO)

	plan := domain.DepletionPlan{Barcode: barcode, Requested: requested}
	needed := requested
	for _, batch := range ordered {
		if needed == 0 {
			break
		}
		used := min(batch.Quantity, needed)
		plan.Steps = append(plan.Steps, domain.Depletion{
			BatchID:        batch.ID,
			BatchVersion:   batch.Version,
			Quantity:       used,
			UnitCost:       batch.Cost,
			RemainingAfter: batch.Quantity - used,
		})
		needed -= used
	}

	return plan, nil
}

func compareFIFO(a domain.StockBatch, b domain.StockBatch) int {
	return cmp.Compare(a.ID, b.ID)
}
