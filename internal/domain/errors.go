package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrConcurrencyConflict = errors.New("concurrent modification")
	ErrPersistence         = errors.New("persistence failure")
	ErrTransaction         = errors.New("transaction failure")
	ErrTimeout             = errors.New("sale timed out")
	ErrProductNotFound     = errors.New("product not found")
	ErrProductExists       = errors.New("product already exists")
	ErrDuplicateRequest    = errors.New("sale with this idempotency key is already in progress")
)

type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field string, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type InsufficientStockError struct {
	Barcode   string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.Barcode, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// PersistenceError wraps a storage failure that is not a concurrency conflict.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// TransactionError reports that begin, commit or rollback itself failed.
// When Op is "rollback" the database state could not be confirmed and an
// operator has to look at it.
type TransactionError struct {
	Op    string
	Err   error
	Cause error
}

func (e *TransactionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transaction %s failed: %v (after: %v)", e.Op, e.Err, e.Cause)
	}
	return fmt.Sprintf("transaction %s failed: %v", e.Op, e.Err)
}

func (e *TransactionError) Is(target error) bool {
	return target == ErrTransaction
}

func (e *TransactionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// RequiresOperator reports whether consistency can no longer be guaranteed.
func (e *TransactionError) RequiresOperator() bool {
	return e.Op == "rollback" || e.Op == "commit"
}

type LineFailure struct {
	Index   int
	Barcode string
	Err     error
}

func (f LineFailure) Reason() string {
	if f.Err == nil {
		return "unknown failure"
	}
	return f.Err.Error()
}

// SaleFailedError is returned when a sale was rolled back. Failures lists
// every line item that could be attributed; Cause is set for failures that
// belong to the request as a whole (timeout, commit conflict).
type SaleFailedError struct {
	Failures []LineFailure
	Cause    error
}

func (e *SaleFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures)+1)
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("item %d (%s): %s", f.Index, f.Barcode, f.Reason()))
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return "sale rejected: " + strings.Join(parts, "; ")
}

func (e *SaleFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Views flattens the failures into the wire shape. A request-level cause is
// attached to every line that has no failure of its own.
func (e *SaleFailedError) Views(items []SaleLineItem) []LineFailureView {
	if len(e.Failures) > 0 {
		views := make([]LineFailureView, 0, len(e.Failures))
		for _, f := range e.Failures {
			views = append(views, LineFailureView{Barcode: f.Barcode, Reason: f.Reason()})
		}
		return views
	}
	reason := "sale rejected"
	if e.Cause != nil {
		reason = e.Cause.Error()
	}
	views := make([]LineFailureView, 0, len(items))
	for _, item := range items {
		views = append(views, LineFailureView{Barcode: item.Barcode, Reason: reason})
	}
	return views
}

var barcodePattern = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z._-]{0,63}$`)

// NormalizeBarcode trims the barcode and checks its format.
func NormalizeBarcode(raw string) (string, error) {
	barcode := strings.TrimSpace(raw)
	if barcode == "" {
		return "", NewValidationError("barcode", "is required")
	}
	if !barcodePattern.MatchString(barcode) {
		return "", NewValidationError("barcode", fmt.Sprintf("%q is malformed", barcode))
	}
	return barcode, nil
}
