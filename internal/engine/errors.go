package engine

import (
	"errors"

	"github.com/creatorx/market-engine/internal/store"
)

var (
	// ErrInvalidOrder is returned for malformed requests: non-positive
	// price or quantity, oversized quantity, unknown side or kind.
	ErrInvalidOrder = errors.New("engine: invalid order")

	// ErrAssetNotFound is returned when the asset does not exist.
	ErrAssetNotFound = errors.New("engine: asset not found")

	// ErrAssetInactive is returned when the asset is delisted.
	ErrAssetInactive = errors.New("engine: asset inactive")

	// ErrAccountNotFound is returned when the account does not exist.
	ErrAccountNotFound = errors.New("engine: account not found")

	// ErrOrderNotFound is returned by CancelOrder for an unknown order id,
	// always alongside ErrCannotCancel.
	ErrOrderNotFound = errors.New("engine: order not found")

	// ErrCannotCancel is returned when the order is not owned by the caller
	// or is no longer OPEN/PARTIAL.
	ErrCannotCancel = errors.New("engine: order cannot be cancelled")

	// ErrPriceLimit is returned when a MARKET order's protection bound is
	// worse than the current reference price.
	ErrPriceLimit = errors.New("engine: reference price outside order limit")

	// Ledger rejections, shared with the store so errors.Is works on both.
	ErrInsufficientBalance  = store.ErrInsufficientBalance
	ErrInsufficientPosition = store.ErrInsufficientPosition

	// ErrInvariant marks an internal consistency fault. The enclosing
	// transaction has been rolled back.
	ErrInvariant = store.ErrInvariant
)

var rejections = []error{
	ErrInvalidOrder,
	ErrAssetNotFound,
	ErrAssetInactive,
	ErrAccountNotFound,
	ErrOrderNotFound,
	ErrCannotCancel,
	ErrPriceLimit,
	ErrInsufficientBalance,
	ErrInsufficientPosition,
}

// IsRejection reports whether err is an expected, caller-correctable
// rejection rather than a fault.
func IsRejection(err error) bool {
	for _, target := range rejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// reason returns a short metric label for err.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, ErrAssetNotFound):
		return "asset_not_found"
	case errors.Is(err, ErrAssetInactive):
		return "asset_inactive"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, ErrCannotCancel):
		return "cannot_cancel"
	case errors.Is(err, ErrPriceLimit):
		return "price_limit"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInsufficientPosition):
		return "insufficient_position"
	case errors.Is(err, ErrInvariant):
		return "invariant"
	default:
		return "internal"
	}
}
