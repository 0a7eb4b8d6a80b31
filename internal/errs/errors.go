// Package errs holds the sentinel errors shared by the engine packages.
// Call sites wrap them with context; callers match with errors.Is.
package errs

import "errors"

var (
	ErrInvalidInput            = errors.New("invalid input")
	ErrInsufficientCollateral  = errors.New("insufficient collateral")
	ErrOrderNotFound           = errors.New("order not found")
	ErrNotOwner                = errors.New("not owner")
	ErrNoLiquidity             = errors.New("no liquidity")
	ErrPositionNotFound        = errors.New("position not found")
	ErrPositionNotLiquidatable = errors.New("position not liquidatable")
	ErrReentrantLiquidation    = errors.New("reentrant liquidation")
	ErrPriceUnavailable        = errors.New("reference price unavailable")

	// ErrSocializationDeficit marks a liquidation whose gap loss could not be
	// fully recovered. The liquidation itself still completes.
	ErrSocializationDeficit = errors.New("socialization deficit")
)
