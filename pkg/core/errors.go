package core

import "errors"

// Sentinel errors for the engine's public surface. Callers match with
// errors.Is; wrapped messages carry the specifics.
//
// Margin breaches are deliberately absent: insolvency is handled by the
// liquidation engine, never returned to the caller. Settlement disputes are
// likewise surfaced through market state, not an error.
var (
	ErrValidation             = errors.New("validation failed")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrMarketClosed           = errors.New("market closed for trading")
	ErrMarketNotFound         = errors.New("market not found")
	ErrOrderNotFound          = errors.New("order not found")
	ErrPositionNotFound       = errors.New("position not found")
	ErrPriceBound             = errors.New("execution price outside bound")
	ErrChallengeClosed        = errors.New("challenge window closed")
	ErrAlreadyChallenged      = errors.New("settlement already challenged")
	ErrAlreadySettled         = errors.New("market already settled")
	ErrNotFinalizable         = errors.New("settlement not finalizable")
)
