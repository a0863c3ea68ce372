package domain

import "errors"

// Ledger errors. All of them leave ledger state unchanged.
var (
	// ErrInvalidSplit is returned when stable and volatile percentages do not sum to 100.
	ErrInvalidSplit = errors.New("invalid split: percentages must sum to 100")

	// ErrUnknownAdvisor is returned when an identity has no advisor profile.
	ErrUnknownAdvisor = errors.New("unknown advisor")

	// ErrAlreadyOnboarded is returned when an identity onboards a second time.
	ErrAlreadyOnboarded = errors.New("advisor already onboarded")

	// ErrInvalidName is returned for empty or oversized names and symbols.
	ErrInvalidName = errors.New("invalid name")

	// ErrInsufficientAllowance is returned when the investor approved less than the deposit.
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrZeroSupplyDivision is returned when a proportional mint would divide by a zero pool size.
	ErrZeroSupplyDivision = errors.New("proportional mint against zero pool size")

	// ErrInvalidAmount is returned for negative amounts or deposits of nothing.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrTransferFailed is returned when the transfer service rejects a leg.
	ErrTransferFailed = errors.New("asset transfer failed")

	// ErrUnknownTemplate is returned when a factory template is not a registered token.
	ErrUnknownTemplate = errors.New("unknown token template")

	// ErrNotTokenOwner is returned when a non-owner mints directly.
	ErrNotTokenOwner = errors.New("caller is not the token owner")
)
