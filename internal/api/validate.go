package api

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"advisor-ledger/internal/domain"
)

// errBadRequest marks request validation failures.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// parseAddress requires a 0x-prefixed 20-byte hex address.
func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, badRequest("%s is required", field)
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, badRequest("%s must be 0x-prefixed", field)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, badRequest("%s %q is not a hex address", field, s)
	}
	return common.HexToAddress(s), nil
}

// parseOptionalAddress returns nil for an empty string.
func parseOptionalAddress(field, s string) (*common.Address, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	a, err := parseAddress(field, s)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// parseAmount parses a non-negative base-unit integer. Empty means zero.
func parseAmount(field, s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return new(big.Int), nil
	}
	v, err := domain.ParseInteger(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

// parseNative accepts either an ether-denominated decimal or a raw wei integer, not both.
func parseNative(ether, wei string) (*big.Int, error) {
	ether, wei = strings.TrimSpace(ether), strings.TrimSpace(wei)
	switch {
	case ether != "" && wei != "":
		return nil, badRequest("nativeAmount and nativeAmountWei are mutually exclusive")
	case ether != "":
		v, err := domain.ParseUnits(ether, domain.NativeDecimals)
		if err != nil {
			return nil, fmt.Errorf("nativeAmount: %w", err)
		}
		return v, nil
	default:
		return parseAmount("nativeAmountWei", wei)
	}
}

// parseSplit validates an optional split from a request body.
func parseSplit(s *SplitBody) (*domain.Split, error) {
	if s == nil {
		return nil, nil
	}
	split := domain.Split{Stable: s.Stable, Volatile: s.Volatile}
	if err := split.Validate(); err != nil {
		return nil, err
	}
	return &split, nil
}

// parseIndex parses a non-negative registry index path segment.
func parseIndex(s string) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0, badRequest("index %q must be a non-negative integer", s)
	}
	return i, nil
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// parseEventPage reads ?from= and ?limit= with defaults.
func parseEventPage(from, limit string) (int64, int, error) {
	var after int64
	if from != "" {
		v, err := strconv.ParseInt(from, 10, 64)
		if err != nil || v < 0 {
			return 0, 0, badRequest("from %q must be a non-negative integer", from)
		}
		after = v
	}

	n := defaultEventLimit
	if limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil || v <= 0 {
			return 0, 0, badRequest("limit %q must be a positive integer", limit)
		}
		n = min(v, maxEventLimit)
	}
	return after, n, nil
}
