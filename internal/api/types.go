package api

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/ledger"
)

// SplitBody is a stable/volatile percentage pair.
type SplitBody struct {
	Stable   int `json:"stable"`
	Volatile int `json:"volatile"`
}

// OnboardRequest is the body of POST /v1/advisors.
type OnboardRequest struct {
	Caller      string     `json:"caller"`
	Name        string     `json:"name"`
	Split       *SplitBody `json:"split,omitempty"`
	TokenSymbol string     `json:"tokenSymbol,omitempty"`
}

// InvestRequest is the body of POST /v1/investments. Amount is in asset base units;
// the native leg is either NativeAmount in ether or NativeAmountWei.
type InvestRequest struct {
	Investor        string     `json:"investor"`
	Advisor         string     `json:"advisor"`
	Asset           string     `json:"asset,omitempty"`
	Amount          string     `json:"amount,omitempty"`
	Split           *SplitBody `json:"split,omitempty"`
	NativeAmount    string     `json:"nativeAmount,omitempty"`
	NativeAmountWei string     `json:"nativeAmountWei,omitempty"`
}

// CreateTokenRequest is the body of POST /v1/tokens. An empty template clones the root token.
type CreateTokenRequest struct {
	Template string `json:"template,omitempty"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Owner    string `json:"owner,omitempty"`
}

// MintRequest is the body of POST /v1/tokens/{address}/mint.
type MintRequest struct {
	Caller       string `json:"caller"`
	Beneficiary  string `json:"beneficiary"`
	Contribution string `json:"contribution"`
	PoolSize     string `json:"poolSize"`
}

// AdvisorResponse is an advisor profile.
type AdvisorResponse struct {
	Address      common.Address  `json:"address"`
	Name         string          `json:"name"`
	DefaultSplit domain.Split    `json:"defaultSplit"`
	StablePool   common.Address  `json:"stablePool"`
	VolatilePool common.Address  `json:"volatilePool"`
	Token        *common.Address `json:"token,omitempty"`
	OnboardedAt  int64           `json:"onboardedAt"`
}

// NameResponse is an advisor display name.
type NameResponse struct {
	Address common.Address `json:"address"`
	Name    string         `json:"name"`
}

// InvestmentResponse is a committed investment.
type InvestmentResponse struct {
	*ledger.InvestmentReceipt
	Minted string `json:"minted,omitempty"`
}

// PositionResponse is an investor's liquidity with one advisor.
type PositionResponse struct {
	Investor          common.Address `json:"investor"`
	Advisor           common.Address `json:"advisor"`
	StableLiquidity   string         `json:"stableLiquidity"`
	VolatileLiquidity string         `json:"volatileLiquidity"`
}

// InvestorResponse summarizes an investor.
type InvestorResponse struct {
	Investor          common.Address     `json:"investor"`
	Advisors          []common.Address   `json:"advisors"`
	StableLiquidity   string             `json:"stableLiquidity"`
	VolatileLiquidity string             `json:"volatileLiquidity"`
	Positions         []PositionResponse `json:"positions"`
}

// AdvisorsResponse lists the advisors an investor has invested with.
type AdvisorsResponse struct {
	Investor common.Address   `json:"investor"`
	Advisors []common.Address `json:"advisors"`
}

// PoolResponse is a pool with balances in base units.
type PoolResponse struct {
	Address     common.Address    `json:"address"`
	Advisor     common.Address    `json:"advisor"`
	Kind        domain.PoolKind   `json:"kind"`
	Balances    map[string]string `json:"balances"`
	Native      string            `json:"native"`
	NativeEther string            `json:"nativeEther"`
}

// TokenResponse is an ownership token.
type TokenResponse struct {
	Address            common.Address  `json:"address"`
	Index              int             `json:"index"`
	Name               string          `json:"name"`
	Symbol             string          `json:"symbol"`
	Decimals           uint8           `json:"decimals"`
	Owner              common.Address  `json:"owner"`
	Template           *common.Address `json:"template,omitempty"`
	NegligiblePoolSize string          `json:"negligiblePoolSize"`
	InitialMultiplier  string          `json:"initialMultiplier"`
	TotalSupply        string          `json:"totalSupply"`
	CreatedAt          int64           `json:"createdAt"`
}

// MintResponse is a committed direct mint.
type MintResponse struct {
	Seq         int64          `json:"seq"`
	Token       common.Address `json:"token"`
	Beneficiary common.Address `json:"beneficiary"`
	Amount      string         `json:"amount"`
	TotalSupply string         `json:"totalSupply"`
}

// BalanceResponse is a holder's token balance.
type BalanceResponse struct {
	Token     common.Address `json:"token"`
	Holder    common.Address `json:"holder"`
	Balance   string         `json:"balance"`
	Formatted string         `json:"formatted"`
}

// EventsResponse is a page of committed events. Next is the from value for the following page.
type EventsResponse struct {
	Events []*domain.Event `json:"events"`
	Next   int64           `json:"next"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func advisorResponse(a *domain.Advisor) AdvisorResponse {
	return AdvisorResponse{
		Address:      a.Address,
		Name:         a.Name,
		DefaultSplit: a.DefaultSplit,
		StablePool:   a.StablePool,
		VolatilePool: a.VolatilePool,
		Token:        a.Token,
		OnboardedAt:  a.OnboardedAt,
	}
}

func positionResponse(p *domain.Position) PositionResponse {
	return PositionResponse{
		Investor:          p.Investor,
		Advisor:           p.Advisor,
		StableLiquidity:   p.StableLiquidity.String(),
		VolatileLiquidity: p.VolatileLiquidity.String(),
	}
}

func poolResponse(p *domain.Pool) PoolResponse {
	balances := make(map[string]string, len(p.Balances))
	for asset, b := range p.Balances {
		balances[asset.Hex()] = b.String()
	}
	return PoolResponse{
		Address:     p.Address,
		Advisor:     p.Advisor,
		Kind:        p.Kind,
		Balances:    balances,
		Native:      p.Native.String(),
		NativeEther: domain.FormatUnits(p.Native, domain.NativeDecimals),
	}
}

func tokenResponse(t *domain.Token) TokenResponse {
	return TokenResponse{
		Address:            t.Address,
		Index:              t.Index,
		Name:               t.Name,
		Symbol:             t.Symbol,
		Decimals:           t.Decimals,
		Owner:              t.Owner,
		Template:           t.Template,
		NegligiblePoolSize: t.NegligiblePoolSize.String(),
		InitialMultiplier:  t.InitialMultiplier.String(),
		TotalSupply:        t.TotalSupply.String(),
		CreatedAt:          t.CreatedAt,
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
