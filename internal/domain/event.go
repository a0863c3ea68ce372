package domain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventKind identifies a ledger record.
type EventKind string

// Event kinds
const (
	EventAdvisorOnboarded EventKind = "ADVISOR_ONBOARDED"
	EventInvestment       EventKind = "INVESTMENT"
	EventTransfer         EventKind = "TRANSFER"
	EventTokenCreated     EventKind = "TOKEN_CREATED"
)

// Event is an append-only ledger record. Seq is assigned by the store on commit.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Seq        int64           `json:"seq"`
	Kind       EventKind       `json:"kind"`
	Timestamp  int64           `json:"timestamp"` // Unix ms
	Advisor    *common.Address `json:"advisor,omitempty"`
	Token      *common.Address `json:"token,omitempty"`
	Investment *Investment     `json:"investment,omitempty"`
	Transfer   *Transfer       `json:"transfer,omitempty"`
}

// Investment records the exact amounts routed by one deposit.
type Investment struct {
	Investor         common.Address
	Advisor          common.Address
	Asset            common.Address
	StablecoinAmount *big.Int // asset units credited to the stable pool
	VolatileAmount   *big.Int // asset units plus the native volatile share in wei
	EthAmount        *big.Int // native amount attached to the deposit
}

// Transfer records a token movement; mints originate from the zero address.
type Transfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

type investmentJSON struct {
	Investor         common.Address `json:"investor"`
	StablecoinAmount string         `json:"_stablecoinAmount"`
	VolatileAmount   string         `json:"_volatileAmount"`
	EthAmount        string         `json:"_ethAmount"`
	Advisor          common.Address `json:"_advisor"`
	Asset            common.Address `json:"asset"`
}

// MarshalJSON encodes amounts as base-10 strings.
func (i Investment) MarshalJSON() ([]byte, error) {
	return json.Marshal(investmentJSON{
		Investor:         i.Investor,
		StablecoinAmount: amountString(i.StablecoinAmount),
		VolatileAmount:   amountString(i.VolatileAmount),
		EthAmount:        amountString(i.EthAmount),
		Advisor:          i.Advisor,
		Asset:            i.Asset,
	})
}

// UnmarshalJSON decodes the string amount encoding.
func (i *Investment) UnmarshalJSON(data []byte) error {
	var w investmentJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var err error
	if i.StablecoinAmount, err = parseAmountField(w.StablecoinAmount, "_stablecoinAmount"); err != nil {
		return err
	}
	if i.VolatileAmount, err = parseAmountField(w.VolatileAmount, "_volatileAmount"); err != nil {
		return err
	}
	if i.EthAmount, err = parseAmountField(w.EthAmount, "_ethAmount"); err != nil {
		return err
	}
	i.Investor = w.Investor
	i.Advisor = w.Advisor
	i.Asset = w.Asset
	return nil
}

type transferJSON struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value string         `json:"value"`
}

// MarshalJSON encodes the value as a base-10 string.
func (t Transfer) MarshalJSON() ([]byte, error) {
	return json.Marshal(transferJSON{From: t.From, To: t.To, Value: amountString(t.Value)})
}

// UnmarshalJSON decodes the string value encoding.
func (t *Transfer) UnmarshalJSON(data []byte) error {
	var w transferJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v, err := parseAmountField(w.Value, "value")
	if err != nil {
		return err
	}
	t.From, t.To, t.Value = w.From, w.To, v
	return nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmountField(s, field string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid amount %q", field, s)
	}
	return v, nil
}
