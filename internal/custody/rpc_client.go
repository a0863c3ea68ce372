package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"advisor-ledger/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

// RPC method names served by the custody gateway.
const (
	methodAllowance    = "custody_allowance"
	methodTransferFrom = "custody_transferFrom"
	methodTransfer     = "custody_transfer"
	methodDeposit      = "custody_deposit"
	methodWithdraw     = "custody_withdraw"
)

// RPCClient implements AssetTransferer and NativeCustody over HTTP JSON-RPC 2.0.
// Mutating calls carry a request key so the gateway can drop retried duplicates.
type RPCClient struct {
	endpoint    string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	requestID   atomic.Uint64
}

// ClientOption configures RPCClient.
type ClientOption func(*RPCClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *RPCClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *RPCClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *RPCClient) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *RPCClient) {
		c.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *RPCClient) {
		c.client = client
	}
}

// NewRPCClient creates a custody gateway client.
func NewRPCClient(endpoint string, opts ...ClientOption) *RPCClient {
	c := &RPCClient{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by the gateway.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// transferParams is the single params object of every mutating call.
type transferParams struct {
	RequestKey string `json:"requestKey"`
	Asset      string `json:"asset,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Amount     string `json:"amount"`
}

// call performs a JSON-RPC call with retries and exponential backoff.
// Gateway errors are returned immediately; transport failures and 429s are retried.
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	defer func() { observability.RecordRPCLatency(method, time.Since(start).Seconds()) }()

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("unmarshal response: %w", err)
			continue
		}
		if rpcResp.Error != nil {
			return rpcResp.Error
		}

		if result != nil && rpcResp.Result != nil {
			if err := json.Unmarshal(rpcResp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Allowance returns how much spender may pull from owner.
func (c *RPCClient) Allowance(ctx context.Context, asset, owner, spender common.Address) (*big.Int, error) {
	var result string
	params := []interface{}{asset.Hex(), owner.Hex(), spender.Hex()}
	if err := c.call(ctx, methodAllowance, params, &result); err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(result, 10)
	if !ok {
		return nil, fmt.Errorf("allowance: invalid amount %q", result)
	}
	return v, nil
}

// TransferFrom pulls amount from owner to recipient.
func (c *RPCClient) TransferFrom(ctx context.Context, asset, owner, recipient common.Address, amount *big.Int) (bool, error) {
	return c.mutate(ctx, methodTransferFrom, transferParams{
		Asset:  asset.Hex(),
		From:   owner.Hex(),
		To:     recipient.Hex(),
		Amount: amount.String(),
	})
}

// Transfer sends amount from escrow to recipient.
func (c *RPCClient) Transfer(ctx context.Context, asset, recipient common.Address, amount *big.Int) (bool, error) {
	return c.mutate(ctx, methodTransfer, transferParams{
		Asset:  asset.Hex(),
		To:     recipient.Hex(),
		Amount: amount.String(),
	})
}

// Deposit moves native currency from the sender into the vault.
func (c *RPCClient) Deposit(ctx context.Context, from common.Address, amount *big.Int) (bool, error) {
	return c.mutate(ctx, methodDeposit, transferParams{
		From:   from.Hex(),
		Amount: amount.String(),
	})
}

// Withdraw returns native currency from the vault.
func (c *RPCClient) Withdraw(ctx context.Context, to common.Address, amount *big.Int) (bool, error) {
	return c.mutate(ctx, methodWithdraw, transferParams{
		To:     to.Hex(),
		Amount: amount.String(),
	})
}

func (c *RPCClient) mutate(ctx context.Context, method string, p transferParams) (bool, error) {
	p.RequestKey = uuid.NewString()
	var ok bool
	if err := c.call(ctx, method, []interface{}{p}, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Verify interface compliance at compile time.
var (
	_ AssetTransferer = (*RPCClient)(nil)
	_ NativeCustody   = (*RPCClient)(nil)
)
