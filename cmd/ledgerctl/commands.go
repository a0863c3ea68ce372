package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"advisor-ledger/internal/api"
	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/stream"
)

// splitFlags adds --stable/--volatile and returns a getter that yields nil when neither is set.
func splitFlags(cmd *cobra.Command) func() *api.SplitBody {
	var stable, volatile int
	cmd.Flags().IntVar(&stable, "stable", 0, "Stable pool percentage")
	cmd.Flags().IntVar(&volatile, "volatile", 0, "Volatile pool percentage")
	return func() *api.SplitBody {
		if !cmd.Flags().Changed("stable") && !cmd.Flags().Changed("volatile") {
			return nil
		}
		return &api.SplitBody{Stable: stable, Volatile: volatile}
	}
}

func (a *app) advisorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advisor",
		Short: "Onboard and inspect advisors",
	}

	var req api.OnboardRequest
	onboard := &cobra.Command{
		Use:   "onboard",
		Short: "Register the caller as an advisor",
		Long: `Registers an advisor, creating its stable and volatile pools.

Example:
  ledgerctl advisor onboard --caller 0xA5...fD --name "Mock Advisor" --stable 80 --volatile 20`,
		Args: cobra.NoArgs,
	}
	split := splitFlags(onboard)
	onboard.Flags().StringVar(&req.Caller, "caller", "", "Advisor address (required)")
	onboard.Flags().StringVar(&req.Name, "name", "", "Display name (required)")
	onboard.Flags().StringVar(&req.TokenSymbol, "symbol", "", "Symbol of the advisor's own token, when per-advisor tokens are enabled")
	_ = onboard.MarkFlagRequired("caller")
	_ = onboard.MarkFlagRequired("name")
	onboard.RunE = func(cmd *cobra.Command, args []string) error {
		req.Split = split()
		var resp api.AdvisorResponse
		if err := a.client.post(cmd.Context(), "/v1/advisors", req, &resp); err != nil {
			return err
		}
		return printJSON(cmd, resp)
	}

	get := &cobra.Command{
		Use:   "get [address]",
		Short: "Show an advisor profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.AdvisorResponse
			if err := a.client.get(cmd.Context(), "/v1/advisors/"+args[0], nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	name := &cobra.Command{
		Use:   "name [address]",
		Short: "Show an advisor's display name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.NameResponse
			if err := a.client.get(cmd.Context(), "/v1/advisors/"+args[0]+"/name", nil, &resp); err != nil {
				return err
			}
			_, err := cmd.OutOrStdout().Write([]byte(resp.Name + "\n"))
			return err
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List advisors in onboarding order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp []api.AdvisorResponse
			if err := a.client.get(cmd.Context(), "/v1/advisors", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	cmd.AddCommand(onboard, get, name, list)
	return cmd
}

func (a *app) investCmd() *cobra.Command {
	var req api.InvestRequest
	cmd := &cobra.Command{
		Use:   "invest",
		Short: "Invest an asset and/or native currency with an advisor",
		Long: `Splits the deposit between the advisor's stable and volatile pools.
Without --stable/--volatile the advisor's default split applies.

Example:
  ledgerctl invest --investor 0x10..01 --advisor 0xA5..fD --asset 0xA0..48 --amount 2000 --stable 55 --volatile 45
  ledgerctl invest --investor 0x10..01 --advisor 0xA5..fD --native 1.5`,
		Args: cobra.NoArgs,
	}
	split := splitFlags(cmd)
	cmd.Flags().StringVar(&req.Investor, "investor", "", "Investor address (required)")
	cmd.Flags().StringVar(&req.Advisor, "advisor", "", "Advisor address (required)")
	cmd.Flags().StringVar(&req.Asset, "asset", "", "Fungible asset address")
	cmd.Flags().StringVar(&req.Amount, "amount", "", "Asset amount in base units")
	cmd.Flags().StringVar(&req.NativeAmount, "native", "", "Native amount in ether")
	cmd.Flags().StringVar(&req.NativeAmountWei, "native-wei", "", "Native amount in wei")
	_ = cmd.MarkFlagRequired("investor")
	_ = cmd.MarkFlagRequired("advisor")
	cmd.MarkFlagsMutuallyExclusive("native", "native-wei")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		req.Split = split()
		var resp api.InvestmentResponse
		if err := a.client.post(cmd.Context(), "/v1/investments", req, &resp); err != nil {
			return err
		}
		return printJSON(cmd, resp)
	}
	return cmd
}

func (a *app) investorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "investor",
		Short: "Inspect investor positions",
	}

	info := &cobra.Command{
		Use:   "info [address]",
		Short: "Summarize an investor's positions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.InvestorResponse
			if err := a.client.get(cmd.Context(), "/v1/investors/"+args[0], nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	advisors := &cobra.Command{
		Use:   "advisors [address]",
		Short: "List the advisors an investor has invested with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.AdvisorsResponse
			if err := a.client.get(cmd.Context(), "/v1/investors/"+args[0]+"/advisors", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	liquidity := &cobra.Command{
		Use:   "liquidity [investor] [advisor]",
		Short: "Show an investor's stable and volatile liquidity with one advisor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.PositionResponse
			if err := a.client.get(cmd.Context(), "/v1/investors/"+args[0]+"/liquidity/"+args[1], nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	cmd.AddCommand(info, advisors, liquidity)
	return cmd
}

func (a *app) poolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pool [address]",
		Short: "Show a pool's balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.PoolResponse
			if err := a.client.get(cmd.Context(), "/v1/pools/"+args[0], nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
}

func (a *app) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Create, inspect and mint ownership tokens",
	}

	var create api.CreateTokenRequest
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Clone a template token into a new registry entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.TokenResponse
			if err := a.client.post(cmd.Context(), "/v1/tokens", create, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	createCmd.Flags().StringVar(&create.Name, "name", "", "Token name (required)")
	createCmd.Flags().StringVar(&create.Symbol, "symbol", "", "Token symbol (required)")
	createCmd.Flags().StringVar(&create.Template, "template", "", "Template token address (default: root token)")
	createCmd.Flags().StringVar(&create.Owner, "owner", "", "Owner allowed to mint directly (default: the ledger)")
	_ = createCmd.MarkFlagRequired("name")
	_ = createCmd.MarkFlagRequired("symbol")

	list := &cobra.Command{
		Use:   "list",
		Short: "List tokens in registry order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp []api.TokenResponse
			if err := a.client.get(cmd.Context(), "/v1/tokens", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	get := &cobra.Command{
		Use:   "get [address|index]",
		Short: "Show a token by address or registry index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/tokens/" + args[0]
			if _, err := strconv.Atoi(args[0]); err == nil {
				path = "/v1/tokens/index/" + args[0]
			}
			var resp api.TokenResponse
			if err := a.client.get(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	var mint api.MintRequest
	mintCmd := &cobra.Command{
		Use:   "mint [token]",
		Short: "Mint shares for a contribution against a pool size (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.MintResponse
			if err := a.client.post(cmd.Context(), "/v1/tokens/"+args[0]+"/mint", mint, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	mintCmd.Flags().StringVar(&mint.Caller, "caller", "", "Token owner address (required)")
	mintCmd.Flags().StringVar(&mint.Beneficiary, "to", "", "Beneficiary address (required)")
	mintCmd.Flags().StringVar(&mint.Contribution, "contribution", "", "Contribution in base units (required)")
	mintCmd.Flags().StringVar(&mint.PoolSize, "pool-size", "0", "Pool size before the contribution")
	_ = mintCmd.MarkFlagRequired("caller")
	_ = mintCmd.MarkFlagRequired("to")
	_ = mintCmd.MarkFlagRequired("contribution")

	balance := &cobra.Command{
		Use:   "balance [token] [holder]",
		Short: "Show a holder's token balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.BalanceResponse
			if err := a.client.get(cmd.Context(), "/v1/tokens/"+args[0]+"/balances/"+args[1], nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	cmd.AddCommand(createCmd, list, get, mintCmd, balance)
	return cmd
}

func (a *app) eventsCmd() *cobra.Command {
	var from int64
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Page through committed ledger events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("from", strconv.FormatInt(from, 10))
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var resp api.EventsResponse
			if err := a.client.get(cmd.Context(), "/v1/events", q, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "Return events with seq greater than this")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum events to return (server default when 0)")

	cmd.AddCommand(a.watchCmd())
	return cmd
}

func (a *app) watchCmd() *cobra.Command {
	var from int64
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live event stream, one JSON event per line",
		Long: `Connects to the server's WebSocket feed and prints events as they commit.
With --from, committed events after that seq are replayed first. The
connection is re-established after failures without gaps or duplicates.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, err := streamURL(a.server)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = stream.NewClient(endpoint, nil, nil).Follow(ctx, from, func(e *domain.Event) error {
				return enc.Encode(e)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Int64Var(&from, "from", -1, "Replay events with seq greater than this first (-1: live only)")
	return cmd
}

// streamURL maps the server base URL onto its WebSocket event feed.
func streamURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url %q must be http or https", server)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events/stream"
	return u.String(), nil
}
