package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"appstore/internal/appstore"
)

var errNotSubmitted = errors.New("transaction was not submitted, see log for the cause")

func sessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Show the bound account, network and contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd, func(ctx context.Context, f *appstore.Facade) error {
				return printJSON(cmd.OutOrStdout(), f.Info(ctx))
			})
		},
	}
}

func countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of listed apps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd, func(ctx context.Context, f *appstore.Facade) error {
				return printJSON(cmd.OutOrStdout(), map[string]string{"count": f.TotalCount(ctx)})
			})
		},
	}
}

func urisCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uris",
		Short: "List every non-empty token URI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd, func(ctx context.Context, f *appstore.Facade) error {
				return printJSON(cmd.OutOrStdout(), map[string][]string{"tokenURIs": f.TokenURIs(ctx)})
			})
		},
	}
}

func uriCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uri <tokenId>",
		Short: "Print the URI of one token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd, func(ctx context.Context, f *appstore.Facade) error {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"tokenId":  args[0],
					"tokenURI": f.TokenURI(ctx, args[0]),
				})
			})
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <tokenId>",
		Short: "Print name, price, seller and buyers of an app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd, func(ctx context.Context, f *appstore.Facade) error {
				return printJSON(cmd.OutOrStdout(), f.AppInfo(ctx, args[0]))
			})
		},
	}
}

func sellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sell <name> <tokenURI> <priceWei>",
		Short: "List an app for sale",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd, func(ctx context.Context, f *appstore.Facade) error {
				sub := f.Sell(ctx, args[0], args[1], args[2])
				if sub == nil {
					return errNotSubmitted
				}
				return printJSON(cmd.OutOrStdout(), sub)
			})
		},
	}
}

func buyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buy <tokenId> <valueWei>",
		Short: "Buy an app, paying valueWei",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd, func(ctx context.Context, f *appstore.Facade) error {
				sub := f.Buy(ctx, args[0], args[1])
				if sub == nil {
					return errNotSubmitted
				}
				return printJSON(cmd.OutOrStdout(), sub)
			})
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <tokenId>",
		Short: "Check whether the active account bought an app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd, func(ctx context.Context, f *appstore.Facade) error {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"tokenId":  args[0],
					"verified": f.Verify(ctx, args[0]),
				})
			})
		},
	}
}

func soldCmd() *cobra.Command {
	return tokensCmd("sold [address]", "List token ids listed by an address (default: active account)",
		(*appstore.Facade).TokenIDsBySeller)
}

func boughtCmd() *cobra.Command {
	return tokensCmd("bought [address]", "List token ids bought by an address (default: active account)",
		(*appstore.Facade).TokenIDsByBuyer)
}

func tokensCmd(use, short string, lookup func(*appstore.Facade, context.Context, string) []string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd, func(ctx context.Context, f *appstore.Facade) error {
				var addr string
				if len(args) == 1 {
					addr = args[0]
				} else {
					addr = f.Account(ctx)
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"address":  addr,
					"tokenIds": lookup(f, ctx, addr),
				})
			})
		},
	}
}
