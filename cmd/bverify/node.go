package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bverify.dev/custody/config"
	"bverify.dev/custody/node"
	"bverify.dev/custody/protocol"
	"bverify.dev/custody/receipt"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Follow the feed and answer the counterpart until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := c.setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := node.New(cfg, log, node.WithOutcome(func(o protocol.Outcome) {
				log.Info("proposal settled",
					zap.String("proposal_id", o.ProposalID),
					zap.String("kind", string(o.Kind)),
					zap.String("receipt_id", o.Receipt),
					zap.Bool("committed", o.Committed()),
					zap.Error(o.Err))
			}))
			if err != nil {
				return err
			}
			log.Info("node starting",
				zap.String("self", cfg.Self),
				zap.String("role", string(cfg.Role)),
				zap.String("counterpart", cfg.Counterpart),
				zap.String("feed", cfg.Feed.Backend))
			runErr := n.Run(ctx)
			if err := n.Close(); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
}

// withNode runs a node for as long as fn takes. fn starts once the ledger has
// caught up with the feed.
func withNode(ctx context.Context, cfg config.Config, log *zap.Logger, fn func(context.Context, *node.Node) error) error {
	n, err := node.New(cfg, log)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	var fnErr error
	select {
	case <-n.Ready():
		fnErr = fn(ctx, n)
	case err := <-done:
		cancel()
		_ = n.Close()
		if err == nil {
			err = ctx.Err()
		}
		return err
	}
	cancel()
	runErr := <-done
	closeErr := n.Close()
	switch {
	case fnErr != nil:
		return fnErr
	case runErr != nil:
		return runErr
	default:
		return closeErr
	}
}

type settled struct {
	ProposalID string `json:"proposalId"`
	Kind       string `json:"kind"`
	Receipt    string `json:"receiptId"`
	Position   uint64 `json:"position"`
}

func (c *cli) printOutcome(o protocol.Outcome) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(settled{
		ProposalID: o.ProposalID,
		Kind:       string(o.Kind),
		Receipt:    o.Receipt,
		Position:   o.Position,
	})
}

func newIssueCmd(c *cli) *cobra.Command {
	var (
		holder  string
		content receipt.Content
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Propose a new receipt to a depositor and wait for it to commit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := content.Canonical()
			if err != nil {
				return usageError{err}
			}
			cfg, log, err := c.setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			return withNode(ctx, cfg, log, func(ctx context.Context, n *node.Node) error {
				h, err := n.Engine.InitiateIssue(ctx, cfg.Self, holder, payload)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.errOut, "proposal %s sent, waiting for commit\n", h.ID)
				out, err := h.Wait(ctx)
				if err != nil {
					return err
				}
				return c.printOutcome(out)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&holder, "holder", "", "Depositor account that will hold the receipt")
	f.StringVar(&content.Category, "category", "", "Commodity category")
	f.StringVar(&content.Date, "date", "", "Deposit date")
	f.Float64Var(&content.Weight, "weight", 0, "Weight")
	f.Float64Var(&content.Volume, "volume", 0, "Volume")
	f.Float64Var(&content.Humidity, "humidity", 0, "Humidity")
	f.Float64Var(&content.Price, "price", 0, "Price")
	f.StringVar(&content.Insurance, "insurance", "", "Insurance reference")
	f.StringVar(&content.Details, "details", "", "Free-form details")
	f.DurationVar(&wait, "wait", 5*time.Minute, "How long to wait for the statement to commit")
	_ = cmd.MarkFlagRequired("holder")
	return cmd
}

func newRedeemCmd(c *cli) *cobra.Command {
	var (
		receiptID string
		wait      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "redeem",
		Short: "Propose redeeming a receipt this account is party to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := c.setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			return withNode(ctx, cfg, log, func(ctx context.Context, n *node.Node) error {
				h, err := n.Engine.InitiateRedeem(ctx, receiptID, cfg.Self)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.errOut, "proposal %s sent, waiting for commit\n", h.ID)
				out, err := h.Wait(ctx)
				if err != nil {
					return err
				}
				return c.printOutcome(out)
			})
		},
	}
	cmd.Flags().StringVar(&receiptID, "receipt", "", "Receipt id")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "How long to wait for the statement to commit")
	_ = cmd.MarkFlagRequired("receipt")
	return cmd
}
