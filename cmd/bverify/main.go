package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bverify.dev/custody/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// usageError marks errors that should exit with status 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func run(args []string, out io.Writer, errOut io.Writer) int {
	root := newRootCmd(out, errOut)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintf(errOut, "error: %v\n", err)
	var ue usageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

type cli struct {
	out, errOut io.Writer

	configPath string
	envFiles   []string
	verbose    bool
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:   "bverify",
		Short: "Warehouse receipt custody node",
		Long: `bverify runs one party of the warehouse receipt custody protocol.

A warehouse issues receipts to depositors and a depositor redeems them. Both
sides agree on every change over gRPC before it is committed to the shared
statement feed, and every node folds that feed into the same ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "YAML config file (BVERIFY_* variables override it)")
	pf.StringSliceVar(&c.envFiles, "env-file", nil, "dotenv files to load before reading the config (default .env)")
	pf.BoolVarP(&c.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newServeCmd(c),
		newIssueCmd(c),
		newRedeemCmd(c),
		newReceiptCmd(c),
		newReplayCmd(c),
		newExportCmd(c),
		newKeyCmd(c),
	)
	return root
}

func (c *cli) config() (config.Config, error) {
	if err := config.LoadDotEnv(c.envFiles...); err != nil {
		return config.Config{}, err
	}
	return config.Load(c.configPath)
}

// logger writes to stderr at the configured level. --verbose forces debug.
func (c *cli) logger(cfg config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = lvl
	}
	if c.verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

func (c *cli) setup() (config.Config, *zap.Logger, error) {
	cfg, err := c.config()
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := c.logger(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}
