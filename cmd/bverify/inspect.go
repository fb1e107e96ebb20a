package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bverify.dev/custody/cidutil"
	"bverify.dev/custody/config"
	"bverify.dev/custody/feed"
	"bverify.dev/custody/ledger"
	"bverify.dev/custody/node"
	"bverify.dev/custody/storage/bundle"
	"bverify.dev/custody/storage/localfs"
)

// rebuild folds the configured feed into a fresh ledger. It does not need the
// directory or the peers.
func rebuild(cmd *cobra.Command, cfg config.Config, log *zap.Logger) (*ledger.Ledger, node.Feed, func() error, error) {
	f, closeFn, err := node.OpenFeed(cfg.Feed, log)
	if err != nil {
		return nil, nil, nil, err
	}
	l := ledger.New(ledger.WithLogger(log.Named("ledger")))
	if err := ledger.NewFollower(l, f, ledger.WithFollowerLogger(log.Named("follower"))).Rebuild(cmd.Context()); err != nil {
		_ = closeFn()
		return nil, nil, nil, err
	}
	return l, f, closeFn, nil
}

// feedConfig loads the config without validating it, so commands that only
// read the feed work with self, counterpart and directory left unset.
func (c *cli) feedConfig() (config.Config, *zap.Logger, error) {
	if err := config.LoadDotEnv(c.envFiles...); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Read(c.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := c.logger(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func newReceiptCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "receipt <id>",
		Short: "Print a receipt as the committed ledger sees it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := c.feedConfig()
			if err != nil {
				return err
			}
			l, _, closeFn, err := rebuild(cmd, cfg, log)
			if err != nil {
				return err
			}
			defer closeFn() //nolint:errcheck
			r, err := l.Get(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.out)
			enc.SetIndent("", "  ")
			return enc.Encode(r)
		},
	}
}

func newReplayCmd(c *cli) *cobra.Command {
	var bundlePath string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Fold the feed, or an exported bundle, and print the ledger digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bundlePath != "" {
				return c.replayBundle(cmd, bundlePath)
			}
			cfg, log, err := c.feedConfig()
			if err != nil {
				return err
			}
			l, _, closeFn, err := rebuild(cmd, cfg, log)
			if err != nil {
				return err
			}
			defer closeFn() //nolint:errcheck
			return c.printDigest(l)
		},
	}
	cmd.Flags().StringVar(&bundlePath, "bundle", "", "Replay this exported bundle instead of the configured feed")
	return cmd
}

func (c *cli) printDigest(l *ledger.Ledger) error {
	digest, err := l.Digest()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "applied %d\ndigest %s\n", l.Applied(), digest)
	return nil
}

func (c *cli) replayBundle(cmd *cobra.Command, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := bundle.ReplayBundle(bufio.NewReader(f))
	if err != nil {
		return err
	}

	l := ledger.New()
	if b.Manifest.Checkpoint != "" {
		dir, err := os.MkdirTemp("", "bverify-replay-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		cas, err := localfs.New(dir)
		if err != nil {
			return err
		}
		if err := b.Import(cas); err != nil {
			return err
		}
		id, err := cidutil.Parse(b.Manifest.Checkpoint)
		if err != nil {
			return err
		}
		snap, err := ledger.LoadCheckpoint(cas, id)
		if err != nil {
			return err
		}
		if snap.Applied != b.Manifest.From {
			return fmt.Errorf("bundle checkpoint covers %d statements but entries start at %d", snap.Applied, b.Manifest.From)
		}
		if err := l.Restore(snap); err != nil {
			return err
		}
	} else if b.Manifest.From != 0 {
		return fmt.Errorf("bundle starts at position %d without a checkpoint", b.Manifest.From)
	}

	if err := ledger.NewFollower(l, b.Reader()).Rebuild(cmd.Context()); err != nil {
		return err
	}
	if err := c.printDigest(l); err != nil {
		return err
	}
	if want := b.Manifest.Digest; want != "" {
		got, _ := l.Digest()
		if got != want {
			return fmt.Errorf("digest mismatch: bundle recorded %s, replay produced %s", want, got)
		}
		fmt.Fprintln(c.out, "digest matches the exporter")
	}
	return nil
}

func newExportCmd(c *cli) *cobra.Command {
	var fromCheckpoint bool
	cmd := &cobra.Command{
		Use:   "export <out.tar>",
		Short: "Write the feed as a deterministic bundle for offline audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := c.feedConfig()
			if err != nil {
				return err
			}
			l, f, closeFn, err := rebuild(cmd, cfg, log)
			if err != nil {
				return err
			}
			defer closeFn() //nolint:errcheck
			digest, err := l.Digest()
			if err != nil {
				return err
			}

			// Bound the export to what was folded; the feed may grow meanwhile.
			end := l.Applied()
			opts := bundle.ExportOptions{Digest: digest, To: &end}
			if fromCheckpoint {
				closeCkpt, err := withCheckpoint(cfg.Checkpoint, &opts)
				if err != nil {
					return err
				}
				defer closeCkpt() //nolint:errcheck
			}
			return c.writeBundle(cmd, args[0], f, opts)
		},
	}
	cmd.Flags().BoolVar(&fromCheckpoint, "from-checkpoint", false, "Start at the latest checkpoint and include it in the bundle")
	return cmd
}

// withCheckpoint points opts at the latest checkpoint. The returned function
// closes the checkpoint backends once the export is written.
func withCheckpoint(cfg config.Checkpoint, opts *bundle.ExportOptions) (func() error, error) {
	store, closeFn, err := node.OpenCheckpoints(cfg)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("no checkpoint backends configured")
	}
	id, ok, err := store.Head()
	if err == nil && !ok {
		err = errors.New("no checkpoint saved yet")
	}
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	snap, err := ledger.LoadCheckpoint(store.CAS(), id)
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	opts.CAS = store.CAS()
	opts.From = snap.Applied
	opts.Checkpoint = id
	return closeFn, nil
}

func (c *cli) writeBundle(cmd *cobra.Command, path string, r feed.Reader, opts bundle.ExportOptions) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	m, err := bundle.ExportLog(cmd.Context(), w, r, opts)
	if err == nil {
		err = w.Flush()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	fmt.Fprintf(c.out, "exported %d statements from position %d to %s\n", len(m.Entries), m.From, path)
	return nil
}
