package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"revshare/config"
	"revshare/core/merkle"
	"revshare/core/types"
	"revshare/observability/logging"
	"revshare/services/royaltyd"
	"revshare/storage/archive"
)

var errInvalidClaim = errors.New("claim does not verify against root")

type rootOptions struct {
	configPath string
	verbose    bool
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "royaltyctl",
		Short: "Operate royalty settlement windows",
		Long: `royaltyctl computes settlement windows for derived-content royalties,
reads archived windows and checks merkle claims.

Commands that talk to the indexer, the chain or the archive read the
royaltyd configuration file given by --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			opts.logger = logging.Setup("royaltyctl", "", logging.WithWriter(cmd.ErrOrStderr()), logging.WithLevel(level))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "royaltyd.yaml", "path to royaltyd configuration")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		newComputeCmd(opts),
		newProofCmd(opts),
		newVerifyCmd(),
		newTreeCmd(),
	)
	return root
}

func newComputeCmd(opts *rootOptions) *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Compute the next settlement window once",
		Long: `Compute reads every purchase since the latest published window, flattens
the derivation trees and prints the resulting balances and merkle root.
With --archive the window is also persisted to the configured archive.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			rt, err := royaltyd.Build(cmd.Context(), cfg, opts.logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.Engine.ComputeWindow(cmd.Context())
			if err != nil {
				return fmt.Errorf("compute window: %w", err)
			}
			rec := archive.NewRecord(res, time.Now())
			if save {
				if err := rt.Store.Save(cmd.Context(), rec); err != nil {
					return fmt.Errorf("archive window: %w", err)
				}
			}
			return printJSON(cmd.OutOrStdout(), royaltyd.Summarize(rec, true))
		},
	}
	cmd.Flags().BoolVar(&save, "archive", false, "persist the computed window")
	return cmd
}

func newProofCmd(opts *rootOptions) *cobra.Command {
	var rawRoot string
	cmd := &cobra.Command{
		Use:   "proof <account>",
		Short: "Print the claim proof for an account from the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(args[0]) {
				return fmt.Errorf("invalid account %q", args[0])
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			store, err := archive.Open(archive.Config{Driver: cfg.Archive.Driver, DSN: cfg.Archive.DSN, Path: cfg.Archive.Path})
			if err != nil {
				return err
			}
			defer store.Close()

			var rec *archive.Record
			if rawRoot == "" || rawRoot == "latest" {
				rec, err = store.Latest(cmd.Context())
			} else {
				decoded, decodeErr := hexutil.Decode(rawRoot)
				if decodeErr != nil || len(decoded) != common.HashLength {
					return fmt.Errorf("invalid root %q", rawRoot)
				}
				rec, err = store.ByRoot(cmd.Context(), common.BytesToHash(decoded))
			}
			if err != nil {
				return err
			}
			balance, proof, err := rec.Proof(common.HexToAddress(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), royaltyd.ProofResponse{
				Root:       rec.Root.Hex(),
				Account:    balance.Account.Hex(),
				Allocation: balance.Allocation.Dec(),
				Proof:      proof,
			})
		},
	}
	cmd.Flags().StringVar(&rawRoot, "root", "latest", "archived window root")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var (
		claimPath string
		req       royaltyd.VerifyRequest
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a claim offline",
		Long: `Verify checks that an account allocation is committed by a merkle root.
The claim is read from --file (the JSON printed by "royaltyctl proof") or
assembled from flags. A claim that does not verify exits non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if claimPath != "" {
				raw, err := readInput(cmd, claimPath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &req); err != nil {
					return fmt.Errorf("decode claim: %w", err)
				}
			}
			valid, err := royaltyd.Verify(req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), royaltyd.VerifyResponse{Valid: valid}); err != nil {
				return err
			}
			if !valid {
				return errInvalidClaim
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&claimPath, "file", "f", "", "claim JSON file, - for stdin")
	cmd.Flags().StringVar(&req.Root, "root", "", "merkle root")
	cmd.Flags().StringVar(&req.Account, "account", "", "claiming account")
	cmd.Flags().StringVar(&req.Allocation, "allocation", "", "allocation in percent-scale units")
	cmd.Flags().StringSliceVar(&req.Proof, "proof", nil, "proof elements, comma separated or repeated")
	return cmd
}

type treeOutput struct {
	Root     string          `json:"root"`
	Accounts int             `json:"accounts"`
	Total    string          `json:"total"`
	Proofs   []treeProofJSON `json:"proofs,omitempty"`
}

type treeProofJSON struct {
	Account    string   `json:"account"`
	Allocation string   `json:"allocation"`
	Proof      []string `json:"proof"`
}

func newTreeCmd() *cobra.Command {
	var withProofs bool
	cmd := &cobra.Command{
		Use:   "tree <balances.json>",
		Short: "Build a merkle root from a balances file",
		Long: `Tree reads a JSON array of {"account", "allocation"} objects and prints the
root committing them. Pass - to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var balances []types.Balance
			if err := json.Unmarshal(raw, &balances); err != nil {
				return fmt.Errorf("decode balances: %w", err)
			}
			types.SortBalances(balances)
			for i := 1; i < len(balances); i++ {
				if balances[i].Account == balances[i-1].Account {
					return fmt.Errorf("duplicate account %s", balances[i].Account.Hex())
				}
			}
			total, overflow := types.TotalAllocation(balances)
			if overflow {
				return fmt.Errorf("allocations overflow uint256")
			}
			tree := merkle.NewBalanceTree(balances)
			out := treeOutput{Root: tree.HexRoot(), Accounts: len(balances), Total: total.Dec()}
			if withProofs {
				for _, b := range balances {
					proof, err := merkle.BalanceHexProof(tree, b)
					if err != nil {
						return err
					}
					out.Proofs = append(out.Proofs, treeProofJSON{Account: b.Account.Hex(), Allocation: b.Allocation.Dec(), Proof: proof})
				}
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&withProofs, "proofs", false, "include a proof for every account")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if strings.TrimSpace(path) == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return raw, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
