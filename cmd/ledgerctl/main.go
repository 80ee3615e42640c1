package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/ChainLedger/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	cfgFile      string
	outputFormat string
	timeout      time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Command-line client for the hash-chained ledger",
	Long: `ledgerctl appends entries, reads them back, verifies chain integrity and
manages snapshots on a ledgerd server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.ledgerctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("LEDGERCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.ledgerctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ledgerd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text or json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall request timeout")

	rootCmd.AddCommand(appendCmd, getCmd, verifyCmd, snapshotCmd, versionCmd)
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotLatestCmd, snapshotExportCmd)
}

func newClient() (*client.Client, error) {
	return client.New(serverURL)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendChain    string
	appendCurrency string
	appendDesc     string
	appendKey      string
)

var appendCmd = &cobra.Command{
	Use:   "append <credit|debit|adjustment> <amount>",
	Short: "Append an entry to a chain",
	Long: `Append records one entry. Amounts are decimal strings:

  ledgerctl append credit 100.00 --chain acct-1 --currency MXN --key deposit-42

With --key, a busy chain is retried and repeating the command returns the
original entry instead of recording it twice.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		e, err := c.Append(ctx, client.AppendRequest{
			ChainID:        appendChain,
			EntryType:      args[0],
			Amount:         args[1],
			Currency:       appendCurrency,
			Description:    appendDesc,
			IdempotencyKey: appendKey,
		})
		if err != nil {
			return err
		}
		return printEntry(cmd.OutOrStdout(), e)
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendChain, "chain", "", "Chain ID (server default chain when empty)")
	appendCmd.Flags().StringVar(&appendCurrency, "currency", "", "ISO 4217 currency code (server base currency when empty)")
	appendCmd.Flags().StringVar(&appendDesc, "description", "", "Free-text description")
	appendCmd.Flags().StringVar(&appendKey, "key", "", "Idempotency key")
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <chain> <sequence>",
	Short: "Show one entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sequence %q: %w", args[1], err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		e, err := c.GetEntry(ctx, args[0], seq)
		if err != nil {
			return err
		}
		return printEntry(cmd.OutOrStdout(), e)
	},
}

func printEntry(w io.Writer, e *client.Entry) error {
	if outputFormat == "json" {
		return printJSON(w, e)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "CHAIN\t%s\n", e.ChainID)
	fmt.Fprintf(tw, "SEQUENCE\t%d\n", e.SequenceNumber)
	fmt.Fprintf(tw, "TYPE\t%s\n", e.EntryType)
	fmt.Fprintf(tw, "AMOUNT\t%s %s\n", e.Amount, e.Currency)
	fmt.Fprintf(tw, "BALANCE AFTER\t%s %s\n", e.BalanceAfter, e.Currency)
	fmt.Fprintf(tw, "DESCRIPTION\t%s\n", e.Description)
	fmt.Fprintf(tw, "CREATED\t%s\n", e.CreatedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(tw, "PREVIOUS HASH\t%s\n", e.PreviousHash)
	fmt.Fprintf(tw, "ENTRY HASH\t%s\n", e.EntryHash)
	if e.Replayed {
		fmt.Fprintf(tw, "REPLAYED\tyes\n")
	}
	return tw.Flush()
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyFrom int64
	verifyTo   int64
)

// errChainBroken makes ledgerctl exit non-zero on a failed verification.
var errChainBroken = errors.New("chain verification failed")

var verifyCmd = &cobra.Command{
	Use:   "verify <chain>",
	Short: "Verify a chain's hash links",
	Long: `Verify recomputes every hash in the range and checks the links between
entries. Without --from it resumes from the latest snapshot; --from 1 forces
a walk from genesis. Exits non-zero if the chain is broken.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var from, to *int64
		if cmd.Flags().Changed("from") {
			from = &verifyFrom
		}
		if cmd.Flags().Changed("to") {
			to = &verifyTo
		}
		res, err := c.Verify(ctx, args[0], from, to)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputFormat == "json" {
			if err := printJSON(out, res); err != nil {
				return err
			}
		} else if res.Valid {
			fmt.Fprintf(out, "OK  %s: %d entries verified (%d..%d)\n", res.ChainID, res.EntriesVerified, res.FromSequence, res.ToSequence)
		} else {
			fmt.Fprintf(out, "BROKEN  %s: first break at %d (%s)\n", res.ChainID, derefOr(res.FirstBreakAt, 0), res.Reason)
		}
		if !res.Valid {
			return errChainBroken
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().Int64Var(&verifyFrom, "from", 1, "First sequence to verify")
	verifyCmd.Flags().Int64Var(&verifyTo, "to", 0, "Last sequence to verify (default tip)")
}

func derefOr(p *int64, def int64) int64 {
	if p == nil {
		return def
	}
	return *p
}

// ── snapshot ─────────────────────────────────────────────────────────────────

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create, show and export snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <chain>",
	Short: "Checkpoint a chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, created, err := c.CreateSnapshot(ctx, args[0])
		if err != nil {
			return err
		}
		if !created && outputFormat != "json" {
			fmt.Fprintln(cmd.OutOrStdout(), "no new entries since the latest snapshot")
		}
		return printSnapshot(cmd.OutOrStdout(), s)
	},
}

var snapshotLatestCmd = &cobra.Command{
	Use:   "latest <chain>",
	Short: "Show the latest snapshot of a chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, err := c.LatestSnapshot(ctx, args[0])
		if err != nil {
			return err
		}
		return printSnapshot(cmd.OutOrStdout(), s)
	},
}

var exportFormat string

var snapshotExportCmd = &cobra.Command{
	Use:   "export <chain>",
	Short: "Write the latest snapshot archive to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return c.ExportSnapshot(ctx, args[0], exportFormat, cmd.OutOrStdout())
	},
}

func init() {
	snapshotExportCmd.Flags().StringVar(&exportFormat, "format", client.FormatJSON, "Archive format: json or toml")
}

func printSnapshot(w io.Writer, s *client.Snapshot) error {
	if outputFormat == "json" {
		return printJSON(w, s)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "CHAIN\t%s\n", s.ChainID)
	fmt.Fprintf(tw, "SNAPSHOT\t%s\n", s.ID)
	fmt.Fprintf(tw, "AT SEQUENCE\t%d (marker %d)\n", s.AtSequence, s.MarkerSequence)
	fmt.Fprintf(tw, "CUMULATIVE HASH\t%s\n", s.CumulativeHash)
	fmt.Fprintf(tw, "CREATED\t%s by %s\n", s.CreatedAt.Format(time.RFC3339), s.CreatedBy)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "CURRENCY\tNET\tIN\tOUT\tENTRIES")

	codes := s.Currencies
	if len(codes) == 0 {
		for code := range s.Balances {
			codes = append(codes, code)
		}
		sort.Strings(codes)
	}
	for _, code := range codes {
		b := s.Balances[code]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", code, b.Net, b.TotalIn, b.TotalOut, b.Entries)
	}
	return tw.Flush()
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ledgerctl %s\n", version)
	},
}
