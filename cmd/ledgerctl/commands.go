package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"proofmint/internal/domain"
	"proofmint/internal/storage"
	chstore "proofmint/internal/storage/clickhouse"
	"proofmint/internal/storage/filelog"
	"proofmint/internal/storage/migrations"
	pgstore "proofmint/internal/storage/postgres"
	"proofmint/internal/reporting"
	"proofmint/internal/verification"
)

var (
	listWallet string
	listJSON   bool

	verifyCooldown time.Duration

	exportDSN       string
	exportBatchSize int

	reportFormat string
	reportFrom   string
	reportTo     string
	reportDSN    string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print ledger records",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, closeFn, err := loadRecords(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		return printRecords(cmd.OutOrStdout(), filterWallet(records, listWallet), listJSON)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check ledger invariants",
	Long: `Check that every record is well formed, record ids are unique, no
fingerprint was minted twice and MINTED records of one wallet respect the
cooldown. Exits non-zero when a violation is found.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, closeFn, err := loadRecords(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		report := verification.Check(records, verifyCooldown)
		printReport(cmd.OutOrStdout(), report)
		if !report.OK() {
			return fmt.Errorf("%d violation(s) found", len(report.Violations))
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export-clickhouse",
	Short: "Mirror the ledger into the ClickHouse audit table",
	Long: `Copy every ledger record into ClickHouse. Records already present are
skipped, so the export can be re-run after a partial failure.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportDSN == "" {
			return errors.New("--clickhouse-dsn (or CLICKHOUSE_DSN) is required")
		}
		records, closeFn, err := loadRecords(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		conn, err := migrations.RunClickhouseMigrations(cmd.Context(), exportDSN, log)
		if err != nil {
			return err
		}
		defer conn.Close()

		n, err := exportRecords(cmd.Context(), chstore.NewAuditStore(conn), records, exportBatchSize)
		log.WithField("records", n).Info("Export finished")
		return err
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize outcomes per day",
	Long: `Summarize submissions per UTC day, outcome and reason. Rows are computed
from the ledger, or read from the ClickHouse rollup view when --clickhouse-dsn
is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseDay(reportFrom)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		to, err := parseDay(reportTo)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}

		var (
			rows   []domain.OutcomeRollup
			source string
		)
		if reportDSN != "" {
			conn, err := chstore.NewConn(cmd.Context(), reportDSN)
			if err != nil {
				return err
			}
			defer conn.Close()
			if rows, err = chstore.NewOutcomeRollupStore(conn).Range(cmd.Context(), from, to); err != nil {
				return err
			}
			source = "clickhouse"
		} else {
			records, closeFn, err := loadRecords(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			rows = reporting.Rollup(records)
			source = "ledger"
		}

		report := reporting.Build(rows, from, to, source, time.Now())
		switch reportFormat {
		case "markdown", "md":
			_, err = io.WriteString(cmd.OutOrStdout(), reporting.RenderMarkdown(report))
		case "csv":
			var out string
			if out, err = reporting.RenderCSV(report); err == nil {
				_, err = io.WriteString(cmd.OutOrStdout(), out)
			}
		default:
			err = fmt.Errorf("unknown --format %q (markdown or csv)", reportFormat)
		}
		return err
	},
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

func init() {
	listCmd.Flags().StringVar(&listWallet, "wallet", "", "Only records for this wallet (case-insensitive)")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print JSON lines instead of a table")

	verifyCmd.Flags().DurationVar(&verifyCooldown, "cooldown", 0, "Minimum spacing between mints of one wallet (0 skips the check)")

	exportCmd.Flags().StringVar(&exportDSN, "clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse DSN")
	exportCmd.Flags().IntVar(&exportBatchSize, "batch-size", 500, "Records per insert batch")

	reportCmd.Flags().StringVar(&reportFormat, "format", "markdown", "Output format: markdown or csv")
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "First day, YYYY-MM-DD (inclusive)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "Last day, YYYY-MM-DD (inclusive)")
	reportCmd.Flags().StringVar(&reportDSN, "clickhouse-dsn", "", "Read the rollup from ClickHouse instead of the ledger")
}

// loadRecords reads the whole ledger in append order.
func loadRecords(ctx context.Context) ([]*domain.SubmissionRecord, func(), error) {
	if postgresDSN == "" {
		records, err := filelog.ReadRecords(ledgerPath)
		if err != nil {
			return nil, nil, err
		}
		log.WithFields(logrus.Fields{"path": ledgerPath, "records": len(records)}).Debug("Ledger file loaded")
		return records, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN, pgstore.PoolOptions{MaxConns: 2})
	if err != nil {
		return nil, nil, err
	}
	records, err := pgstore.NewLedgerStore(pool).List(ctx)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return records, pool.Close, nil
}

func filterWallet(records []*domain.SubmissionRecord, wallet string) []*domain.SubmissionRecord {
	if wallet == "" {
		return records
	}
	var out []*domain.SubmissionRecord
	for _, r := range records {
		if strings.EqualFold(r.WalletAddress, wallet) {
			out = append(out, r)
		}
	}
	return out
}

func printRecords(w io.Writer, records []*domain.SubmissionRecord, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSUBMITTED_AT\tWALLET\tOUTCOME\tAMOUNT\tREASON\tTX")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.SubmittedAt.UTC().Format(time.RFC3339), r.WalletAddress,
			r.Outcome, r.Amount.String(), r.Reason, r.TxRef)
	}
	return tw.Flush()
}

func printReport(w io.Writer, report *verification.VerificationReport) {
	fmt.Fprintf(w, "records:  %d (%d minted, %d rejected)\n", report.TotalRecords, report.MintedRecords, report.RejectedRecords)
	fmt.Fprintf(w, "wallets:  %d\n", report.Wallets)
	fmt.Fprintf(w, "minted:   %s tokens\n", report.TokensMinted.String())
	if report.OK() {
		fmt.Fprintln(w, "status:   OK")
		return
	}
	fmt.Fprintf(w, "status:   %d violation(s)\n", len(report.Violations))
	for _, v := range report.Violations {
		fmt.Fprintf(w, "  %-20s %-40s %s\n", v.Rule, v.RecordID, v.Detail)
	}
}

// exportRecords inserts in batches. A batch that hits an already exported id
// is retried one record at a time, skipping the duplicates.
func exportRecords(ctx context.Context, store storage.AuditStore, records []*domain.SubmissionRecord, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	exported := 0
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		err := store.InsertBulk(ctx, batch)
		if err == nil {
			exported += len(batch)
			continue
		}
		if !errors.Is(err, storage.ErrDuplicateKey) {
			return exported, fmt.Errorf("insert batch at %d: %w", start, err)
		}

		for _, r := range batch {
			switch err := store.Insert(ctx, r); {
			case err == nil:
				exported++
			case errors.Is(err, storage.ErrDuplicateKey):
				log.WithField("id", r.ID).Debug("Already exported")
			default:
				return exported, fmt.Errorf("insert %s: %w", r.ID, err)
			}
		}
	}
	return exported, nil
}
