// Command ledgerctl inspects and audits a proofmint submission ledger.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	ledgerPath  string
	postgresDSN string
	verbose     bool

	log = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Inspect and audit the submission ledger",
	Long: `ledgerctl reads the submission ledger of a proofmint service.

The ledger is read from a JSON-lines file (--ledger) or from PostgreSQL
(--postgres-dsn or POSTGRES_DSN). Reads never modify the ledger.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetOutput(cmd.ErrOrStderr())
		if verbose {
			log.SetLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "data/ledger.jsonl", "Path to the JSON-lines ledger file")
	rootCmd.PersistentFlags().StringVar(&postgresDSN, "postgres-dsn", os.Getenv("POSTGRES_DSN"), "Read the ledger from PostgreSQL instead of a file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(listCmd, verifyCmd, reportCmd, exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
