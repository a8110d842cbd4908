package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/seeker/internal/config"
	"github.com/andresmejia3/seeker/internal/replay"
	"github.com/andresmejia3/seeker/internal/store"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	// DB is the archive connection shared by the archive subcommands
	DB *store.Store
	// dbURL is the connection string from --db
	dbURL string

	assumeYes bool
)

const defaultDatabaseURL = "postgres://localhost:5432/seeker"

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Manage recorded telemetry logs in PostgreSQL",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setup(cmd, args); err != nil {
			return err
		}
		var err error
		DB, err = store.New(cmd.Context(), resolveDatabaseURL(dbURL, cfg.Archive, os.Getenv))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// The command context may already be cancelled.
			DB.Close(context.Background())
		}
	},
}

// resolveDatabaseURL picks the connection string: --db, then DATABASE_URL or
// the config file, then POSTGRES_* variables, then a local default.
func resolveDatabaseURL(flag string, ac config.ArchiveConfig, getenv func(string) string) string {
	if flag != "" {
		return flag
	}
	if ac.DatabaseURL != "" {
		return ac.DatabaseURL
	}
	if host := getenv("POSTGRES_HOST"); host != "" {
		port := getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
	}
	return defaultDatabaseURL
}

var archiveImportCmd = &cobra.Command{
	Use:   "import <log.csv>...",
	Short: "Import recorded telemetry logs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bar := progressbar.NewOptions(len(args),
			progressbar.OptionSetDescription("📥 Importing"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
		var errs []error
		for _, path := range args {
			id, n, err := importLog(cmd.Context(), path)
			bar.Add(1)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
				continue
			}
			logger.Info("imported", "file", path, "id", id, "records", n)
		}
		bar.Finish()
		fmt.Fprintln(os.Stderr)
		return errors.Join(errs...)
	},
}

func importLog(ctx context.Context, path string) (string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	records, err := replay.LoadCSV(f)
	if err != nil {
		return "", 0, err
	}
	id, err := DB.ImportLog(ctx, filepath.Base(path), records)
	return id, len(records), err
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		logs, err := DB.ListLogs(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list logs: %w", err)
		}
		printLogs(os.Stdout, logs)
		return nil
	},
}

func printLogs(out io.Writer, logs []store.FlightLog) {
	if len(logs) == 0 {
		fmt.Fprintln(out, "No logs found in the archive.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tRECORDS\tIMPORTED")
	fmt.Fprintln(w, "--\t------\t-------\t--------")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", l.ID, l.Source, l.RecordCount, l.ImportedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

var archiveDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an archived log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := DB.DeleteLog(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to delete %s: %w", args[0], err)
		}
		fmt.Printf("🗑️  Deleted log %s\n", args[0])
		return nil
	},
}

var archiveResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all archive tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !assumeYes && !confirm(bufio.NewReader(os.Stdin), "⚠️  Are you sure you want to DROP all archive tables?") {
			fmt.Println("Aborted.")
			return nil
		}
		fmt.Println("🗑️  Clearing archive...")
		if err := DB.Reset(cmd.Context()); err != nil {
			return fmt.Errorf("failed to reset database: %w", err)
		}
		fmt.Println("✨ Archive reset complete.")
		return nil
	},
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func init() {
	archiveCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: "+defaultDatabaseURL+")")
	archiveResetCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask for confirmation")

	archiveCmd.AddCommand(archiveImportCmd, archiveListCmd, archiveDeleteCmd, archiveResetCmd)
	rootCmd.AddCommand(archiveCmd)
}
