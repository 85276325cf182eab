package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/artpar/fusion/internal/core/domain"
	"github.com/artpar/fusion/internal/core/graph"
	"github.com/artpar/fusion/internal/shell/source"
	"github.com/artpar/fusion/internal/shell/store"
)

// cli carries the state shared by the subcommands of one invocation.
type cli struct {
	configPath string
	config     *Config
	logger     *slog.Logger
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "fusion",
		Short: "Search for faster groupings of functions into deployment units",
		Long: `fusion scores the live grouping of functions into deployment units from
recent execution metrics, records it, and proposes the next grouping to try.
Proposals are published to object storage and handed to a deployment trigger.`,
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file path")

	root.AddCommand(c.newRunCommand())
	root.AddCommand(c.newServeCommand())
	root.AddCommand(c.newHistoryCommand())
	root.AddCommand(c.newValidateCommand())
	root.AddCommand(c.newRecordCommand())

	return root
}

func (c *cli) load() error {
	cfg, err := LoadConfig(c.configPath)
	if err != nil {
		return &ServerError{Op: "LoadConfig", Err: err, ExitCode: ExitConfigError}
	}
	c.config = cfg
	c.logger = SetupLogger(cfg)
	return nil
}

// =============================================================================
// run
// =============================================================================

func (c *cli) newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Perform one optimization run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(c.config, c.logger)
			if err != nil {
				return err
			}
			defer app.Close()

			result, runErr := app.service.Run(cmd.Context())
			if result != nil {
				if err := writeJSON(c.stdout, result); err != nil {
					return err
				}
			}
			if runErr != nil {
				return &ServerError{Op: "Run", Err: runErr, ExitCode: ExitRunFailed}
			}
			return nil
		},
	}
}

// =============================================================================
// serve
// =============================================================================

func (c *cli) newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the run trigger and history over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.logger.Info("starting fusion", "version", Version, "config", c.configPath)

			app, err := NewApp(c.config, c.logger)
			if err != nil {
				return err
			}
			return NewServer(app, c.logger).Start(cmd.Context())
		},
	}
}

// =============================================================================
// history
// =============================================================================

func (c *cli) newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
		kind   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded configurations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recordKind := domain.RecordKind(kind)
			switch recordKind {
			case "", domain.RecordObserved, domain.RecordProposed:
			default:
				return fmt.Errorf("unknown kind %q: want %s or %s", kind, domain.RecordObserved, domain.RecordProposed)
			}

			s, err := OpenStore(c.config)
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.ListConfigurations(cmd.Context(), store.ListOptions{
				Limit:  limit,
				Offset: offset,
				Kind:   recordKind,
			}.Normalize())
			if err != nil {
				return &ServerError{Op: "ListConfigurations", Err: err, ExitCode: ExitDatabaseError}
			}

			if asJSON {
				return writeJSON(c.stdout, records)
			}
			return writeHistoryTable(c.stdout, records)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	cmd.Flags().StringVar(&kind, "kind", "", "only list observed or proposed records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")

	return cmd
}

func writeHistoryTable(w io.Writer, records []domain.ScoredConfiguration) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSCORE\tSTAGE\tCREATED\tUNITS")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.Kind,
			formatScore(rec),
			orDash(rec.Stage),
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			formatGroups(rec.Canonical.Groups()),
		)
	}
	return tw.Flush()
}

func formatScore(rec domain.ScoredConfiguration) string {
	if rec.Errored || rec.AverageDuration == nil {
		return "errored"
	}
	return strconv.FormatFloat(*rec.AverageDuration, 'f', 1, 64)
}

func formatGroups(groups [][]string) string {
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = "[" + strings.Join(g, " ") + "]"
	}
	return strings.Join(parts, " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// =============================================================================
// validate
// =============================================================================

var errInvalidConfiguration = errors.New("configuration violates the dependency graph")

func (c *cli) newValidateCommand() *cobra.Command {
	var (
		configurationPath string
		graphPath         string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file against a dependency graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(configurationPath)
			if err != nil {
				return fmt.Errorf("read configuration: %w", err)
			}
			config, err := source.DecodeConfiguration(data)
			if err != nil {
				return err
			}

			var g graph.Graph
			if graphPath != "" {
				data, err := os.ReadFile(graphPath)
				if err != nil {
					return fmt.Errorf("read graph: %w", err)
				}
				g, err = source.DecodeGraph(data)
				if err != nil {
					return err
				}
			}

			violations := config.Violations(g)
			fmt.Fprintf(c.stdout, "%d units, %d functions\n", len(config), len(config.Functions()))
			for _, v := range violations {
				fmt.Fprintf(c.stdout, "violation: %s\n", v)
			}
			if len(violations) > 0 {
				return fmt.Errorf("%w: %d violations", errInvalidConfiguration, len(violations))
			}
			fmt.Fprintln(c.stdout, "ok")
			return nil
		},
	}

	cmd.Flags().StringVar(&configurationPath, "configuration", "", "configuration JSON file")
	cmd.Flags().StringVar(&graphPath, "graph", "", "dependency graph file (JSON or YAML)")
	_ = cmd.MarkFlagRequired("configuration")

	return cmd
}

// =============================================================================
// record
// =============================================================================

func (c *cli) newRecordCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Store a batch of execution metrics",
		Long: `record reads a JSON array of executions, each {"duration", "error",
"starttime"}, and stores them in one transaction. Use --file - for stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("read executions: %w", err)
				}
				defer f.Close()
				r = f
			}

			var recs []domain.ExecutionRecord
			if err := json.NewDecoder(r).Decode(&recs); err != nil {
				return fmt.Errorf("decode executions: %w", err)
			}
			if len(recs) == 0 {
				return errors.New("no executions to record")
			}

			s, err := OpenStore(c.config)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := store.RecordExecutions(cmd.Context(), s, recs); err != nil {
				if errors.Is(err, domain.ErrInvalidExecution) {
					return err
				}
				return &ServerError{Op: "RecordExecutions", Err: err, ExitCode: ExitDatabaseError}
			}

			c.logger.Info("executions recorded", "count", len(recs))
			fmt.Fprintf(c.stdout, "recorded %d executions\n", len(recs))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "executions JSON file")

	return cmd
}

// =============================================================================
// Output
// =============================================================================

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
