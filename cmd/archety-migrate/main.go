package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ha1tch/archety/pkg/storage"
)

type options struct {
	from      string
	fromOpts  map[string]string
	to        string
	toOpts    map[string]string
	chunkSize int
	verbose   bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "archety-migrate",
		Short: "Copy a graph from one storage backend to another",
		Long: `Copy every entity and relationship from one storage backend to another.

Handles are reassigned by the target store. Entities already present in the
target keep their attributes, and relationships that already exist are not
duplicated, so an interrupted migration can be re-run.

Example:
  archety-migrate --from jsonfile --from-opt data_dir=./data \
                  --to sqlite --to-opt db_path=./archety.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.from, "from", "", "source store type ("+strings.Join(storage.ListStores(), ", ")+")")
	flags.StringToStringVar(&opts.fromOpts, "from-opt", nil, "source store option key=value (db_path, data_dir, neo4j_uri, ...)")
	flags.StringVar(&opts.to, "to", "", "target store type")
	flags.StringToStringVar(&opts.toOpts, "to-opt", nil, "target store option key=value")
	flags.IntVar(&opts.chunkSize, "chunk-size", 10000, "entities or relationships per target transaction")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log every committed chunk")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")

	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	level := zerolog.InfoLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	if opts.chunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", opts.chunkSize)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger.Info().Str("type", opts.from).Msg("Opening source")
	source, err := storage.NewStore(opts.from, storeOptions(opts.fromOpts))
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer source.Close()

	logger.Info().Str("type", opts.to).Msg("Opening target")
	target, err := storage.NewStore(opts.to, storeOptions(opts.toOpts))
	if err != nil {
		return fmt.Errorf("open target: %w", err)
	}
	defer target.Close()

	m := &Migrator{ChunkSize: opts.chunkSize, Logger: logger}
	summary, err := m.Run(ctx, source, target)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nMigration summary:\n")
	fmt.Fprintf(out, "  Entities: %d read, %d created\n", summary.Entities, summary.EntitiesCreated)
	fmt.Fprintf(out, "  Relationships: %d read, %d created, %d skipped\n",
		summary.Edges, summary.EdgesCreated, summary.EdgesSkipped)
	fmt.Fprintf(out, "  Duration: %s\n", summary.Duration.Round(time.Millisecond))
	return nil
}

// storeOptions converts --from-opt / --to-opt pairs into factory options.
// "true" and "false" become booleans for switches like in_memory.
func storeOptions(raw map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		switch strings.ToLower(v) {
		case "true":
			out[k] = true
		case "false":
			out[k] = false
		default:
			out[k] = v
		}
	}
	return out
}
