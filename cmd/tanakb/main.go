// Package main provides the tanakb CLI entry point: thin wrappers over the
// embeddable engine's migrate/ingest/inspect/benchmark operations. Per the
// engine's own scope, query/traversal/search internals are not exposed as
// standalone subcommands here — embedders reach those through the Go API.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lisaross/tana-local-kb-sub000"
	"github.com/lisaross/tana-local-kb-sub000/internal/config"
	"github.com/lisaross/tana-local-kb-sub000/internal/ingest"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "tanakb",
		Short: "tanakb - embedded knowledge-graph ingest and storage engine",
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tanakb v%s\n", version)
		},
	})

	migrateCmd := &cobra.Command{
		Use:   "migrate [db-path]",
		Short: "Apply pending schema migrations",
		Args:  cobra.ExactArgs(1),
		RunE:  runMigrate,
	}
	rootCmd.AddCommand(migrateCmd)

	ingestCmd := &cobra.Command{
		Use:   "ingest [db-path] [json-file]",
		Short: "Ingest a Tana-shaped JSON export",
		Args:  cobra.ExactArgs(2),
		RunE:  runIngest,
	}
	ingestCmd.Flags().Bool("continue-on-error", false, "keep going past malformed records")
	ingestCmd.Flags().Bool("skip-system-nodes", false, "drop system nodes from the import")
	ingestCmd.Flags().Int("batch-size", 500, "records per write batch")
	rootCmd.AddCommand(ingestCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect [db-path]",
		Short: "Print schema version history and validate graph integrity",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	rootCmd.AddCommand(inspectCmd)

	benchmarkCmd := &cobra.Command{
		Use:   "benchmark [db-path] [json-file]",
		Short: "Time an ingest run against a scratch database",
		Args:  cobra.ExactArgs(2),
		RunE:  runBenchmark,
	}
	rootCmd.AddCommand(benchmarkCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	eng, err := tanakb.Open(ctx, args[0], config.Default())
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	history, err := eng.MigrationHistory(ctx)
	if err != nil {
		return err
	}
	for _, h := range history {
		fmt.Printf("%3d  %-28s  %s\n", h.Version, h.Description, h.AppliedAt.Format(time.RFC3339))
	}
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	eng, err := tanakb.Open(ctx, args[0], config.Default())
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	continueOnError, _ := cmd.Flags().GetBool("continue-on-error")
	skipSystem, _ := cmd.Flags().GetBool("skip-system-nodes")
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	opts := ingest.Options{IngestConfig: config.DefaultIngestConfig()}
	opts.ContinueOnError = continueOnError
	opts.SkipSystemNodes = skipSystem
	opts.BatchSize = batchSize
	opts.OnProgress = func(p ingest.Progress) {
		fmt.Printf("\rprocessed=%d errors=%d", p.Processed, p.Errors)
	}

	jsonPath := args[1]
	result, err := eng.Ingest.Run(ctx, fileReader(jsonPath), opts)
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("nodes=%d references=%d errors=%d import=%s\n", result.NodesCreated, result.ReferencesMade, len(result.Errors), result.ImportID)
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	eng, err := tanakb.Open(ctx, args[0], config.Default())
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	history, err := eng.MigrationHistory(ctx)
	if err != nil {
		return err
	}
	for _, h := range history {
		fmt.Printf("%3d  %-28s  %s\n", h.Version, h.Description, h.AppliedAt.Format(time.RFC3339))
	}

	issues, err := eng.Query.ValidateIntegrity(ctx)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		fmt.Println("integrity: ok")
		return nil
	}
	for _, iss := range issues {
		fmt.Printf("%-12s %-20s %s\n", iss.Kind, iss.EntityID, iss.Detail)
	}
	return nil
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	eng, err := tanakb.Open(ctx, args[0], config.Default())
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	start := time.Now()
	result, err := eng.Ingest.Run(ctx, fileReader(args[1]), ingest.Options{IngestConfig: config.DefaultIngestConfig()})
	elapsed := time.Since(start)
	if err != nil {
		return err
	}
	fmt.Printf("nodes=%d in %s (%.0f nodes/s)\n", result.NodesCreated, elapsed, float64(result.NodesCreated)/elapsed.Seconds())
	return nil
}

// fileReader returns a makeReader closure the ingest pipeline can call more
// than once (once to hash/count, once to load), each call opening a fresh
// handle on path.
func fileReader(path string) func() (io.Reader, error) {
	return func() (io.Reader, error) {
		return os.Open(path)
	}
}
