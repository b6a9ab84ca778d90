package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentdb/agentdb/pkg/agentdb"
	"github.com/agentdb/agentdb/pkg/core"
)

var (
	dbPath     string
	dimensions int
	metricName string
)

var rootCmd = &cobra.Command{
	Use:   "agentdbctl",
	Short: "Operations CLI for AgentDB vector databases",
	Long:  `Non-interactive maintenance and inspection commands for an AgentDB database file.`,
}

func openDB(ctx context.Context) (*agentdb.Db, error) {
	metric, err := core.ParseMetric(metricName)
	if err != nil {
		return nil, fmt.Errorf("unknown metric %q", metricName)
	}
	cfg := core.DefaultConfig(dbPath, dimensions)
	cfg.Metric = metric
	cfg.HNSW.Metric = metric
	db, err := agentdb.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a database file and apply the current schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Printf("Database initialized at %s (dimension %d)\n", dbPath, dimensions)
		return nil
	},
}

var insertCmd = &cobra.Command{
	Use:   "insert [id]",
	Short: "Insert a vector record",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		metadataStr, _ := cmd.Flags().GetString("metadata")
		if vectorStr == "" {
			return fmt.Errorf("--vector is required")
		}
		var vector []float32
		for _, part := range strings.Split(vectorStr, ",") {
			val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
			if err != nil {
				return fmt.Errorf("invalid vector component %q: %w", part, err)
			}
			vector = append(vector, float32(val))
		}
		var metadata map[string]string
		if metadataStr != "" {
			if err := json.Unmarshal([]byte(metadataStr), &metadata); err != nil {
				return fmt.Errorf("invalid metadata JSON: %w", err)
			}
		}

		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		rec := &core.VectorRecord{Embedding: vector, Metadata: metadata}
		if len(args) == 1 {
			rec.ID = args[0]
		}
		id, err := db.Insert(cmd.Context(), rec)
		if err != nil {
			return err
		}
		fmt.Printf("Inserted %s\n", id)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run a similarity search",
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		k, _ := cmd.Flags().GetInt("k")
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		if vectorStr == "" {
			return fmt.Errorf("--vector is required")
		}
		var query []float32
		for _, part := range strings.Split(vectorStr, ",") {
			val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
			if err != nil {
				return fmt.Errorf("invalid vector component %q: %w", part, err)
			}
			query = append(query, float32(val))
		}

		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		metric, _ := core.ParseMetric(metricName)
		results, err := db.Search(cmd.Context(), query, k, metric, threshold, nil)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%s\t%.6f\n", r.ID, r.Score)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a vector record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		if _, err := db.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print record counts, index state, and cache/search counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		st, err := db.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("records: %d\n", st.Count)
		fmt.Printf("cache entries: %d (hit ratio %.2f)\n", st.CacheEntries, st.CacheHitRatio)
		printFlatMap("index", st.IndexStats)
		printFlatMap("metrics", st.Metrics)
		return nil
	},
}

func printFlatMap(prefix string, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s.%s: %v\n", prefix, k, m[k])
	}
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact the HNSW graph and vacuum the database file",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		db.Index().Compact()
		if _, err := db.Store().DB().ExecContext(cmd.Context(), "VACUUM"); err != nil {
			return fmt.Errorf("vacuum failed: %w", err)
		}
		if _, err := db.Store().DB().ExecContext(cmd.Context(), "ANALYZE"); err != nil {
			return fmt.Errorf("analyze failed: %w", err)
		}
		fmt.Println("Compaction complete")
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Rebuild the HNSW index from stored vectors",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.ClearIndex(cmd.Context()); err != nil {
			return err
		}
		if err := db.BuildIndex(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Index rebuilt")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "agentdb.db", "path to the database file")
	rootCmd.PersistentFlags().IntVar(&dimensions, "dimensions", 0, "embedding dimension (0 = auto-detect)")
	rootCmd.PersistentFlags().StringVar(&metricName, "metric", "cosine", "distance metric: cosine, euclidean, dot")

	insertCmd.Flags().String("vector", "", "comma-separated vector components")
	insertCmd.Flags().String("metadata", "", "metadata as a JSON object")
	searchCmd.Flags().String("vector", "", "comma-separated query vector")
	searchCmd.Flags().Int("k", 10, "number of results")
	searchCmd.Flags().Float64("threshold", 0, "minimum similarity score")

	rootCmd.AddCommand(initCmd, insertCmd, searchCmd, deleteCmd, statsCmd, compactCmd, rebuildCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
