// Command mnemosyne-maint runs maintenance operations against a memory core
// data directory: inspect index health, repair drift between the record
// store and the vector index, and clear data.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/storyloom/mnemosyne/internal/cache"
	"github.com/storyloom/mnemosyne/internal/config"
	"github.com/storyloom/mnemosyne/internal/engine"
	"github.com/storyloom/mnemosyne/internal/index"
	"github.com/storyloom/mnemosyne/internal/llm"
	"github.com/storyloom/mnemosyne/internal/rerank"
	"github.com/storyloom/mnemosyne/internal/resolve"
	"github.com/storyloom/mnemosyne/internal/storage"
	"github.com/storyloom/mnemosyne/internal/storage/postgres"
	"github.com/storyloom/mnemosyne/internal/storage/sqlite"
	"github.com/storyloom/mnemosyne/pkg/types"
)

var (
	dataPath      = flag.String("data", "", "Data directory (overrides config)")
	statsCmd      = flag.Bool("stats", false, "Print index statistics and exit")
	detectCmd     = flag.Bool("detect-unmapped", false, "Report unmapped index slots and exit")
	cleanCmd      = flag.Bool("clean-unmapped", false, "Compact unmapped slots out of the index and exit")
	rebuildCmd    = flag.Bool("rebuild-mappings", false, "Rebuild per-kind index lookups and exit")
	orphansCmd    = flag.Bool("detect-orphans", false, "Report stored records missing from the index and exit")
	reindexCmd    = flag.Bool("reindex-orphans", false, "Reinsert orphaned records into the index and exit")
	clearKindFlag = flag.String("clear-kind", "", "Delete all records of one kind (lore_entry or extracted_knowledge) and exit")
	clearAllCmd   = flag.Bool("clear-all", false, "Delete all records, vectors, and turn journals and exit")
	deleteEntity  = flag.String("delete-entity", "", "Delete one record (and its vector) by id and exit")
	confirmFlag   = flag.Bool("yes", false, "Confirm destructive operations")
	searchQuery   = flag.String("search", "", "Run a retrieval query through the rerank pipeline and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dataPath != "" {
		cfg.Storage.DataPath = *dataPath
	}

	o, cleanup, err := buildOrchestrator(cfg)
	if err != nil {
		log.Fatalf("Failed to open data directory: %v", err)
	}
	defer cleanup()

	ctx := context.Background()

	switch {
	case *statsCmd:
		printStats(o)

	case *detectCmd:
		report := o.DetectUnmapped()
		fmt.Printf("Total slots:    %d\n", report.TotalSlots)
		fmt.Printf("Mapped:         %d\n", report.MappedCount)
		fmt.Printf("Unmapped slots: %v\n", report.UnmappedSlots)
		if len(report.UnmappedSlots) > 0 {
			os.Exit(1)
		}

	case *cleanCmd:
		n, err := o.CleanUnmapped()
		if err != nil {
			log.Fatalf("Failed to clean unmapped slots: %v", err)
		}
		fmt.Printf("Reclaimed %d slots\n", n)

	case *rebuildCmd:
		o.RebuildMappings()
		fmt.Println("Rebuilt per-kind mappings")

	case *orphansCmd:
		orphans, err := o.DetectOrphanRecords(ctx)
		if err != nil {
			log.Fatalf("Failed to detect orphans: %v", err)
		}
		if len(orphans) == 0 {
			fmt.Println("No orphaned records")
			return
		}
		for _, id := range orphans {
			fmt.Println(id)
		}
		os.Exit(1)

	case *reindexCmd:
		n, err := o.ReindexOrphans(ctx)
		if err != nil {
			log.Fatalf("Failed to reindex orphans: %v", err)
		}
		fmt.Printf("Reindexed %d records\n", n)

	case *clearKindFlag != "":
		kind, err := types.ParseEntryKind(*clearKindFlag)
		if err != nil {
			log.Fatalf("Invalid kind: %v", err)
		}
		requireConfirm()
		n, err := o.ClearKind(ctx, kind)
		if err != nil {
			log.Fatalf("Failed to clear kind: %v", err)
		}
		fmt.Printf("Deleted %d %s records\n", n, kind)

	case *clearAllCmd:
		requireConfirm()
		if err := o.ClearAll(ctx); err != nil {
			log.Fatalf("Failed to clear: %v", err)
		}
		fmt.Println("Deleted all records and vectors")

	case *deleteEntity != "":
		requireConfirm()
		if err := o.DeleteEntity(ctx, *deleteEntity); err != nil {
			log.Fatalf("Failed to delete entity: %v", err)
		}
		fmt.Printf("Deleted %s\n", *deleteEntity)

	case *searchQuery != "":
		results, err := o.Retrieve(ctx, *searchQuery, nil)
		if err != nil {
			log.Fatalf("Retrieval failed: %v", err)
		}
		for i, r := range results {
			fmt.Printf("%d. [%.3f] %s (%s) %s\n", i+1, r.Score, r.Entity.Name, r.Entity.ID, r.Entity.EntityType)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func requireConfirm() {
	if !*confirmFlag {
		log.Fatalf("Destructive operation requires -yes")
	}
}

func printStats(o *engine.Orchestrator) {
	stats := o.IndexStats()
	fmt.Printf("Dimension:     %d\n", stats.Dimension)
	fmt.Printf("Total vectors: %d\n", stats.TotalVectors)
	fmt.Printf("Mapped:        %d\n", stats.MappedCount)
	for kind, n := range stats.PerKindCounts {
		fmt.Printf("  %-22s %d\n", kind+":", n)
	}
}

func buildOrchestrator(cfg *config.Config) (*engine.Orchestrator, func(), error) {
	var store storage.EntityStore
	var err error
	switch cfg.Storage.Engine {
	case "postgres":
		store, err = postgres.NewEntityStore(cfg.Storage.PostgresDSN)
	default:
		if mkErr := os.MkdirAll(cfg.Storage.DataPath, 0o755); mkErr != nil {
			return nil, nil, mkErr
		}
		store, err = sqlite.NewEntityStore(filepath.Join(cfg.Storage.DataPath, "mnemosyne.db"))
	}
	if err != nil {
		return nil, nil, err
	}

	idx, err := index.NewStore(cfg.Index.EmbeddingDim)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	embedder, err := llm.NewEmbedder(cfg.LLM)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	embCache, err := cache.New(cfg.LLM.EmbeddingCacheSize)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	auxiliary, principal, err := llm.NewPairScorers(cfg.LLM)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	o, err := engine.New(engine.Config{
		Store:          store,
		Index:          idx,
		Cache:          embCache,
		Resolver:       resolve.NewResolver(cfg.LLM.MatchThreshold),
		Embedder:       embedder,
		Pipeline:       rerank.NewPipeline(auxiliary, principal, cfg.Retrieval.RerankKeep, cfg.Retrieval.FinalKeep),
		Provider:       cfg.LLM.Provider,
		SnapshotDir:    filepath.Join(cfg.Storage.DataPath, "index"),
		EmbedRetries:   cfg.LLM.EmbedMaxRetries,
		CandidateLimit: cfg.Retrieval.CandidateLimit,
		FinalKeep:      cfg.Retrieval.FinalKeep,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	return o, func() { store.Close() }, nil
}
