package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/tumorboard/internal/ai"
	"github.com/seanblong/tumorboard/internal/config"
	"github.com/seanblong/tumorboard/internal/indexer"
	"github.com/seanblong/tumorboard/internal/store"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("tumorboard-embed", pflag.ExitOnError)
	outDir := fs.String("out-dir", "", "Directory for embedded collections (default: next to the input)")
	force := fs.Bool("force", false, "Re-embed records that already carry an embedding")
	sync := fs.Bool("sync", false, "Mirror embedded collections into Postgres")
	workers := fs.Int("workers", 0, "Concurrent embedding requests (default: number of CPUs, at most 8)")
	asJSON := fs.Bool("json", false, "Print results as JSON")

	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: embed [flags] <collection.json|dir>...")
		cfg.Usage()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s': %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	log.Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	paths := fs.Args()
	if len(paths) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid provider")
	}
	client, err := ai.NewClient(clientConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create AI client")
	}
	log.Info().Str("provider", string(clientConfig.Provider)).Int("embedding_dim", client.Dim()).Msg("AI client initialized")
	if client.Dim() == 0 {
		log.Fatal().Msg("embedding dimension must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ix := indexer.New(client, nil)
	if *sync {
		st, err := store.New(ctx, cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer st.Close()
		if err := st.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("database unreachable")
		}
		ix.Store = st
	}
	ix.OutDir = *outDir
	ix.Force = *force
	ix.Workers = *workers
	ix.Sources = cfg.SourceLabels()

	results, err := ix.Run(ctx, paths...)
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(results); encErr != nil {
			log.Error().Err(encErr).Msg("failed to encode results")
		}
	} else {
		for _, r := range results {
			fmt.Printf("%s -> %s (%d records, %d embedded, %d kept, %d labelled)\n", r.Input, r.Output, r.Records, r.Embedded, r.Skipped, r.Labelled)
		}
	}
	if err != nil {
		stop()
		log.Fatal().Err(err).Msg("embedding failed")
	}
}
