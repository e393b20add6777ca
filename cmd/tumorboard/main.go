package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/tumorboard/internal/board"
	"github.com/seanblong/tumorboard/internal/config"
	"github.com/seanblong/tumorboard/internal/prompt"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("tumorboard", pflag.ExitOnError)
	casePath := fs.String("case", "", "File holding the patient case ('-' reads stdin)")
	modeFlag := fs.String("mode", string(prompt.ModeRAGFull), "Board mode (simple|assistant|rag_full|rag_selected)")
	rewrite := fs.Bool("rewrite", false, "Standardise the case with the model before retrieval")
	k := fs.Int("k", 0, "Chunks to retrieve (overrides --top-k)")
	asJSON := fs.Bool("json", false, "Print the recommendation as JSON")

	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s': %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	log.Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	mode, err := prompt.ParseMode(*modeFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("bad --mode")
	}
	if fs.Changed("k") {
		if *k < 0 {
			log.Fatal().Int("k", *k).Msg("--k must be non-negative")
		}
		cfg.TopK = *k
	}
	caseText, err := readCase(*casePath, os.Stdin)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read case")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rt, err := board.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up board")
	}
	defer rt.Close()

	rec, err := rt.Board.Recommend(ctx, board.Request{CaseText: caseText, Mode: mode, Rewrite: *rewrite})
	if err != nil {
		rt.Close()
		log.Fatal().Err(err).Str("mode", string(mode)).Msg("board run failed")
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(rec)
	} else {
		err = render(os.Stdout, rec)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to write output")
	}
}

func readCase(path string, stdin io.Reader) (string, error) {
	var b []byte
	var err error
	switch path {
	case "":
		return "", fmt.Errorf("--case is required")
	case "-":
		b, err = io.ReadAll(stdin)
	default:
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", board.ErrEmptyCase
	}
	return text, nil
}

func render(w io.Writer, rec board.Recommendation) error {
	var sb strings.Builder
	if rec.Rewritten {
		sb.WriteString("=== Using rewritten case ===\n\n")
	}
	sb.WriteString("=== Patient Case ===\n")
	sb.WriteString(rec.CaseText + "\n")
	if rec.Mode.Retrieval() {
		sb.WriteString("\n=== Retrieved Guideline Chunks ===\n")
		for _, c := range rec.Chunks {
			fmt.Fprintf(&sb, "- Chunk %s | Score: %.4f\n", c.ChunkID, c.Score)
		}
	}
	fmt.Fprintf(&sb, "\n=== Board Output (%s) ===\n", rec.Mode)
	sb.WriteString(rec.Response + "\n")
	_, err := io.WriteString(w, sb.String())
	return err
}
