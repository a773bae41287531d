// Das search-Kommando führt eine einzelne Pipeline-Suche von der
// Kommandozeile aus und schreibt das Ergebnis als JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"omics-oracle/cache"
	"omics-oracle/config"
	"omics-oracle/providers"
	"omics-oracle/providers/europepmc"
	"omics-oracle/providers/openalex"
	"omics-oracle/providers/pubmed"
	"omics-oracle/providers/scholar"
	"omics-oracle/providers/semanticscholar"
	"omics-oracle/providers/unpaywall"
	"omics-oracle/ratelimit"
	"omics-oracle/services"
	"omics-oracle/storage"
)

const (
	exitOK          = 0
	exitInvalidArgs = 2
	exitAllFailed   = 3
	exitCancelled   = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	query := flag.String("query", "", "Suchbegriff (erforderlich)")
	sources := flag.String("source", "", "Komma-getrennte Quellen (Default aus ENABLED_SOURCES)")
	maxResults := flag.Int("max-results", 0, "Maximale Treffer pro Quelle")
	noCache := flag.Bool("no-cache", false, "Cache für diesen Aufruf deaktivieren")
	downloadPDFs := flag.Bool("download-pdfs", false, "PDFs der Top-Treffer herunterladen")
	output := flag.String("output", "", "Ergebnis-Datei (Default: stdout)")
	flag.Parse()

	if strings.TrimSpace(*query) == "" {
		fmt.Fprintln(os.Stderr, "Fehler: --query ist erforderlich")
		flag.Usage()
		return exitInvalidArgs
	}

	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("Config load error", zap.Error(err))
		return exitInvalidArgs
	}

	sc := cfg.SearchDefaults()
	if *sources != "" {
		sc.EnablePubMed = false
		sc.EnableEuropePMC = false
		sc.EnableSemanticScholar = false
		sc.EnableOpenAlex = false
		sc.EnableScholar = false
		for _, s := range strings.Split(*sources, ",") {
			switch strings.TrimSpace(s) {
			case "pubmed":
				sc.EnablePubMed = true
			case "europepmc":
				sc.EnableEuropePMC = true
			case "semanticscholar":
				sc.EnableSemanticScholar = true
			case "openalex":
				sc.EnableOpenAlex = true
			case "scholar":
				sc.EnableScholar = true
			default:
				fmt.Fprintf(os.Stderr, "Fehler: unbekannte Quelle %q\n", s)
				return exitInvalidArgs
			}
		}
	}
	if *maxResults != 0 {
		if *maxResults < 1 || *maxResults > 200 {
			fmt.Fprintln(os.Stderr, "Fehler: --max-results muss in [1,200] liegen")
			return exitInvalidArgs
		}
		for tag, s := range sc.Sources {
			s.MaxResults = *maxResults
			sc.Sources[tag] = s
		}
	}
	if *noCache {
		sc.EnableCache = false
	}
	sc.EnablePDFDownload = *downloadPDFs

	pipeline := buildPipeline(cfg, logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := pipeline.Search(ctx, &services.Request{Query: *query, Config: sc})
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		fmt.Fprintln(os.Stderr, "Fehler:", err)
		return exitInvalidArgs
	case errors.Is(err, services.ErrCancelled), errors.Is(err, services.ErrDeadlineExceeded):
		fmt.Fprintln(os.Stderr, "Fehler:", err)
		return exitCancelled
	case err != nil:
		fmt.Fprintln(os.Stderr, "Fehler:", err)
		return exitAllFailed
	}

	if result.TotalFound == 0 && len(result.Failures) > 0 &&
		len(result.Failures) == len(sc.EnabledSourceTags()) {
		fmt.Fprintln(os.Stderr, "Fehler: alle Quellen sind ausgefallen")
		return exitAllFailed
	}

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logging.Error("Ergebnis nicht serialisierbar", zap.Error(err))
		return exitAllFailed
	}
	if *output != "" {
		if err := os.WriteFile(*output, encoded, 0o644); err != nil {
			fmt.Fprintln(os.Stderr, "Fehler beim Schreiben:", err)
			return exitInvalidArgs
		}
	} else {
		fmt.Println(string(encoded))
	}
	return exitOK
}

func buildPipeline(cfg *config.Config, logging *zap.Logger) *services.Pipeline {
	provs := map[string]providers.Provider{
		"pubmed":          pubmed.NewFetcher(cfg, logging),
		"europepmc":       europepmc.NewFetcher(cfg, logging),
		"semanticscholar": semanticscholar.NewFetcher(cfg, logging),
		"openalex":        openalex.NewFetcher(cfg, logging),
		"scholar":         scholar.NewFetcher(cfg, logging),
	}

	limiter := ratelimit.NewRegistry()
	defaults := cfg.SearchDefaults()
	for tag, s := range defaults.Sources {
		limiter.Configure(tag, s.RateInterval(), s.MaxConcurrent)
	}

	cacheTTL := time.Duration(cfg.CacheTTLDays) * 24 * time.Hour
	cacheLayer := cache.New(cfg.CacheURL, cacheTTL, logging)

	up := unpaywall.NewFetcher(cfg, logging)
	resolver := services.NewResolver(cfg, logging, up)
	downloader := services.NewDownloader(logging, cfg.PDFDir, cfg.MaxPDFBytes)
	tracker := services.NewCitationTracker(logging, semanticscholar.NewFetcher(cfg, logging))

	pipeline := services.NewPipeline(logging, provs, limiter, cacheLayer,
		services.NewDeduplicator(logging), services.NewRanker(logging),
		resolver, downloader, tracker)

	if cfg.S3Enabled() {
		if mirror, err := storage.NewS3Mirror(cfg); err != nil {
			logging.Warn("S3-Mirror nicht verfügbar", zap.Error(err))
		} else {
			pipeline.Mirror = mirror
		}
	}
	return pipeline
}
