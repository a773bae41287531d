package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"omics-oracle/cache"
	"omics-oracle/config"
	"omics-oracle/models"
	"omics-oracle/providers"
	"omics-oracle/ratelimit"
)

// Harte Fehler der Pipeline. Alles andere landet als Metadatum im
// Ergebnis, nie als Fehler beim Aufrufer.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrCancelled        = errors.New("search cancelled")
	ErrDeadlineExceeded = errors.New("search deadline exceeded")
)

var (
	searchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omicsoracle_searches_total",
		Help: "Anzahl der Pipeline-Suchen.",
	})
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omicsoracle_cache_hits_total",
		Help: "Anzahl der Cache-Treffer.",
	})
	sourceFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omicsoracle_source_failures_total",
		Help: "Quellen-Ausfälle nach Quelle und Fehlerart.",
	}, []string{"source", "kind"})
	sourceResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omicsoracle_source_results_total",
		Help: "Gelieferte Treffer pro Quelle.",
	}, []string{"source"})
)

// PDFMirror spiegelt erfolgreich geladene PDFs in einen externen
// Speicher (S3). Optional, nil deaktiviert das Spiegeln.
type PDFMirror interface {
	MirrorPDF(ctx context.Context, localPath string) (string, error)
}

// Request ist die Eingabe einer Pipeline-Suche. Datasets ist optional
// und aktiviert das Zitations-Tracking pro GEO-Serie.
type Request struct {
	Query    string
	Config   *config.SearchConfig
	Datasets []*models.GEOSeriesMetadata
}

// Pipeline orchestriert Fan-out, Dedup, Ranking und Anreicherung.
// Alle Abhängigkeiten werden explizit injiziert.
type Pipeline struct {
	Logger     *zap.Logger
	Providers  map[string]providers.Provider
	Limiter    *ratelimit.Registry
	Cache      cache.Cache
	Dedup      *Deduplicator
	Ranker     *Ranker
	Resolver   *Resolver
	Downloader *Downloader
	Tracker    *CitationTracker
	Mirror     PDFMirror
	Now        func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewPipeline verdrahtet die Pipeline aus ihren Komponenten.
func NewPipeline(logger *zap.Logger, provs map[string]providers.Provider, limiter *ratelimit.Registry,
	c cache.Cache, dedup *Deduplicator, ranker *Ranker, resolver *Resolver,
	downloader *Downloader, tracker *CitationTracker) *Pipeline {
	return &Pipeline{
		Logger:     logger,
		Providers:  provs,
		Limiter:    limiter,
		Cache:      c,
		Dedup:      dedup,
		Ranker:     ranker,
		Resolver:   resolver,
		Downloader: downloader,
		Tracker:    tracker,
		Now:        time.Now,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

type sourceResult struct {
	source string
	pubs   []*models.Publication
	err    error
}

// Search ist die öffentliche Operation der Pipeline.
func (p *Pipeline) Search(ctx context.Context, req *Request) (*models.PublicationResult, error) {
	searchesTotal.Inc()
	start := p.now()

	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: leere Query", ErrInvalidInput)
	}
	sc := req.Config
	if sc == nil {
		return nil, fmt.Errorf("%w: fehlende SearchConfig", ErrInvalidInput)
	}
	tags := sc.EnabledSourceTags()
	if len(tags) == 0 {
		return nil, fmt.Errorf("%w: keine Quelle aktiviert", ErrInvalidInput)
	}
	if sc.YearFrom != 0 && sc.YearTo != 0 && sc.YearFrom > sc.YearTo {
		return nil, fmt.Errorf("%w: ungültiger Jahresbereich %d-%d", ErrInvalidInput, sc.YearFrom, sc.YearTo)
	}

	log := p.Logger.With(zap.String("query", req.Query))

	key := CacheKey(req.Query, sc)
	if sc.EnableCache && p.Cache != nil {
		var cached models.PublicationResult
		if hit, err := p.Cache.Get(ctx, key, &cached); err == nil && hit {
			cacheHitsTotal.Inc()
			p.Cache.Incr(ctx, "omicsoracle:counters:cache_hits", 0)
			cached.CacheHit = true
			log.Info("Cache-Treffer", zap.String("key", key))
			return &cached, nil
		}
		p.Cache.Incr(ctx, "omicsoracle:counters:cache_misses", 0)
	}

	deadline := sc.GlobalDeadline
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	searchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result := &models.PublicationResult{
		QueryEcho:       req.Query,
		PerSourceCounts: make(map[string]int),
		TimingsMS:       make(map[string]int64),
	}

	// Fan-out: eine Task pro aktivierter Quelle
	fanoutStart := p.now()
	results := make(chan sourceResult, len(tags))
	started := 0
	for _, tag := range tags {
		prov, ok := p.Providers[tag]
		if !ok {
			continue
		}
		started++
		go p.runSource(searchCtx, prov, req.Query, sc, results)
	}

	var staged []*models.Publication
	for i := 0; i < started; i++ {
		res := <-results
		if res.err != nil {
			kind := string(providers.KindUpstream)
			if se, ok := providers.AsSourceError(res.err); ok {
				kind = string(se.Kind)
				if se.Kind == providers.KindAuthRequired {
					result.AuthRequired = append(result.AuthRequired, res.source)
				}
			}
			sourceFailuresTotal.WithLabelValues(res.source, kind).Inc()
			result.Failures = append(result.Failures, models.SourceFailure{Source: res.source, Kind: kind})
			result.PerSourceCounts[res.source] = 0
			log.Warn("Quelle ausgefallen", zap.String("source", res.source), zap.String("kind", kind))
			continue
		}
		result.PerSourceCounts[res.source] = len(res.pubs)
		sourceResultsTotal.WithLabelValues(res.source).Add(float64(len(res.pubs)))
		staged = append(staged, res.pubs...)
	}
	result.TimingsMS["fanout"] = p.now().Sub(fanoutStart).Milliseconds()

	// Abbruch-Semantik: nur der Eltern-Context zählt als Cancelled
	if err := ctx.Err(); err != nil {
		if sc.ReturnPartialOnCancel {
			result.Partial = true
		} else if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrDeadlineExceeded
		} else {
			return nil, ErrCancelled
		}
	}

	// Determinismus: Staging-Puffer nach Quellen-Präzedenz und
	// Quell-Reihenfolge sortieren, bevor dedupliziert wird
	sortStaged(staged)

	dedupStart := p.now()
	merged := p.Dedup.Dedupe(staged)
	result.TimingsMS["dedup"] = p.now().Sub(dedupStart).Milliseconds()

	intent := p.Ranker.DetectIntent(req.Query)
	result.Intent = string(intent)

	rankStart := p.now()
	ranked := p.Ranker.Rank(merged, req.Query, intent)
	result.TimingsMS["rank"] = p.now().Sub(rankStart).Milliseconds()

	topK := sc.TopK
	if topK <= 0 {
		topK = 20
	}
	if topK > len(ranked) {
		topK = len(ranked)
	}

	if sc.EnableFullTextResolve && p.Resolver != nil {
		resolveStart := p.now()
		p.resolveFulltext(searchCtx, ranked[:topK], sc)
		result.TimingsMS["resolve"] = p.now().Sub(resolveStart).Milliseconds()
	}

	if sc.EnablePDFDownload && p.Downloader != nil {
		dlStart := p.now()
		result.DownloadReports = p.downloadPDFs(searchCtx, ranked[:topK], sc)
		result.TimingsMS["download"] = p.now().Sub(dlStart).Milliseconds()
	}

	if sc.EnableCitationTracking && p.Tracker != nil && len(req.Datasets) > 0 {
		trackStart := p.now()
		for _, ds := range req.Datasets {
			if err := ds.Validate(); err != nil {
				log.Warn("Ungültige GEO-Metadaten übersprungen",
					zap.String("geo_id", ds.GeoID), zap.Error(err))
				continue
			}
			ds.CitingPapers = p.Tracker.TrackCitations(searchCtx, ds, p.now().Year())
		}
		result.TimingsMS["citation_tracking"] = p.now().Sub(trackStart).Milliseconds()
	}

	result.Publications = ranked
	result.TotalFound = len(ranked)
	result.TimingsMS["total"] = p.now().Sub(start).Milliseconds()

	if sc.EnableCache && p.Cache != nil && !result.Partial {
		ttl := sc.CacheTTL
		if ttl <= 0 {
			ttl = 30 * 24 * time.Hour
		}
		if err := p.Cache.Set(ctx, key, result, ttl); err != nil {
			log.Warn("Cache-Schreiben fehlgeschlagen", zap.Error(err))
		}
	}

	log.Info("Suche abgeschlossen",
		zap.Int("total", result.TotalFound),
		zap.String("intent", result.Intent),
		zap.Int("failures", len(result.Failures)))
	return result, nil
}

// runSource führt die Suche einer einzelnen Quelle aus und durchläuft
// dabei den Task-Zustandsautomaten.
func (p *Pipeline) runSource(ctx context.Context, prov providers.Provider, query string,
	sc *config.SearchConfig, out chan<- sourceResult) {
	tag := prov.Name()
	log := p.Logger.With(zap.String("source", tag))
	log.Debug("Task-Status", zap.String("state", "queued"))

	srcCfg := sc.SourceConfigFor(tag)

	log.Debug("Task-Status", zap.String("state", "waiting_rate_limit"))
	release, err := p.Limiter.Acquire(ctx, tag)
	if err != nil {
		log.Debug("Task-Status", zap.String("state", "cancelled"))
		out <- sourceResult{source: tag, err: providers.WrapTransport(tag, err)}
		return
	}
	defer release()

	opts := providers.SearchOptions{
		MaxResults: srcCfg.MaxResults,
		YearFrom:   sc.YearFrom,
		YearTo:     sc.YearTo,
	}

	log.Debug("Task-Status", zap.String("state", "requesting"))
	pubs, err := p.searchWithRetry(ctx, prov, query, opts, srcCfg)
	switch {
	case err == nil:
		log.Debug("Task-Status", zap.String("state", "done"), zap.Int("results", len(pubs)))
	case ctx.Err() != nil:
		log.Debug("Task-Status", zap.String("state", "cancelled"))
	default:
		log.Debug("Task-Status", zap.String("state", "failed"))
	}
	out <- sourceResult{source: tag, pubs: pubs, err: err}
}

// searchWithRetry wendet die Retry-Policy an: Upstream einmal mit
// Backoff wiederholen, RateLimited nach Retry-After, Blocked und
// AuthRequired niemals.
func (p *Pipeline) searchWithRetry(ctx context.Context, prov providers.Provider, query string,
	opts providers.SearchOptions, srcCfg config.SourceConfig) ([]*models.Publication, error) {
	breaker := p.breakerFor(prov.Name())

	attempt := func() ([]*models.Publication, error) {
		callCtx, cancel := context.WithTimeout(ctx, srcCfg.Timeout())
		defer cancel()
		res, err := breaker.Execute(func() (interface{}, error) {
			return prov.Search(callCtx, query, opts)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, providers.NewError(prov.Name(), providers.KindUpstream, err)
			}
			return nil, err
		}
		pubs, _ := res.([]*models.Publication)
		return pubs, nil
	}

	pubs, err := attempt()
	if err == nil {
		return pubs, nil
	}

	se, ok := providers.AsSourceError(err)
	if !ok || !se.Retryable() || ctx.Err() != nil {
		return nil, err
	}

	wait := 1 * time.Second
	if se.Kind == providers.KindRateLimited && se.RetryAfter > 0 {
		wait = se.RetryAfter
	}
	if sleepCtx(ctx, wait) != nil {
		return nil, err
	}
	return attempt()
}

func (p *Pipeline) breakerFor(tag string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.breakers[tag]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: tag,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Quelle gilt nach 3 aufeinanderfolgenden Fehlern als ungesund
			return counts.ConsecutiveFailures >= 3
		},
		Timeout: 30 * time.Second,
	})
	p.breakers[tag] = b
	return b
}

// resolveFulltext hängt aufgelöste Zugriff-URLs an die Top-K an, ohne
// PDFs zu laden.
func (p *Pipeline) resolveFulltext(ctx context.Context, pubs []*models.Publication, sc *config.SearchConfig) {
	for _, pub := range pubs {
		if ctx.Err() != nil {
			return
		}
		it := p.Resolver.Candidates(pub, sc)
		cands := it.Collect(ctx, 5)
		if len(cands) == 0 {
			continue
		}
		if pub.FulltextURL == "" {
			for _, c := range cands {
				if !c.RequiresManualAuth {
					pub.FulltextURL = c.URL
					break
				}
			}
		}
		pub.InstitutionalURLs = cands
	}
}

// downloadPDFs lädt PDFs für die Top-K mit globaler Parallelitäts-
// Schranke. Ein fehlgeschlagener Download bricht nie den Batch ab.
func (p *Pipeline) downloadPDFs(ctx context.Context, pubs []*models.Publication, sc *config.SearchConfig) map[string]*models.DownloadReport {
	maxConc := sc.MaxConcurrentDownloads
	if maxConc <= 0 {
		maxConc = 4
	}
	sem := make(chan struct{}, maxConc)
	reports := make(map[string]*models.DownloadReport, len(pubs))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, pub := range pubs {
		wg.Add(1)
		go func(pub *models.Publication) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			report := p.Downloader.Download(ctx, p.Resolver.Candidates(pub, sc))
			if report.Success {
				pub.PDFLocalPath = report.LocalPath
				if p.Mirror != nil {
					if link, err := p.Mirror.MirrorPDF(ctx, report.LocalPath); err != nil {
						p.Logger.Warn("PDF-Mirror fehlgeschlagen",
							zap.String("path", report.LocalPath), zap.Error(err))
					} else {
						report.MirrorURL = link
					}
				}
			}
			mu.Lock()
			reports[pub.BestIdentifier()] = report
			mu.Unlock()
		}(pub)
	}
	wg.Wait()
	return reports
}

// sortStaged macht den Staging-Puffer unabhängig von der
// nichtdeterministischen Ankunftsreihenfolge der Quellen.
func sortStaged(staged []*models.Publication) {
	sort.SliceStable(staged, func(i, j int) bool {
		a, b := precedence(staged[i]), precedence(staged[j])
		return a < b
	})
}

// CacheKey bildet den SHA-256 über die kanonische Form von Query,
// aktivierten Toggles und sortierten Parametern.
func CacheKey(query string, sc *config.SearchConfig) string {
	var b strings.Builder
	b.WriteString("search:")
	b.WriteString(strings.ToLower(strings.TrimSpace(query)))
	b.WriteString("|sources=")
	b.WriteString(strings.Join(sc.EnabledSourceTags(), ","))

	toggles := []string{
		fmt.Sprintf("unpaywall=%t", sc.EnableUnpaywall),
		fmt.Sprintf("citation_tracking=%t", sc.EnableCitationTracking),
		fmt.Sprintf("full_text=%t", sc.EnableFullTextResolve),
		fmt.Sprintf("pdf=%t", sc.EnablePDFDownload),
		fmt.Sprintf("institutional=%t", sc.EnableInstitutionalAccess),
		fmt.Sprintf("scrape=%t", sc.EnableWebScrape),
	}
	sort.Strings(toggles)
	b.WriteString("|")
	b.WriteString(strings.Join(toggles, ","))

	params := []string{
		fmt.Sprintf("top_k=%d", sc.TopK),
		fmt.Sprintf("year_from=%d", sc.YearFrom),
		fmt.Sprintf("year_to=%d", sc.YearTo),
	}
	sort.Strings(params)
	b.WriteString("|")
	b.WriteString(strings.Join(params, ","))

	sum := sha256.Sum256([]byte(b.String()))
	return "omicsoracle:search:" + hex.EncodeToString(sum[:])
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
