package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"omics-oracle/config"
	"omics-oracle/models"
	"omics-oracle/providers"
	"omics-oracle/ratelimit"
)

// fakeProvider liefert vorgefertigte Antworten oder Fehler.
type fakeProvider struct {
	name  string
	pubs  []*models.Publication
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Search(ctx context.Context, term string, opts providers.SearchOptions) ([]*models.Publication, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	// Frische Kopien, die Pipeline besitzt die Werte exklusiv
	out := make([]*models.Publication, len(f.pubs))
	for i, p := range f.pubs {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}

// memCache ist ein simpler map-Cache für Tests.
type memCache struct {
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (m *memCache) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m *memCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = raw
	return nil
}

func (m *memCache) Invalidate(ctx context.Context, prefix string) error { return nil }
func (m *memCache) Health(ctx context.Context) error                    { return nil }

func (m *memCache) Incr(ctx context.Context, key string, ttl time.Duration) int64 { return 0 }

// fakeMirror zeichnet gespiegelte Pfade auf.
type fakeMirror struct {
	calls []string
	err   error
}

func (f *fakeMirror) MirrorPDF(ctx context.Context, localPath string) (string, error) {
	f.calls = append(f.calls, localPath)
	if f.err != nil {
		return "", f.err
	}
	return "https://mirror.local/pdfs/" + filepath.Base(localPath), nil
}

func newTestPipeline(provs map[string]providers.Provider, c *memCache) *Pipeline {
	limiter := ratelimit.NewRegistry()
	for tag := range provs {
		limiter.Configure(tag, 0, 4)
	}
	p := NewPipeline(zap.NewNop(), provs, limiter, nil,
		NewDeduplicator(zap.NewNop()), NewRanker(zap.NewNop()), nil, nil, nil)
	if c != nil {
		p.Cache = c
	}
	return p
}

func twoSourceConfig() *config.SearchConfig {
	return &config.SearchConfig{
		EnablePubMed:    true,
		EnableEuropePMC: true,
		Sources: map[string]config.SourceConfig{
			"pubmed":    {MaxResults: 10, TimeoutSeconds: 5, MaxConcurrent: 2},
			"europepmc": {MaxResults: 10, TimeoutSeconds: 5, MaxConcurrent: 2},
		},
		TopK:           20,
		GlobalDeadline: 10 * time.Second,
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	p := newTestPipeline(map[string]providers.Provider{}, nil)
	_, err := p.Search(context.Background(), &Request{Query: "  ", Config: twoSourceConfig()})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSearchNoSourcesEnabled(t *testing.T) {
	p := newTestPipeline(map[string]providers.Provider{}, nil)
	_, err := p.Search(context.Background(), &Request{Query: "crispr", Config: &config.SearchConfig{}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSearchInvalidYearRange(t *testing.T) {
	p := newTestPipeline(map[string]providers.Provider{}, nil)
	sc := twoSourceConfig()
	sc.YearFrom, sc.YearTo = 2024, 2020
	_, err := p.Search(context.Background(), &Request{Query: "crispr", Config: sc})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSearchMergesAcrossSources(t *testing.T) {
	pm := &fakeProvider{name: "pubmed", pubs: []*models.Publication{
		{DOI: "10.1/x", PMID: "1", Title: "CRISPR study", Citations: 50, Sources: []string{"pubmed"}},
	}}
	ep := &fakeProvider{name: "europepmc", pubs: []*models.Publication{
		{DOI: "10.1/x", Title: "CRISPR study", Citations: 120, Sources: []string{"europepmc"}},
		{PMID: "7", Title: "Another paper", Year: 2020, Sources: []string{"europepmc"}},
	}}
	p := newTestPipeline(map[string]providers.Provider{"pubmed": pm, "europepmc": ep}, nil)

	result, err := p.Search(context.Background(), &Request{Query: "CRISPR study", Config: twoSourceConfig()})
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalFound)
	assert.Equal(t, 1, result.PerSourceCounts["pubmed"])
	assert.Equal(t, 2, result.PerSourceCounts["europepmc"])
	assert.Empty(t, result.Failures)

	merged := findByDOI(result.Publications, "10.1/x")
	require.NotNil(t, merged)
	assert.Equal(t, "1", merged.PMID)
	assert.Equal(t, 120, merged.Citations)
	assert.ElementsMatch(t, []string{"pubmed", "europepmc"}, merged.Sources)
}

func TestSearchFailureIsolation(t *testing.T) {
	pm := &fakeProvider{name: "pubmed", pubs: []*models.Publication{
		{PMID: "1", Title: "Good paper", Year: 2023, Sources: []string{"pubmed"}},
	}}
	ep := &fakeProvider{name: "europepmc",
		err: providers.NewError("europepmc", providers.KindBlocked, errors.New("bot gesperrt"))}
	p := newTestPipeline(map[string]providers.Provider{"pubmed": pm, "europepmc": ep}, nil)

	result, err := p.Search(context.Background(), &Request{Query: "paper", Config: twoSourceConfig()})
	require.NoError(t, err, "ein Quellenausfall ist nie ein harter Fehler")

	assert.Equal(t, 1, result.TotalFound)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "europepmc", result.Failures[0].Source)
	assert.Equal(t, string(providers.KindBlocked), result.Failures[0].Kind)
	assert.Equal(t, 1, ep.calls, "Blocked wird nie wiederholt")
}

func TestSearchAllSourcesFailStillOK(t *testing.T) {
	pm := &fakeProvider{name: "pubmed",
		err: providers.NewError("pubmed", providers.KindBlocked, errors.New("down"))}
	ep := &fakeProvider{name: "europepmc",
		err: providers.NewError("europepmc", providers.KindAuthRequired, errors.New("key fehlt"))}
	p := newTestPipeline(map[string]providers.Provider{"pubmed": pm, "europepmc": ep}, nil)

	result, err := p.Search(context.Background(), &Request{Query: "paper", Config: twoSourceConfig()})
	require.NoError(t, err)
	assert.Empty(t, result.Publications)
	assert.Len(t, result.Failures, 2)
	assert.Contains(t, result.AuthRequired, "europepmc")
}

func TestSearchRetriesUpstreamOnce(t *testing.T) {
	pm := &fakeProvider{name: "pubmed",
		err: providers.NewError("pubmed", providers.KindUpstream, errors.New("502"))}
	p := newTestPipeline(map[string]providers.Provider{"pubmed": pm}, nil)

	sc := twoSourceConfig()
	sc.EnableEuropePMC = false
	_, err := p.Search(context.Background(), &Request{Query: "paper", Config: sc})
	require.NoError(t, err)
	assert.Equal(t, 2, pm.calls, "Upstream-Fehler: genau ein Retry")
}

func TestSearchCacheHit(t *testing.T) {
	pm := &fakeProvider{name: "pubmed", pubs: []*models.Publication{
		{PMID: "1", Title: "Cached paper", Year: 2023, Sources: []string{"pubmed"}},
	}}
	c := newMemCache()
	p := newTestPipeline(map[string]providers.Provider{"pubmed": pm}, c)

	sc := twoSourceConfig()
	sc.EnableEuropePMC = false
	sc.EnableCache = true
	sc.CacheTTL = time.Hour

	first, err := p.Search(context.Background(), &Request{Query: "cached paper", Config: sc})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := p.Search(context.Background(), &Request{Query: "cached paper", Config: sc})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, 1, pm.calls, "zweiter Aufruf kommt aus dem Cache")
	require.Len(t, second.Publications, 1)
	assert.Equal(t, first.Publications[0].Title, second.Publications[0].Title)
}

func TestSearchDeterministicOrdering(t *testing.T) {
	pm := &fakeProvider{name: "pubmed", pubs: []*models.Publication{
		{PMID: "1", Title: "alpha beta", Year: 2023, Citations: 10, Sources: []string{"pubmed"}},
		{PMID: "2", Title: "alpha gamma", Year: 2022, Citations: 90, Sources: []string{"pubmed"}},
	}}
	ep := &fakeProvider{name: "europepmc", pubs: []*models.Publication{
		{PMID: "3", Title: "alpha delta", Year: 2021, Citations: 40, Sources: []string{"europepmc"}},
	}}
	p := newTestPipeline(map[string]providers.Provider{"pubmed": pm, "europepmc": ep}, nil)

	var firstOrder []string
	for i := 0; i < 5; i++ {
		result, err := p.Search(context.Background(), &Request{Query: "alpha", Config: twoSourceConfig()})
		require.NoError(t, err)
		var order []string
		for _, pub := range result.Publications {
			order = append(order, pub.PMID)
		}
		if firstOrder == nil {
			firstOrder = order
			continue
		}
		assert.Equal(t, firstOrder, order, "Reihenfolge ist unabhängig von der Ankunftsreihenfolge")
	}
}

func TestSearchCancellation(t *testing.T) {
	pm := &fakeProvider{name: "pubmed", pubs: []*models.Publication{
		{PMID: "1", Title: "paper", Year: 2023, Sources: []string{"pubmed"}},
	}}
	p := newTestPipeline(map[string]providers.Provider{"pubmed": pm}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sc := twoSourceConfig()
	sc.EnableEuropePMC = false
	_, err := p.Search(ctx, &Request{Query: "paper", Config: sc})
	assert.ErrorIs(t, err, ErrCancelled)

	// Mit return_partial_on_cancel kommt ein Partial-Ergebnis zurück
	sc.ReturnPartialOnCancel = true
	result, err := p.Search(ctx, &Request{Query: "paper", Config: sc})
	require.NoError(t, err)
	assert.True(t, result.Partial)
}

func TestSearchResultInvariants(t *testing.T) {
	pm := &fakeProvider{name: "pubmed", pubs: []*models.Publication{
		{PMID: "1", Title: "alpha", Year: 2023, Citations: 5, Sources: []string{"pubmed"}},
		{PMID: "2", Title: "beta", Year: 2020, Citations: 500, Sources: []string{"pubmed"}},
		{PMID: "3", Title: "gamma", Year: 2010, Sources: []string{"pubmed"}},
	}}
	p := newTestPipeline(map[string]providers.Provider{"pubmed": pm}, nil)

	sc := twoSourceConfig()
	sc.EnableEuropePMC = false
	result, err := p.Search(context.Background(), &Request{Query: "alpha beta gamma", Config: sc})
	require.NoError(t, err)

	seenPMID := map[string]bool{}
	for i, pub := range result.Publications {
		assert.NotEmpty(t, pub.Title)
		assert.GreaterOrEqual(t, pub.Score, 0.0)
		assert.LessOrEqual(t, pub.Score, 1.0+1e-6)
		assert.GreaterOrEqual(t, pub.Citations, 0)
		assert.NotEmpty(t, pub.Sources)
		assert.False(t, seenPMID[pub.PMID])
		seenPMID[pub.PMID] = true
		if i > 0 {
			assert.GreaterOrEqual(t, result.Publications[i-1].Score, pub.Score)
		}
	}
}

func TestSearchMirrorsDownloadedPDFs(t *testing.T) {
	pdf := append([]byte("%PDF-1.7\n"), bytes.Repeat([]byte("a"), 20*1024)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdf)
	}))
	defer srv.Close()

	pm := &fakeProvider{name: "pubmed", pubs: []*models.Publication{
		{PMID: "1", Title: "paper", Year: 2023, FulltextURL: srv.URL + "/x.pdf", Sources: []string{"pubmed"}},
	}}
	p := newTestPipeline(map[string]providers.Provider{"pubmed": pm}, nil)
	p.Resolver = NewResolver(&config.Config{}, zap.NewNop(), nil)
	p.Downloader = NewDownloader(zap.NewNop(), t.TempDir(), 0)
	mirror := &fakeMirror{}
	p.Mirror = mirror

	sc := twoSourceConfig()
	sc.EnableEuropePMC = false
	sc.EnablePDFDownload = true

	result, err := p.Search(context.Background(), &Request{Query: "paper", Config: sc})
	require.NoError(t, err)

	report := result.DownloadReports["pmid:1"]
	require.NotNil(t, report)
	require.True(t, report.Success)
	require.Len(t, mirror.calls, 1, "erfolgreiche Downloads werden gespiegelt")
	assert.Equal(t, report.LocalPath, mirror.calls[0])
	assert.Equal(t, "https://mirror.local/pdfs/"+filepath.Base(report.LocalPath), report.MirrorURL)
}

func TestSearchMirrorFailureIsNotFatal(t *testing.T) {
	pdf := append([]byte("%PDF-1.7\n"), bytes.Repeat([]byte("a"), 20*1024)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pdf)
	}))
	defer srv.Close()

	pm := &fakeProvider{name: "pubmed", pubs: []*models.Publication{
		{PMID: "1", Title: "paper", Year: 2023, FulltextURL: srv.URL + "/x.pdf", Sources: []string{"pubmed"}},
	}}
	p := newTestPipeline(map[string]providers.Provider{"pubmed": pm}, nil)
	p.Resolver = NewResolver(&config.Config{}, zap.NewNop(), nil)
	p.Downloader = NewDownloader(zap.NewNop(), t.TempDir(), 0)
	p.Mirror = &fakeMirror{err: errors.New("bucket weg")}

	sc := twoSourceConfig()
	sc.EnableEuropePMC = false
	sc.EnablePDFDownload = true

	result, err := p.Search(context.Background(), &Request{Query: "paper", Config: sc})
	require.NoError(t, err)

	report := result.DownloadReports["pmid:1"]
	require.NotNil(t, report)
	assert.True(t, report.Success, "Download bleibt erfolgreich")
	assert.Empty(t, report.MirrorURL)
}

func TestCacheKeyCanonical(t *testing.T) {
	a := twoSourceConfig()
	b := twoSourceConfig()

	assert.Equal(t, CacheKey("CRISPR", a), CacheKey("  crispr ", b),
		"Query wird kanonisiert")

	b.EnableEuropePMC = false
	assert.NotEqual(t, CacheKey("crispr", a), CacheKey("crispr", b))

	c := twoSourceConfig()
	c.YearFrom = 2020
	assert.NotEqual(t, CacheKey("crispr", a), CacheKey("crispr", c))
}

func findByDOI(pubs []*models.Publication, doi string) *models.Publication {
	for _, p := range pubs {
		if p.DOI == doi {
			return p
		}
	}
	return nil
}

