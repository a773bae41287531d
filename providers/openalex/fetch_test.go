package openalex

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"omics-oracle/config"
	"omics-oracle/providers"
)

const workJSON = `{
  "id": "https://openalex.org/W123",
  "doi": "https://doi.org/10.1038/oa-test",
  "title": "Proteomic landscape of aging brains",
  "publication_year": 2022,
  "publication_date": "2022-11-03",
  "cited_by_count": 310,
  "ids": {
    "openalex": "https://openalex.org/W123",
    "pmid": "https://pubmed.ncbi.nlm.nih.gov/36000001",
    "pmcid": "https://www.ncbi.nlm.nih.gov/pmc/articles/PMC5555"
  },
  "primary_location": {
    "is_oa": true,
    "pdf_url": "https://host/oa.pdf",
    "source": {"display_name": "Nature Aging"}
  },
  "open_access": {"is_oa": true, "oa_url": "https://host/fallback"},
  "authorships": [
    {"author": {"display_name": "Jane Doe"}, "institutions": [{"display_name": "MPI"}]},
    {"author": {"display_name": ""}}
  ],
  "counts_by_year": [
    {"year": 2025, "cited_by_count": 40},
    {"year": 2023, "cited_by_count": 60},
    {"year": 2021, "cited_by_count": 100}
  ],
  "abstract_inverted_index": {"Aging": [0], "brains": [1], "change.": [2]}
}`

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &config.Config{OpenAlexBaseURL: srv.URL, OpenAlexEmail: "dev@example.org"}
	f := NewFetcher(cfg, zap.NewNop())
	f.Now = func() time.Time { return time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC) }
	return f
}

func TestSearchMapsWorks(t *testing.T) {
	var mailto, filter string
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		mailto = r.URL.Query().Get("mailto")
		filter = r.URL.Query().Get("filter")
		fmt.Fprintf(w, `{"meta":{"count":1},"results":[%s]}`, workJSON)
	})

	pubs, err := f.Search(context.Background(), "aging brain", providers.SearchOptions{MaxResults: 10, YearFrom: 2020, YearTo: 2024})
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, "dev@example.org", mailto, "Polite-Pool-Kennung wird mitgeschickt")
	assert.Equal(t, "from_publication_date:2020-01-01,to_publication_date:2024-12-31", filter)

	p := pubs[0]
	assert.Equal(t, "10.1038/oa-test", p.DOI)
	assert.Equal(t, "36000001", p.PMID)
	assert.Equal(t, "PMC5555", p.PMCID)
	assert.Equal(t, "Aging brains change.", p.Abstract)
	assert.Equal(t, "Nature Aging", p.Venue)
	assert.Equal(t, "https://host/oa.pdf", p.FulltextURL)
	assert.Equal(t, 310, p.Citations)
	require.Len(t, p.Authors, 1, "Autoren ohne Namen fallen raus")
	assert.Equal(t, "MPI", p.Authors[0].Affiliation)

	// Stichjahr 2025: nur 2025 und 2023 liegen im 3-Jahres-Fenster
	require.NotNil(t, p.CitationsLast3Years)
	assert.Equal(t, 100, *p.CitationsLast3Years)
}

func TestFetchByDOI(t *testing.T) {
	var path string
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		fmt.Fprint(w, workJSON)
	})

	p, err := f.FetchByDOI(context.Background(), "10.1038/oa-test")
	require.NoError(t, err)
	assert.Contains(t, path, "/works/https:/")
	assert.Equal(t, "Proteomic landscape of aging brains", p.Title)
}

func TestSearchRateLimited(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := f.Search(context.Background(), "x", providers.SearchOptions{})
	se, ok := providers.AsSourceError(err)
	require.True(t, ok)
	assert.Equal(t, providers.KindRateLimited, se.Kind)
}

func TestDecodeAbstract(t *testing.T) {
	assert.Equal(t, "", decodeAbstract(nil))
	assert.Equal(t, "a b a", decodeAbstract(map[string][]int{"a": {0, 2}, "b": {1}}))
}

func TestStripIDPrefix(t *testing.T) {
	assert.Equal(t, "10.1/x", stripIDPrefix("https://doi.org/10.1/x"))
	assert.Equal(t, "123", stripIDPrefix("https://pubmed.ncbi.nlm.nih.gov/123"))
	assert.Equal(t, "PMC9", stripIDPrefix("https://www.ncbi.nlm.nih.gov/pmc/articles/PMC9/"))
	assert.Equal(t, "W1", stripIDPrefix("https://openalex.org/W1"))
	assert.Equal(t, "roh", stripIDPrefix("roh"))
}

func TestYearFilter(t *testing.T) {
	assert.Equal(t, "", yearFilter(0, 0))
	assert.Equal(t, "from_publication_date:2019-01-01", yearFilter(2019, 0))
	assert.Equal(t, "to_publication_date:2023-12-31", yearFilter(0, 2023))
}
