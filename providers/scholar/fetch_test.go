package scholar

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"omics-oracle/config"
	"omics-oracle/providers"
)

const resultsFixture = `<html><body><div id="gs_res_ccl_mid">
<div class="gs_r gs_or gs_scl" data-cid="AbC123xyz">
  <h3 class="gs_rt"><a href="https://host/paper.pdf">CRISPR &amp; liver <b>fibrosis</b></a></h3>
  <div class="gs_a">J Doe, M Mustermann - Nature, 2022 - nature.com</div>
  <div class="gs_rs">We investigate <b>fibrosis</b> in mice&hellip;</div>
  <div class="gs_fl"><a href="#">Cited by 137</a></div>
</div>
<div class="gs_r gs_or gs_scl" data-cid="DeF456">
  <h3 class="gs_rt"><span class="gs_ctu">[HTML]</span> <a href="https://host/page.html">Hepatocyte screening methods</a></h3>
  <div class="gs_a">A Beispiel - Cell, 2021 - cell.com</div>
  <div class="gs_rs">A protocol for hepatocyte screens.</div>
</div>
<div id="gs_res_ccl_bot"></div></body></html>`

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &config.Config{ScholarBaseURL: srv.URL}
	return NewFetcher(cfg, zap.NewNop())
}

func TestSearchParsesResults(t *testing.T) {
	var ua, ylo string
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		ylo = r.URL.Query().Get("as_ylo")
		fmt.Fprint(w, resultsFixture)
	})

	pubs, err := f.Search(context.Background(), "crispr fibrosis", providers.SearchOptions{MaxResults: 10, YearFrom: 2020})
	require.NoError(t, err)
	require.Len(t, pubs, 2)
	assert.Equal(t, browserUA, ua, "Scrape läuft mit Browser-Kennung")
	assert.Equal(t, "2020", ylo)

	p := pubs[0]
	assert.Equal(t, "AbC123xyz", p.ScholarID)
	assert.Equal(t, "CRISPR & liver fibrosis", p.Title)
	assert.Equal(t, "https://host/paper.pdf", p.FulltextURL)
	assert.Equal(t, 137, p.Citations)
	assert.Equal(t, 2022, p.Year)
	require.Len(t, p.Authors, 2)
	assert.Equal(t, "J Doe", p.Authors[0].Name)
	assert.Equal(t, []string{"scholar"}, p.Sources)

	q := pubs[1]
	assert.Equal(t, "Hepatocyte screening methods", q.Title)
	assert.Equal(t, "", q.FulltextURL, "HTML-Links sind keine Volltext-Treffer")
	assert.Equal(t, 0, q.Citations)
	assert.Equal(t, 2021, q.Year)
}

func TestSearchAntiBotDetection(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>Our systems have detected unusual traffic from your computer network.</html>`)
	})

	_, err := f.Search(context.Background(), "x", providers.SearchOptions{})
	se, ok := providers.AsSourceError(err)
	require.True(t, ok)
	assert.Equal(t, providers.KindBlocked, se.Kind)
	assert.False(t, se.Retryable(), "Sperren werden nicht wiederholt")
}

func TestSearchBlockedStatus(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := f.Search(context.Background(), "x", providers.SearchOptions{})
	se, ok := providers.AsSourceError(err)
	require.True(t, ok)
	assert.Equal(t, providers.KindBlocked, se.Kind)
}

func TestParseResultsRespectsMax(t *testing.T) {
	pubs := parseResults(resultsFixture, 1)
	require.Len(t, pubs, 1)
	assert.Equal(t, "AbC123xyz", pubs[0].ScholarID)
}

func TestCleanHTML(t *testing.T) {
	assert.Equal(t, "CRISPR & liver fibrosis", cleanHTML(` CRISPR &amp; liver <b>fibrosis</b> `))
	assert.Equal(t, "", cleanHTML("<span></span>"))
}
