package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"omics-oracle/config"
	"omics-oracle/models"
	"omics-oracle/providers/unpaywall"
)

var (
	citationPDFRegex = regexp.MustCompile(`<meta[^>]+name="citation_pdf_url"[^>]+content="([^"]+)"`)
	pdfHrefRegex     = regexp.MustCompile(`href="([^"]+\.pdf[^"]*)"`)
	atomPDFRegex     = regexp.MustCompile(`<link[^>]+title="pdf"[^>]+href="([^"]+)"`)
)

// Resolver baut die priorisierte Kandidaten-Kette für den
// Volltext-Zugriff: PMC → Unpaywall → DOI-Landing → Europe PMC →
// EZProxy → Preprint-Server → optionales Scraping.
type Resolver struct {
	Config *config.Config
	Logger *zap.Logger
	Client *http.Client

	Unpaywall *unpaywall.Fetcher

	// Basis-URLs, in Tests überschreibbar
	PMCBaseURL     string
	DOIBaseURL     string
	EPMCRenderURL  string
	ArxivBaseURL   string
	ArxivQueryURL  string
	BiorxivBaseURL string
	ScholarBaseURL string
}

// NewResolver erstellt einen Resolver mit den Standard-Endpunkten.
func NewResolver(cfg *config.Config, logger *zap.Logger, up *unpaywall.Fetcher) *Resolver {
	return &Resolver{
		Config:         cfg,
		Logger:         logger,
		Client:         &http.Client{Timeout: 30 * time.Second},
		Unpaywall:      up,
		PMCBaseURL:     "https://www.ncbi.nlm.nih.gov/pmc/articles",
		DOIBaseURL:     "https://doi.org",
		EPMCRenderURL:  "https://europepmc.org/articles",
		ArxivBaseURL:   "https://arxiv.org/pdf",
		ArxivQueryURL:  "http://export.arxiv.org/api/query",
		BiorxivBaseURL: "https://www.biorxiv.org/content",
		ScholarBaseURL: cfg.ScholarBaseURL,
	}
}

// CandidateIterator liefert Kandidaten lazy: der nächste Schritt der
// Kette wird erst konsultiert, wenn alle vorherigen verbraucht sind.
type CandidateIterator struct {
	steps []func(ctx context.Context) []models.AccessURL
	buf   []models.AccessURL
	seen  map[string]bool
}

// Next gibt den nächsten Kandidaten zurück, oder false am Ende.
func (it *CandidateIterator) Next(ctx context.Context) (models.AccessURL, bool) {
	for {
		for len(it.buf) > 0 {
			cand := it.buf[0]
			it.buf = it.buf[1:]
			if cand.URL == "" || it.seen[cand.URL] {
				continue
			}
			it.seen[cand.URL] = true
			return cand, true
		}
		if len(it.steps) == 0 || ctx.Err() != nil {
			return models.AccessURL{}, false
		}
		step := it.steps[0]
		it.steps = it.steps[1:]
		it.buf = step(ctx)
	}
}

// Collect konsumiert den Iterator vollständig (für das Anhängen von
// institutional_urls ohne Download).
func (it *CandidateIterator) Collect(ctx context.Context, max int) []models.AccessURL {
	var out []models.AccessURL
	for {
		if max > 0 && len(out) >= max {
			return out
		}
		cand, ok := it.Next(ctx)
		if !ok {
			return out
		}
		out = append(out, cand)
	}
}

// Candidates baut den Iterator für eine Publikation.
func (r *Resolver) Candidates(pub *models.Publication, sc *config.SearchConfig) *CandidateIterator {
	it := &CandidateIterator{seen: make(map[string]bool)}

	static := func(cands ...models.AccessURL) func(context.Context) []models.AccessURL {
		return func(context.Context) []models.AccessURL { return cands }
	}

	if pub.FulltextURL != "" {
		it.steps = append(it.steps, static(models.AccessURL{URL: pub.FulltextURL, Kind: "source"}))
	}

	// 1. PMC-Volltext, immer frei
	if pub.PMCID != "" {
		it.steps = append(it.steps, static(models.AccessURL{
			URL:  fmt.Sprintf("%s/%s/pdf/", r.PMCBaseURL, pub.PMCID),
			Kind: "pmc",
		}))
	}

	// 2. Unpaywall per DOI
	if pub.DOI != "" && sc.EnableUnpaywall && r.Unpaywall != nil {
		it.steps = append(it.steps, func(ctx context.Context) []models.AccessURL {
			resp, err := r.Unpaywall.GetOALocations(ctx, pub.DOI)
			if err != nil {
				r.Logger.Debug("Unpaywall-Lookup fehlgeschlagen", zap.String("doi", pub.DOI), zap.Error(err))
				return nil
			}
			if !resp.IsOA {
				return nil
			}
			var cands []models.AccessURL
			if resp.BestOALocation != nil {
				cands = append(cands, models.AccessURL{URL: resp.BestOALocation.PDFLink(), Kind: "unpaywall"})
			}
			for i := range resp.OALocations {
				cands = append(cands, models.AccessURL{URL: resp.OALocations[i].PDFLink(), Kind: "unpaywall"})
			}
			return cands
		})
	}

	// 3. Publisher-Landing über DOI-Auflösung
	if pub.DOI != "" {
		it.steps = append(it.steps, func(ctx context.Context) []models.AccessURL {
			return r.resolveDOILanding(ctx, pub.DOI)
		})
	}

	// 4. Europe PMC Render-Endpunkt, per PMCID oder MED/<pmid>
	switch {
	case pub.PMCID != "":
		it.steps = append(it.steps, static(models.AccessURL{
			URL:  fmt.Sprintf("%s/%s?pdf=render", r.EPMCRenderURL, pub.PMCID),
			Kind: "europepmc",
		}))
	case pub.PMID != "":
		it.steps = append(it.steps, static(models.AccessURL{
			URL:  fmt.Sprintf("%s/MED/%s?pdf=render", r.EPMCRenderURL, pub.PMID),
			Kind: "europepmc",
		}))
	}

	// 5. EZProxy-URLs der konfigurierten Institutionen
	if pub.DOI != "" && sc.EnableInstitutionalAccess {
		var cands []models.AccessURL
		for _, host := range sc.Institutions {
			cands = append(cands, models.AccessURL{
				URL:                fmt.Sprintf("https://doi-org.%s/%s", host, pub.DOI),
				Kind:               "ezproxy",
				RequiresManualAuth: true,
			})
		}
		if len(cands) > 0 {
			it.steps = append(it.steps, static(cands...))
		}
	}

	// 6. Preprint-Server: erst DOI-Präfix, sonst Titel+Autor-Lookup
	if cand, ok := r.preprintCandidate(pub.DOI); ok {
		it.steps = append(it.steps, static(cand))
	} else if pub.Title != "" {
		it.steps = append(it.steps, func(ctx context.Context) []models.AccessURL {
			return r.preprintLookup(ctx, pub)
		})
	}

	// 7. Optionales Scraping der Scholar-Ergebnisseite
	if sc.EnableWebScrape && pub.Title != "" {
		it.steps = append(it.steps, func(ctx context.Context) []models.AccessURL {
			return r.scrapeForPDF(ctx, pub.Title)
		})
	}

	return it
}

// resolveDOILanding folgt der DOI-Weiterleitung und sucht auf der
// Landing-Page nach einem PDF-Link.
func (r *Resolver) resolveDOILanding(ctx context.Context, doi string) []models.AccessURL {
	landingURL := fmt.Sprintf("%s/%s", r.DOIBaseURL, doi)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, landingURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "text/html,application/pdf")

	resp, err := r.Client.Do(req)
	if err != nil {
		r.Logger.Debug("DOI-Auflösung fehlgeschlagen", zap.String("doi", doi), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}
	finalURL := landingURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	// Liefert der Publisher direkt ein PDF, ist die finale URL der Kandidat
	if strings.Contains(resp.Header.Get("Content-Type"), "application/pdf") {
		return []models.AccessURL{{URL: finalURL, Kind: "publisher"}}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}
	page := string(body)

	if m := citationPDFRegex.FindStringSubmatch(page); m != nil {
		return []models.AccessURL{{URL: absoluteURL(finalURL, m[1]), Kind: "publisher"}}
	}
	if m := pdfHrefRegex.FindStringSubmatch(page); m != nil {
		return []models.AccessURL{{URL: absoluteURL(finalURL, m[1]), Kind: "publisher"}}
	}
	return nil
}

// preprintCandidate leitet aus dem DOI-Präfix den Preprint-Server ab.
func (r *Resolver) preprintCandidate(doi string) (models.AccessURL, bool) {
	switch {
	case strings.HasPrefix(doi, "10.48550/"):
		// arXiv-DOIs haben die Form 10.48550/arXiv.<id>
		id := strings.TrimPrefix(doi, "10.48550/")
		id = strings.TrimPrefix(id, "arXiv.")
		return models.AccessURL{URL: fmt.Sprintf("%s/%s", r.ArxivBaseURL, id), Kind: "preprint"}, true
	case strings.HasPrefix(doi, "10.1101/"):
		// bioRxiv/medRxiv
		return models.AccessURL{URL: fmt.Sprintf("%s/%s.full.pdf", r.BiorxivBaseURL, doi), Kind: "preprint"}, true
	}
	return models.AccessURL{}, false
}

// preprintLookup sucht arXiv per Titel (und Erstautor, falls bekannt),
// wenn der DOI keinen Preprint-Server verrät.
func (r *Resolver) preprintLookup(ctx context.Context, pub *models.Publication) []models.AccessURL {
	query := fmt.Sprintf(`ti:"%s"`, pub.Title)
	if len(pub.Authors) > 0 && pub.Authors[0].Name != "" {
		query += fmt.Sprintf(` AND au:"%s"`, pub.Authors[0].Name)
	}
	lookupURL := fmt.Sprintf("%s?search_query=%s&max_results=1", r.ArxivQueryURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		r.Logger.Debug("arXiv-Lookup fehlgeschlagen", zap.String("title", pub.Title), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}
	if m := atomPDFRegex.FindStringSubmatch(string(body)); m != nil {
		return []models.AccessURL{{URL: m[1], Kind: "preprint"}}
	}
	return nil
}

// scrapeForPDF sucht die Scholar-Ergebnisseite nach direkten PDF-Links ab.
func (r *Resolver) scrapeForPDF(ctx context.Context, title string) []models.AccessURL {
	scrapeURL := fmt.Sprintf("%s/scholar?q=%s", r.ScholarBaseURL, url.QueryEscape(`"`+title+`"`))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scrapeURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil
	}

	var cands []models.AccessURL
	for _, m := range pdfHrefRegex.FindAllStringSubmatch(string(body), 3) {
		cands = append(cands, models.AccessURL{URL: m[1], Kind: "scrape"})
	}
	return cands
}

func absoluteURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	u, err := b.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}
