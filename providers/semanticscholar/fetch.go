package semanticscholar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"omics-oracle/config"
	"omics-oracle/models"
	"omics-oracle/providers"
)

const sourceName = "semanticscholar"

// Fetcher implementiert das Provider-Interface für Semantic Scholar.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
	Client *http.Client
}

// NewFetcher erstellt einen neuen Semantic Scholar Fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		Config: cfg,
		Logger: logger,
		Client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Name gibt den Quellen-Tag des Providers zurück.
func (f *Fetcher) Name() string {
	return sourceName
}

// Search führt eine Relevanzsuche über /paper/search aus.
func (f *Fetcher) Search(ctx context.Context, term string, opts providers.SearchOptions) ([]*models.Publication, error) {
	log := f.Logger.With(zap.String("source", sourceName), zap.String("term", term))

	limit := opts.MaxResults
	if limit <= 0 {
		limit = 25
	}
	if limit > 100 {
		limit = 100 // API-Obergrenze pro Seite
	}

	searchURL := fmt.Sprintf("%s/paper/search?query=%s&limit=%d&fields=%s",
		f.Config.S2BaseURL, url.QueryEscape(term), limit, paperFields)
	if opts.YearFrom != 0 || opts.YearTo != 0 {
		searchURL += "&year=" + yearParam(opts.YearFrom, opts.YearTo)
	}
	log.Debug("Rufe Semantic Scholar API auf", zap.String("url", searchURL))

	var searchResponse SearchResponse
	if err := f.getJSON(ctx, searchURL, &searchResponse); err != nil {
		return nil, err
	}

	var pubs []*models.Publication
	for i := range searchResponse.Data {
		p := mapPaperToModel(&searchResponse.Data[i])
		if p.HasIdentity() {
			pubs = append(pubs, p)
		}
	}

	log.Info("Suche auf Semantic Scholar abgeschlossen", zap.Int("found", len(pubs)))
	return pubs, nil
}

// FetchByDOI lädt ein einzelnes Paper anhand der DOI.
func (f *Fetcher) FetchByDOI(ctx context.Context, doi string) (*models.Publication, error) {
	return f.fetchPaper(ctx, "DOI:"+doi)
}

// FetchByID lädt ein einzelnes Paper anhand der PMID.
func (f *Fetcher) FetchByID(ctx context.Context, pmid string) (*models.Publication, error) {
	return f.fetchPaper(ctx, "PMID:"+pmid)
}

// FetchCitingByPMID holt alle Paper, die die gegebene PMID zitieren.
// Der Citation Tracker nutzt das für GEO-Serien.
func (f *Fetcher) FetchCitingByPMID(ctx context.Context, pmid string, limit int) ([]*models.Publication, error) {
	if limit <= 0 {
		limit = 100
	}
	citURL := fmt.Sprintf("%s/paper/PMID:%s/citations?limit=%d&fields=%s",
		f.Config.S2BaseURL, url.PathEscape(pmid), limit, paperFields)

	var citResponse CitationsResponse
	if err := f.getJSON(ctx, citURL, &citResponse); err != nil {
		return nil, err
	}

	var pubs []*models.Publication
	for i := range citResponse.Data {
		p := mapPaperToModel(&citResponse.Data[i].CitingPaper)
		if p.HasIdentity() {
			pubs = append(pubs, p)
		}
	}
	return pubs, nil
}

func (f *Fetcher) fetchPaper(ctx context.Context, paperID string) (*models.Publication, error) {
	paperURL := fmt.Sprintf("%s/paper/%s?fields=%s", f.Config.S2BaseURL, url.PathEscape(paperID), paperFields)

	var paper Paper
	if err := f.getJSON(ctx, paperURL, &paper); err != nil {
		return nil, err
	}
	p := mapPaperToModel(&paper)
	if !p.HasIdentity() {
		return nil, providers.NewError(sourceName, providers.KindNotFound,
			fmt.Errorf("kein Paper für %s", paperID))
	}
	return p, nil
}

func (f *Fetcher) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return providers.NewError(sourceName, providers.KindUpstream, err)
	}
	if f.Config.S2APIKey != "" {
		req.Header.Set("x-api-key", f.Config.S2APIKey)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return providers.WrapTransport(sourceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return providers.FromStatus(sourceName, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return providers.NewError(sourceName, providers.KindUpstream, err)
	}
	return nil
}

// yearParam baut den year-Parameter der Graph API ("2019-2023", "2019-", "-2023").
func yearParam(from, to int) string {
	switch {
	case from != 0 && to != 0:
		return fmt.Sprintf("%d-%d", from, to)
	case from != 0:
		return fmt.Sprintf("%d-", from)
	default:
		return fmt.Sprintf("-%d", to)
	}
}

// mapPaperToModel konvertiert ein Graph-API-Paper in unser Publication-Modell.
func mapPaperToModel(paper *Paper) *models.Publication {
	p := &models.Publication{
		S2PaperID:    paper.PaperID,
		Title:        paper.Title,
		Abstract:     paper.Abstract,
		Venue:        paper.Venue,
		Year:         paper.Year,
		Citations:    paper.CitationCount,
		IsOpenAccess: paper.IsOpenAccess,
		Sources:      []string{sourceName},
	}

	if paper.InfluentialCitationCount > 0 {
		inf := paper.InfluentialCitationCount
		p.InfluentialCitations = &inf
	}
	if paper.ExternalIDs != nil {
		p.DOI = paper.ExternalIDs["DOI"]
		p.PMID = paper.ExternalIDs["PubMed"]
		if pmc := paper.ExternalIDs["PubMedCentral"]; pmc != "" {
			p.PMCID = "PMC" + pmc
		}
	}
	if paper.PublicationDate != "" {
		if t, err := time.Parse("2006-01-02", paper.PublicationDate); err == nil {
			p.PublicationDate = &t
			if p.Year == 0 {
				p.Year = t.Year()
			}
		}
	}
	if paper.OpenAccessPDF != nil && paper.OpenAccessPDF.URL != "" {
		p.FulltextURL = paper.OpenAccessPDF.URL
	}
	for _, a := range paper.Authors {
		if a.Name != "" {
			p.Authors = append(p.Authors, models.Author{Name: a.Name, HIndex: a.HIndex})
		}
	}
	return p
}
