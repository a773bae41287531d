package openalex

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

const sourceName = "openalex"

// Fetcher implementiert das Provider-Interface für OpenAlex.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
	Client *http.Client
	Now    func() time.Time
}

// NewFetcher erstellt einen neuen OpenAlex Fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		Config: cfg,
		Logger: logger,
		Client: &http.Client{Timeout: 60 * time.Second},
		Now:    time.Now,
	}
}

// Name gibt den Quellen-Tag des Providers zurück.
func (f *Fetcher) Name() string {
	return sourceName
}

// Search führt eine Volltextsuche über /works aus.
func (f *Fetcher) Search(ctx context.Context, term string, opts providers.SearchOptions) ([]*models.Publication, error) {
	log := f.Logger.With(zap.String("source", sourceName), zap.String("term", term))

	perPage := opts.MaxResults
	if perPage <= 0 {
		perPage = 25
	}
	if perPage > 200 {
		perPage = 200
	}

	searchURL := fmt.Sprintf("%s/works?search=%s&per-page=%d",
		f.Config.OpenAlexBaseURL, url.QueryEscape(term), perPage)
	if filter := yearFilter(opts.YearFrom, opts.YearTo); filter != "" {
		searchURL += "&filter=" + url.QueryEscape(filter)
	}
	if f.Config.OpenAlexEmail != "" {
		// Polite Pool: Requests mit mailto bekommen höhere Limits
		searchURL += "&mailto=" + url.QueryEscape(f.Config.OpenAlexEmail)
	}
	log.Debug("Rufe OpenAlex API auf", zap.String("url", searchURL))

	resp, err := f.get(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.FromStatus(sourceName, resp)
	}

	var worksResponse WorksResponse
	if err := json.NewDecoder(resp.Body).Decode(&worksResponse); err != nil {
		return nil, providers.NewError(sourceName, providers.KindUpstream, err)
	}

	var pubs []*models.Publication
	for i := range worksResponse.Results {
		p := f.mapWorkToModel(&worksResponse.Results[i])
		if p.HasIdentity() {
			pubs = append(pubs, p)
		}
	}

	log.Info("Suche auf OpenAlex abgeschlossen", zap.Int("found", len(pubs)))
	return pubs, nil
}

// FetchByDOI lädt ein einzelnes Werk anhand der DOI.
func (f *Fetcher) FetchByDOI(ctx context.Context, doi string) (*models.Publication, error) {
	workURL := fmt.Sprintf("%s/works/https://doi.org/%s", f.Config.OpenAlexBaseURL, url.PathEscape(doi))
	if f.Config.OpenAlexEmail != "" {
		workURL += "?mailto=" + url.QueryEscape(f.Config.OpenAlexEmail)
	}

	resp, err := f.get(ctx, workURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.FromStatus(sourceName, resp)
	}

	var work Work
	if err := json.NewDecoder(resp.Body).Decode(&work); err != nil {
		return nil, providers.NewError(sourceName, providers.KindUpstream, err)
	}
	return f.mapWorkToModel(&work), nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, providers.NewError(sourceName, providers.KindUpstream, err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, providers.WrapTransport(sourceName, err)
	}
	return resp, nil
}

// yearFilter baut den Publikationsdatums-Filter der Works API.
func yearFilter(from, to int) string {
	switch {
	case from != 0 && to != 0:
		return fmt.Sprintf("from_publication_date:%d-01-01,to_publication_date:%d-12-31", from, to)
	case from != 0:
		return fmt.Sprintf("from_publication_date:%d-01-01", from)
	case to != 0:
		return fmt.Sprintf("to_publication_date:%d-12-31", to)
	default:
		return ""
	}
}

// mapWorkToModel konvertiert ein OpenAlex-Werk in unser Publication-Modell.
func (f *Fetcher) mapWorkToModel(work *Work) *models.Publication {
	p := &models.Publication{
		DOI:          stripIDPrefix(work.DOI),
		PMID:         stripIDPrefix(work.IDs.PMID),
		PMCID:        stripIDPrefix(work.IDs.PMCID),
		Title:        work.Title,
		Abstract:     decodeAbstract(work.AbstractInvertedIndex),
		Year:         work.PublicationYear,
		Citations:    work.CitedByCount,
		IsOpenAccess: work.OpenAccess.IsOA,
		Sources:      []string{sourceName},
	}

	if work.PublicationDate != "" {
		if t, err := time.Parse("2006-01-02", work.PublicationDate); err == nil {
			p.PublicationDate = &t
		}
	}
	if work.PrimaryLocation != nil {
		if work.PrimaryLocation.Source != nil {
			p.Venue = work.PrimaryLocation.Source.DisplayName
		}
		if work.PrimaryLocation.IsOA && work.PrimaryLocation.PDFURL != "" {
			p.FulltextURL = work.PrimaryLocation.PDFURL
		}
	}
	if p.FulltextURL == "" && work.OpenAccess.OAURL != "" {
		p.FulltextURL = work.OpenAccess.OAURL
	}

	for _, a := range work.Authorships {
		if a.Author.DisplayName == "" {
			continue
		}
		author := models.Author{Name: a.Author.DisplayName}
		if len(a.Institutions) > 0 {
			author.Affiliation = a.Institutions[0].DisplayName
		}
		p.Authors = append(p.Authors, author)
	}

	// Zitationen der letzten 3 Jahre aus counts_by_year aufsummieren
	if len(work.CountsByYear) > 0 {
		cutoff := f.now().Year() - 3
		sum := 0
		for _, c := range work.CountsByYear {
			if c.Year >= cutoff {
				sum += c.CitedByCount
			}
		}
		p.CitationsLast3Years = &sum
	}

	return p
}

func (f *Fetcher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}
