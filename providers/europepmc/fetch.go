package europepmc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"omics-oracle/config"
	"omics-oracle/models"
	"omics-oracle/providers"
)

const sourceName = "europepmc"

// Fetcher implementiert das Provider-Interface für Europe PMC.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
	Client *http.Client
}

// NewFetcher erstellt einen neuen Europe PMC Fetcher.
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

// Search führt die Suche auf Europe PMC aus.
func (f *Fetcher) Search(ctx context.Context, term string, opts providers.SearchOptions) ([]*models.Publication, error) {
	log := f.Logger.With(zap.String("source", sourceName), zap.String("term", term))

	query := term
	if opts.YearFrom != 0 || opts.YearTo != 0 {
		from, to := opts.YearFrom, opts.YearTo
		if from == 0 {
			from = 1800
		}
		if to == 0 {
			to = time.Now().Year()
		}
		query = fmt.Sprintf("(%s) AND (PUB_YEAR:[%d TO %d])", term, from, to)
	}

	pageSize := opts.MaxResults
	if pageSize <= 0 {
		pageSize = 25
	}
	searchURL := fmt.Sprintf("%s/search?query=%s&format=json&resultType=core&pageSize=%d",
		f.Config.EuropePMCBaseURL, url.QueryEscape(query), pageSize)
	log.Debug("Rufe Europe PMC API auf", zap.String("url", searchURL))

	resp, err := f.get(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.FromStatus(sourceName, resp)
	}

	var searchResponse SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResponse); err != nil {
		return nil, providers.NewError(sourceName, providers.KindUpstream, err)
	}

	var pubs []*models.Publication
	for i := range searchResponse.ResultList.Result {
		p := mapArticleToModel(&searchResponse.ResultList.Result[i])
		if p.HasIdentity() {
			pubs = append(pubs, p)
		}
	}

	log.Info("Suche auf Europe PMC abgeschlossen", zap.Int("found", len(pubs)))
	return pubs, nil
}

// FetchByDOI lädt einen einzelnen Artikel per DOI.
func (f *Fetcher) FetchByDOI(ctx context.Context, doi string) (*models.Publication, error) {
	query := fmt.Sprintf(`DOI:"%s"`, doi)
	pubs, err := f.Search(ctx, query, providers.SearchOptions{MaxResults: 1})
	if err != nil {
		return nil, err
	}
	if len(pubs) == 0 {
		return nil, providers.NewError(sourceName, providers.KindNotFound,
			fmt.Errorf("kein Artikel für DOI %s", doi))
	}
	return pubs[0], nil
}

// Citations schlägt die Zitationszahl einer Publikation nach.
func (f *Fetcher) Citations(ctx context.Context, pub *models.Publication) (int, error) {
	switch {
	case pub.PMID != "":
		p, err := f.fetchByExtID(ctx, "ext_id:"+pub.PMID+" AND src:med")
		if err != nil {
			return 0, err
		}
		return p.Citations, nil
	case pub.DOI != "":
		p, err := f.FetchByDOI(ctx, pub.DOI)
		if err != nil {
			return 0, err
		}
		return p.Citations, nil
	default:
		return 0, providers.NewError(sourceName, providers.KindNotFound,
			fmt.Errorf("publikation ohne PMID/DOI"))
	}
}

func (f *Fetcher) fetchByExtID(ctx context.Context, query string) (*models.Publication, error) {
	pubs, err := f.Search(ctx, query, providers.SearchOptions{MaxResults: 1})
	if err != nil {
		return nil, err
	}
	if len(pubs) == 0 {
		return nil, providers.NewError(sourceName, providers.KindNotFound, fmt.Errorf("kein Treffer für %s", query))
	}
	return pubs[0], nil
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

// mapArticleToModel konvertiert ein Europe PMC Article-Objekt in unser
// internes Publication-Modell.
func mapArticleToModel(article *Article) *models.Publication {
	p := &models.Publication{
		PMID:         article.PMID,
		PMCID:        article.PMCID,
		DOI:          article.DOI,
		Title:        strings.TrimSpace(article.Title),
		Abstract:     article.AbstractText,
		Venue:        article.JournalTitle,
		Citations:    article.CitedByCount,
		IsOpenAccess: strings.EqualFold(article.IsOpenAccess, "y"),
		Sources:      []string{sourceName},
	}

	if d := parseEuroDate(article.FirstPublicationDate); d != nil {
		p.PublicationDate = d
		p.Year = d.Year()
	} else if article.PubYear != "" {
		if y, err := strconv.Atoi(article.PubYear); err == nil {
			p.Year = y
		}
	}

	for _, name := range strings.Split(article.AuthorString, ",") {
		if name = strings.TrimSpace(strings.TrimSuffix(name, ".")); name != "" {
			p.Authors = append(p.Authors, models.Author{Name: name})
		}
	}

	// Finde den besten PDF-Link
	for _, ft := range article.FullTextURLList.FullTextURL {
		if ft.DocumentStyle == "pdf" && ft.AvailabilityCode == "OA" {
			p.FulltextURL = ft.URL
			break
		}
	}

	// Preprints markieren
	for _, pubType := range article.PubTypeList.PubType {
		if strings.EqualFold(pubType, "preprint") {
			p.SetSourceSpecific("europepmc.pub_type", "preprint")
			break
		}
	}

	return p
}
