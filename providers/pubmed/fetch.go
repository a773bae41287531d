package pubmed

import (
	"context"
	"encoding/json"
	"encoding/xml"
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
	"omics-oracle/providers"
)

const sourceName = "pubmed"

var (
	pdfRegex = regexp.MustCompile(`href="([^"]+\.pdf)"`)
	tarRegex = regexp.MustCompile(`href="([^"]+\.tar\.gz)"`)
)

// Fetcher kapselt die Logik zur Interaktion mit den PubMed E-Utilities.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
	Client *http.Client
}

// NewFetcher erstellt eine neue Instanz des PubMed-Fetchers.
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

// Search führt eine vollständige Suche auf PubMed durch: ESearch für die
// PMIDs, danach ein gebündeltes EFetch für die Metadaten.
func (f *Fetcher) Search(ctx context.Context, term string, opts providers.SearchOptions) ([]*models.Publication, error) {
	log := f.Logger.With(zap.String("source", sourceName), zap.String("term", term))

	ids, err := f.searchIDs(ctx, term, opts)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		log.Debug("ESearch lieferte keine PMIDs.")
		return nil, nil
	}

	pubs, err := f.fetchByPMIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	log.Info("PubMed-Suche abgeschlossen", zap.Int("found", len(pubs)))
	return pubs, nil
}

// FetchByID lädt eine einzelne Publikation anhand ihrer PMID.
func (f *Fetcher) FetchByID(ctx context.Context, pmid string) (*models.Publication, error) {
	pubs, err := f.fetchByPMIDs(ctx, []string{pmid})
	if err != nil {
		return nil, err
	}
	if len(pubs) == 0 {
		return nil, providers.NewError(sourceName, providers.KindNotFound,
			fmt.Errorf("kein Artikel für PMID %s", pmid))
	}
	return pubs[0], nil
}

// searchIDs führt eine ESearch-Abfrage durch und gibt die PMIDs zurück.
func (f *Fetcher) searchIDs(ctx context.Context, term string, opts providers.SearchOptions) ([]string, error) {
	query := term
	if opts.YearFrom != 0 || opts.YearTo != 0 {
		from, to := opts.YearFrom, opts.YearTo
		if from == 0 {
			from = 1800
		}
		if to == 0 {
			to = time.Now().Year()
		}
		query = fmt.Sprintf("(%s) AND %d:%d[dp]", term, from, to)
	}

	searchURL := f.buildEsearchURL(query, opts.MaxResults)
	f.Logger.Debug("Rufe ESearch-URL auf", zap.String("url", searchURL))

	resp, err := f.get(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.FromStatus(sourceName, resp)
	}

	var esearchResp ESearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&esearchResp); err != nil {
		return nil, providers.NewError(sourceName, providers.KindUpstream, err)
	}
	return esearchResp.ESearchResult.IdList, nil
}

// fetchByPMIDs holt die Metadaten aller PMIDs in einem EFetch-Aufruf.
func (f *Fetcher) fetchByPMIDs(ctx context.Context, pmids []string) ([]*models.Publication, error) {
	efetchURL := fmt.Sprintf("%s/efetch.fcgi?db=pubmed&id=%s&retmode=xml",
		f.Config.PubMedBaseURL, strings.Join(pmids, ","))
	if f.Config.PubMedAPIKey != "" {
		efetchURL += "&api_key=" + f.Config.PubMedAPIKey
	}

	resp, err := f.get(ctx, efetchURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.FromStatus(sourceName, resp)
	}

	var articleSet PubmedArticleSet
	if err := xml.NewDecoder(resp.Body).Decode(&articleSet); err != nil {
		return nil, providers.NewError(sourceName, providers.KindUpstream, err)
	}

	pubs := make([]*models.Publication, 0, len(articleSet.PubmedArticle))
	for i := range articleSet.PubmedArticle {
		p := mapArticleToModel(&articleSet.PubmedArticle[i])
		if p.HasIdentity() {
			pubs = append(pubs, p)
		}
	}
	return pubs, nil
}

// ResolveOALink holt den besten Download-Link aus dem PMC OA Feed.
// Der Regex-Fallback bleibt, weil der Feed gelegentlich kaputtes XML liefert.
func (f *Fetcher) ResolveOALink(ctx context.Context, pmcID string) (string, error) {
	oaURL := fmt.Sprintf("https://www.ncbi.nlm.nih.gov/pmc/utils/oa/oa.fcgi?id=%s", pmcID)
	f.Logger.Debug("Rufe PMC OA Feed URL auf", zap.String("url", oaURL))

	resp, err := f.get(ctx, oaURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", providers.NewError(sourceName, providers.KindUpstream, err)
	}

	var oaResponse OAResponse
	if err := xml.Unmarshal(body, &oaResponse); err != nil {
		f.Logger.Warn("XML-Parsing des OA-Feeds fehlgeschlagen, versuche Regex-Fallback", zap.Error(err))
	}
	if oaResponse.Error != "" {
		return "", providers.NewError(sourceName, providers.KindNotFound,
			fmt.Errorf("OA feed returned error: %s", oaResponse.Error))
	}

	var pdfLink, tarLink string
	if len(oaResponse.Records) > 0 {
		for _, link := range oaResponse.Records[0].Links {
			if strings.EqualFold(link.Format, "pdf") && link.Href != "" {
				pdfLink = link.Href
				break
			}
			if tarLink == "" && strings.EqualFold(link.Format, "tgz") && link.Href != "" {
				tarLink = link.Href
			}
		}
	}
	if pdfLink == "" {
		if matches := pdfRegex.FindStringSubmatch(string(body)); len(matches) > 1 {
			pdfLink = matches[1]
		}
	}
	if pdfLink == "" && tarLink == "" {
		if matches := tarRegex.FindStringSubmatch(string(body)); len(matches) > 1 {
			tarLink = matches[1]
		}
	}

	finalLink := pdfLink
	if finalLink == "" {
		finalLink = tarLink
	}
	return normalizeURL(finalLink), nil
}

// ConvertToPMCID holt die PMCID über den PMC ID Converter.
func (f *Fetcher) ConvertToPMCID(ctx context.Context, pmid string) (string, error) {
	convURL := fmt.Sprintf("https://www.ncbi.nlm.nih.gov/pmc/utils/idconv/v1.0/?ids=%s&format=json", pmid)

	resp, err := f.get(ctx, convURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var convResponse IDConvResponse
	if err := json.NewDecoder(resp.Body).Decode(&convResponse); err != nil {
		return "", providers.NewError(sourceName, providers.KindUpstream, err)
	}
	if len(convResponse.Records) > 0 && convResponse.Records[0].PMCID != "" {
		return convResponse.Records[0].PMCID, nil
	}
	return "", nil // Kein Fehler, aber auch keine PMCID
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

// buildEsearchURL baut die URL für eine ESearch-Anfrage.
func (f *Fetcher) buildEsearchURL(term string, retmax int) string {
	if retmax <= 0 {
		retmax = 20
	}
	base := fmt.Sprintf("%s/esearch.fcgi?db=pubmed&term=%s&retmode=json&retmax=%d&tool=%s",
		f.Config.PubMedBaseURL, url.QueryEscape(term), retmax, url.QueryEscape(f.Config.PubMedTool))
	if f.Config.PubMedAPIKey != "" {
		base += "&api_key=" + f.Config.PubMedAPIKey
	}
	if f.Config.PubMedEmail != "" {
		base += "&email=" + url.QueryEscape(f.Config.PubMedEmail)
	}
	return base
}

// normalizeURL stellt sicher, dass eine URL absolut und mit https ist.
func normalizeURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	if strings.HasPrefix(rawURL, "ftp://") {
		return strings.Replace(rawURL, "ftp://", "https://", 1)
	}
	if strings.HasPrefix(rawURL, "//") {
		return "https:" + rawURL
	}
	if strings.HasPrefix(rawURL, "/") {
		return "https://www.ncbi.nlm.nih.gov" + rawURL
	}
	return rawURL
}

// mapArticleToModel wandelt ein XML-Article-Objekt in unser Publication-Modell um.
func mapArticleToModel(article *PubmedArticle) *models.Publication {
	cit := &article.MedlineCitation
	p := &models.Publication{
		PMID:     cit.PMID,
		Title:    strings.TrimSpace(cit.Article.Title),
		Abstract: strings.Join(cit.Article.Abstract.Text, "\n"),
		Venue:    cit.Article.Journal.Title,
		Sources:  []string{sourceName},
	}

	for _, author := range cit.Article.Authors {
		name := strings.TrimSpace(author.ForeName + " " + author.LastName)
		if name == "" {
			name = strings.TrimSpace(author.Initials + " " + author.LastName)
		}
		if name != "" {
			p.Authors = append(p.Authors, models.Author{Name: name, Affiliation: author.Affiliation})
		}
	}

	for _, id := range cit.Article.ELocationID {
		if id.IDType == "doi" && id.ValidYN == "Y" {
			p.DOI = strings.TrimSpace(id.Value)
			break
		}
	}
	for _, id := range article.PubmedData.ArticleIDs {
		switch id.IDType {
		case "pmc":
			p.PMCID = strings.TrimSpace(id.Value)
		case "doi":
			if p.DOI == "" {
				p.DOI = strings.TrimSpace(id.Value)
			}
		}
	}

	pubDate := cit.Article.Journal.PubDate
	if pubDate.Year != "" {
		month := "01"
		if pubDate.Month != "" {
			if parsedMonth, err := time.Parse("Jan", pubDate.Month); err == nil {
				month = fmt.Sprintf("%02d", parsedMonth.Month())
			} else if tm, err := time.Parse("1", pubDate.Month); err == nil {
				// Fallback für numerische Monate
				month = fmt.Sprintf("%02d", tm.Month())
			}
		}
		day := pubDate.Day
		if day == "" {
			day = "01"
		}
		if len(day) == 1 {
			day = "0" + day
		}
		if t, err := time.Parse("2006-01-02", fmt.Sprintf("%s-%s-%s", pubDate.Year, month, day)); err == nil {
			p.PublicationDate = &t
			p.Year = t.Year()
		}
	}

	return p
}

