// Package unpaywall enthält den Client für die Unpaywall API, die
// zentrale Fallback-Quelle für Open-Access-Volltexte per DOI.
package unpaywall

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"omics-oracle/config"
	"omics-oracle/providers"
)

const sourceName = "unpaywall"

// Response ist die Antwort der Unpaywall API für eine DOI.
type Response struct {
	DOI            string       `json:"doi"`
	IsOA           bool         `json:"is_oa"`
	BestOALocation *OALocation  `json:"best_oa_location"`
	OALocations    []OALocation `json:"oa_locations"`
}

// OALocation ist ein einzelner OA-Fundort.
type OALocation struct {
	URL           string `json:"url"`
	URLForPDF     string `json:"url_for_pdf"`
	HostType      string `json:"host_type"`
	Version       string `json:"version"`
	License       string `json:"license"`
	RepositoryOrg string `json:"repository_institution"`
}

// PDFLink gibt den besten Download-Link der Location zurück.
func (l *OALocation) PDFLink() string {
	if l.URLForPDF != "" {
		return l.URLForPDF
	}
	return l.URL
}

// Fetcher kapselt den Zugriff auf die Unpaywall API.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
	Client *http.Client
}

// NewFetcher erstellt einen neuen Unpaywall-Fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		Config: cfg,
		Logger: logger,
		Client: &http.Client{Timeout: 60 * time.Second},
	}
}

// GetOALocations fragt alle bekannten OA-Fundorte für eine DOI ab.
func (f *Fetcher) GetOALocations(ctx context.Context, doi string) (*Response, error) {
	email := f.Config.UnpaywallEmail
	if email == "" {
		email = "dev@omics-oracle.local"
	}
	reqURL := fmt.Sprintf("%s/%s?email=%s", f.Config.UnpaywallBaseURL, url.PathEscape(doi), url.QueryEscape(email))
	f.Logger.Debug("Rufe Unpaywall API auf", zap.String("url", reqURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, providers.NewError(sourceName, providers.KindUpstream, err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, providers.WrapTransport(sourceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.FromStatus(sourceName, resp)
	}

	var upResponse Response
	if err := json.NewDecoder(resp.Body).Decode(&upResponse); err != nil {
		return nil, providers.NewError(sourceName, providers.KindUpstream, err)
	}
	return &upResponse, nil
}
