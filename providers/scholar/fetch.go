// Package scholar scrapt die Google-Scholar-Ergebnisseite. Es gibt
// keine offizielle API, deshalb Regex-Parsing mit strikter Taktung.
package scholar

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"omics-oracle/config"
	"omics-oracle/models"
	"omics-oracle/providers"
)

const sourceName = "scholar"

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// resultMarker leitet jeden Treffer-Block auf der Ergebnisseite ein.
const resultMarker = `<div class="gs_r gs_or gs_scl"`

var (
	cidRegex      = regexp.MustCompile(`^[^>]*data-cid="([^"]+)"`)
	titleRegex    = regexp.MustCompile(`(?s)<h3 class="gs_rt"[^>]*>(?:<span[^>]*>.*?</span>\s*)?(?:<a[^>]*href="([^"]+)"[^>]*>)?(.*?)(?:</a>)?</h3>`)
	snippetRegex  = regexp.MustCompile(`(?s)<div class="gs_rs"[^>]*>(.*?)</div>`)
	metaRegex     = regexp.MustCompile(`(?s)<div class="gs_a"[^>]*>(.*?)</div>`)
	citedByRegex  = regexp.MustCompile(`Cited by (\d+)`)
	yearRegex     = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	tagRegex      = regexp.MustCompile(`<[^>]+>`)
	antiBotTokens = []string{"unusual traffic", "not a robot", "gs_captcha"}
)

// Fetcher implementiert das Provider-Interface über HTML-Scraping.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
	Client *http.Client
}

// NewFetcher erstellt einen neuen Scholar-Fetcher. Ist eine Proxy-URL
// konfiguriert, laufen alle Requests darüber.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	client := &http.Client{Timeout: 60 * time.Second}
	if cfg.ScholarProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ScholarProxyURL); err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		} else {
			logger.Warn("Ungültige Scholar-Proxy-URL, fahre ohne Proxy fort", zap.Error(err))
		}
	}
	return &Fetcher{Config: cfg, Logger: logger, Client: client}
}

// Name gibt den Quellen-Tag des Providers zurück.
func (f *Fetcher) Name() string {
	return sourceName
}

// Search scrapt die Ergebnisseite für einen Suchbegriff.
func (f *Fetcher) Search(ctx context.Context, term string, opts providers.SearchOptions) ([]*models.Publication, error) {
	log := f.Logger.With(zap.String("source", sourceName), zap.String("term", term))

	searchURL := fmt.Sprintf("%s/scholar?q=%s&hl=en", f.Config.ScholarBaseURL, url.QueryEscape(term))
	if opts.YearFrom != 0 {
		searchURL += "&as_ylo=" + strconv.Itoa(opts.YearFrom)
	}
	if opts.YearTo != 0 {
		searchURL += "&as_yhi=" + strconv.Itoa(opts.YearTo)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, providers.NewError(sourceName, providers.KindUpstream, err)
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, providers.WrapTransport(sourceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.FromStatus(sourceName, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, providers.NewError(sourceName, providers.KindUpstream, err)
	}
	page := string(body)

	for _, token := range antiBotTokens {
		if strings.Contains(page, token) {
			return nil, providers.NewError(sourceName, providers.KindBlocked,
				fmt.Errorf("anti-bot interstitial erkannt"))
		}
	}

	pubs := parseResults(page, opts.MaxResults)
	log.Info("Scholar-Scrape abgeschlossen", zap.Int("found", len(pubs)))
	return pubs, nil
}

// parseResults extrahiert die Treffer-Blöcke aus der HTML-Seite.
func parseResults(page string, max int) []*models.Publication {
	if max <= 0 {
		max = 20
	}

	var pubs []*models.Publication
	for _, block := range strings.Split(page, resultMarker)[1:] {
		if len(pubs) >= max {
			break
		}
		cm := cidRegex.FindStringSubmatch(block)
		if cm == nil {
			continue
		}
		cid := cm[1]

		p := &models.Publication{
			ScholarID: cid,
			Sources:   []string{sourceName},
		}
		if tm := titleRegex.FindStringSubmatch(block); tm != nil {
			p.Title = cleanHTML(tm[2])
			if link := tm[1]; link != "" && strings.HasSuffix(strings.ToLower(link), ".pdf") {
				p.FulltextURL = link
			}
		}
		if sm := snippetRegex.FindStringSubmatch(block); sm != nil {
			p.Abstract = cleanHTML(sm[1])
		}
		if mm := metaRegex.FindStringSubmatch(block); mm != nil {
			meta := cleanHTML(mm[1])
			if ym := yearRegex.FindString(meta); ym != "" {
				if y, err := strconv.Atoi(ym); err == nil {
					p.Year = y
				}
			}
			if parts := strings.Split(meta, " - "); len(parts) > 0 {
				for _, name := range strings.Split(parts[0], ",") {
					if name = strings.TrimSpace(name); name != "" && name != "…" {
						p.Authors = append(p.Authors, models.Author{Name: name})
					}
				}
			}
		}
		if cm := citedByRegex.FindStringSubmatch(block); cm != nil {
			if c, err := strconv.Atoi(cm[1]); err == nil {
				p.Citations = c
			}
		}

		if p.HasIdentity() {
			pubs = append(pubs, p)
		}
	}
	return pubs
}

// cleanHTML entfernt Tags und dekodiert Entities.
func cleanHTML(s string) string {
	s = tagRegex.ReplaceAllString(s, "")
	return strings.TrimSpace(html.UnescapeString(s))
}
