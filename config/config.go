package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Quellen
	PubMedBaseURL string `envconfig:"PUBMED_BASE_URL" default:"https://eutils.ncbi.nlm.nih.gov/entrez/eutils"`
	PubMedAPIKey  string `envconfig:"PUBMED_API_KEY"`
	PubMedEmail   string `envconfig:"PUBMED_EMAIL"`
	PubMedTool    string `envconfig:"PUBMED_TOOL" default:"omics-oracle"`

	EuropePMCBaseURL string `envconfig:"EUROPEPMC_BASE_URL" default:"https://www.ebi.ac.uk/europepmc/webservices/rest"`

	S2BaseURL string `envconfig:"S2_BASE_URL" default:"https://api.semanticscholar.org/graph/v1"`
	S2APIKey  string `envconfig:"S2_API_KEY"`

	OpenAlexBaseURL string `envconfig:"OPENALEX_BASE_URL" default:"https://api.openalex.org"`
	OpenAlexEmail   string `envconfig:"OPENALEX_EMAIL"`

	UnpaywallBaseURL string `envconfig:"UNPAYWALL_BASE_URL" default:"https://api.unpaywall.org/v2"`
	UnpaywallEmail   string `envconfig:"UNPAYWALL_EMAIL"`

	ScholarBaseURL  string `envconfig:"SCHOLAR_BASE_URL" default:"https://scholar.google.com"`
	ScholarProxyURL string `envconfig:"SCHOLAR_PROXY_URL"`

	// Feature-Toggles (Default-Werte der SearchConfig)
	EnabledSources           string `envconfig:"ENABLED_SOURCES" default:"pubmed,europepmc,semanticscholar,openalex"`
	EnableUnpaywall          bool   `envconfig:"ENABLE_UNPAYWALL" default:"true"`
	EnableCitationTracking   bool   `envconfig:"ENABLE_CITATION_TRACKING" default:"true"`
	EnableFullTextResolve    bool   `envconfig:"ENABLE_FULL_TEXT_RESOLVE" default:"true"`
	EnablePDFDownload        bool   `envconfig:"ENABLE_PDF_DOWNLOAD" default:"false"`
	EnableInstitutionalAcces bool   `envconfig:"ENABLE_INSTITUTIONAL_ACCESS" default:"false"`
	EnableWebScrape          bool   `envconfig:"ENABLE_WEB_SCRAPE" default:"false"`

	// Cache
	CacheEnabled bool   `envconfig:"CACHE_ENABLED" default:"true"`
	CacheURL     string `envconfig:"CACHE_URL"`
	CacheTTLDays int    `envconfig:"CACHE_TTL_DAYS" default:"30"`

	// Limits
	MaxResultsPerSource    int     `envconfig:"MAX_RESULTS_PER_SOURCE" default:"50"`
	HTTPTimeoutSeconds     float64 `envconfig:"HTTP_TIMEOUT_SECONDS" default:"30"`
	GlobalDeadlineSeconds  float64 `envconfig:"GLOBAL_DEADLINE_SECONDS" default:"60"`
	MaxConcurrentDownloads int     `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"4"`
	MaxPDFBytes            int64   `envconfig:"MAX_PDF_BYTES" default:"209715200"`
	TopK                   int     `envconfig:"ENRICH_TOP_K" default:"20"`

	// EZProxy-Hosts der konfigurierten Institutionen (Komma-getrennt)
	EZProxyHosts string `envconfig:"EZPROXY_HOSTS"`

	// PDF-Ablage
	PDFDir string `envconfig:"PDF_DIR" default:"./pdfs"`

	// Optionaler S3-Mirror für heruntergeladene PDFs
	S3Key    string `envconfig:"S3_KEY"`
	S3Secret string `envconfig:"S3_SECRET"`
	S3URL    string `envconfig:"S3_URL"`
	S3Region string `envconfig:"S3_REGION"`
	S3Bucket string `envconfig:"S3_BUCKET"`

	// Cron-Schedule für das periodische Aufwärmen konfigurierter Queries
	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 3 * * *"`
	WarmQueries  string `envconfig:"WARM_QUERIES"`
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}

// S3Enabled meldet, ob der PDF-Mirror konfiguriert ist.
func (c *Config) S3Enabled() bool {
	return c.S3URL != "" && c.S3Bucket != ""
}

// SourceConfig trägt die Parameter einer einzelnen Quelle.
type SourceConfig struct {
	MaxResults       int     `json:"max_results"`
	RateLimitSeconds float64 `json:"rate_limit_seconds"`
	TimeoutSeconds   float64 `json:"timeout_seconds"`
	MaxConcurrent    int     `json:"max_concurrent"`
	ProxyURL         string  `json:"proxy_url,omitempty"`
	APIKey           string  `json:"api_key,omitempty"`
}

// Timeout gibt den Timeout der Quelle als Duration zurück.
func (s SourceConfig) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

// RateInterval gibt das Mindestintervall zwischen zwei Requests zurück.
func (s SourceConfig) RateInterval() time.Duration {
	if s.RateLimitSeconds <= 0 {
		return 0
	}
	return time.Duration(s.RateLimitSeconds * float64(time.Second))
}

// SearchConfig ist der Feature-Toggle-Descriptor einer einzelnen Suche.
type SearchConfig struct {
	EnablePubMed          bool `json:"enable_pubmed"`
	EnableScholar         bool `json:"enable_scholar"`
	EnableEuropePMC       bool `json:"enable_europe_pmc"`
	EnableSemanticScholar bool `json:"enable_semantic_scholar"`
	EnableOpenAlex        bool `json:"enable_openalex"`

	EnableUnpaywall           bool `json:"enable_unpaywall"`
	EnableCitationTracking    bool `json:"enable_citation_tracking"`
	EnableFullTextResolve     bool `json:"enable_full_text_resolve"`
	EnablePDFDownload         bool `json:"enable_pdf_download"`
	EnableInstitutionalAccess bool `json:"enable_institutional_access"`
	EnableWebScrape           bool `json:"enable_web_scrape"`
	EnableCache               bool `json:"enable_cache"`

	Sources map[string]SourceConfig `json:"sources,omitempty"`

	YearFrom int `json:"year_from,omitempty"`
	YearTo   int `json:"year_to,omitempty"`

	TopK                   int           `json:"top_k"`
	GlobalDeadline         time.Duration `json:"-"`
	MaxConcurrentDownloads int           `json:"max_concurrent_downloads"`
	MaxPDFBytes            int64         `json:"max_pdf_bytes"`
	CacheTTL               time.Duration `json:"-"`
	ReturnPartialOnCancel  bool          `json:"return_partial_on_cancel"`

	Institutions []string `json:"institutions,omitempty"`
	PDFDir       string   `json:"pdf_dir,omitempty"`
}

// SourceEnabled prüft einen Quellen-Tag gegen die Toggles.
func (sc *SearchConfig) SourceEnabled(tag string) bool {
	switch tag {
	case "pubmed":
		return sc.EnablePubMed
	case "europepmc":
		return sc.EnableEuropePMC
	case "semanticscholar":
		return sc.EnableSemanticScholar
	case "openalex":
		return sc.EnableOpenAlex
	case "scholar":
		return sc.EnableScholar
	default:
		return false
	}
}

// EnabledSourceTags gibt die aktivierten Quellen in stabiler Reihenfolge
// zurück (zugleich die Merge-Präzedenz des Deduplicators).
func (sc *SearchConfig) EnabledSourceTags() []string {
	var tags []string
	for _, tag := range []string{"pubmed", "europepmc", "openalex", "semanticscholar", "scholar"} {
		if sc.SourceEnabled(tag) {
			tags = append(tags, tag)
		}
	}
	return tags
}

// SourceConfigFor liefert die Konfiguration einer Quelle oder Defaults.
func (sc *SearchConfig) SourceConfigFor(tag string) SourceConfig {
	if s, ok := sc.Sources[tag]; ok {
		return s
	}
	return SourceConfig{MaxResults: 50, TimeoutSeconds: 30, MaxConcurrent: 4}
}

// SearchDefaults baut die Default-SearchConfig aus den Env-Werten.
func (c *Config) SearchDefaults() *SearchConfig {
	sc := &SearchConfig{
		EnableUnpaywall:           c.EnableUnpaywall,
		EnableCitationTracking:    c.EnableCitationTracking,
		EnableFullTextResolve:     c.EnableFullTextResolve,
		EnablePDFDownload:         c.EnablePDFDownload,
		EnableInstitutionalAccess: c.EnableInstitutionalAcces,
		EnableWebScrape:           c.EnableWebScrape,
		EnableCache:               c.CacheEnabled,
		Sources:                   map[string]SourceConfig{},
		TopK:                      c.TopK,
		GlobalDeadline:            time.Duration(c.GlobalDeadlineSeconds * float64(time.Second)),
		MaxConcurrentDownloads:    c.MaxConcurrentDownloads,
		MaxPDFBytes:               c.MaxPDFBytes,
		CacheTTL:                  time.Duration(c.CacheTTLDays) * 24 * time.Hour,
		PDFDir:                    c.PDFDir,
	}
	for _, name := range strings.Split(c.EnabledSources, ",") {
		switch strings.TrimSpace(name) {
		case "pubmed":
			sc.EnablePubMed = true
		case "europepmc":
			sc.EnableEuropePMC = true
		case "semanticscholar":
			sc.EnableSemanticScholar = true
		case "openalex":
			sc.EnableOpenAlex = true
		case "scholar":
			sc.EnableScholar = true
		}
	}
	for _, tag := range []string{"pubmed", "europepmc", "openalex", "semanticscholar"} {
		sc.Sources[tag] = SourceConfig{
			MaxResults:       c.MaxResultsPerSource,
			RateLimitSeconds: 0.34, // E-Utilities: max 3 req/s ohne API-Key
			TimeoutSeconds:   c.HTTPTimeoutSeconds,
			MaxConcurrent:    4,
		}
	}
	// Scraping-Quellen strikter takten, Parallelität 1
	sc.Sources["scholar"] = SourceConfig{
		MaxResults:       20,
		RateLimitSeconds: 5,
		TimeoutSeconds:   c.HTTPTimeoutSeconds,
		MaxConcurrent:    1,
		ProxyURL:         c.ScholarProxyURL,
	}
	if c.EZProxyHosts != "" {
		for _, h := range strings.Split(c.EZProxyHosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				sc.Institutions = append(sc.Institutions, h)
			}
		}
	}
	return sc
}
