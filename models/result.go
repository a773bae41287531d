package models

// SourceFailure dokumentiert den Ausfall einer Quelle innerhalb einer
// Suche. Kind entspricht providers.ErrorKind als String.
type SourceFailure struct {
	Source string `json:"source"`
	Kind   string `json:"kind"`
}

// PublicationResult ist das Ergebnis einer Pipeline-Suche: die sortierten
// Publikationen plus Aggregat-Metadaten.
type PublicationResult struct {
	Publications    []*Publication   `json:"publications"`
	TotalFound      int              `json:"total_found"`
	PerSourceCounts map[string]int   `json:"per_source_counts"`
	Failures        []SourceFailure  `json:"failures,omitempty"`
	QueryEcho       string           `json:"query_echo"`
	Intent          string           `json:"intent"`
	TimingsMS       map[string]int64 `json:"timings_ms,omitempty"`
	CacheHit        bool             `json:"cache_hit"`
	AuthRequired    []string         `json:"auth_required,omitempty"`
	Partial         bool             `json:"partial,omitempty"`

	// DownloadReports pro Publikation (Key: BestIdentifier), nur gesetzt
	// wenn enable_pdf_download aktiv war.
	DownloadReports map[string]*DownloadReport `json:"download_reports,omitempty"`
}

// AttemptReport beschreibt einen einzelnen Download-Versuch.
type AttemptReport struct {
	URL       string `json:"url"`
	Kind      string `json:"kind"`
	Success   bool   `json:"success"`
	Bytes     int64  `json:"bytes"`
	LatencyMS int64  `json:"latency_ms"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
	LocalPath string `json:"-"`
}

// DownloadReport aggregiert alle Versuche für eine Publikation.
type DownloadReport struct {
	Success   bool            `json:"success"`
	FinalURL  string          `json:"final_url,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	LocalPath string          `json:"local_path,omitempty"`
	MirrorURL string          `json:"mirror_url,omitempty"`
	Bytes     int64           `json:"bytes"`
	Attempts  []AttemptReport `json:"attempts"`
}
