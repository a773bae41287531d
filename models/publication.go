package models

import (
	"time"
)

// Author repräsentiert einen Autor einer Publikation.
type Author struct {
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
	HIndex      *int   `json:"h_index,omitempty"`
}

// AccessURL ist ein Kandidat für den Volltext-Zugriff.
// Kind beschreibt die Quelle (z.B. "pmc", "unpaywall", "publisher",
// "europepmc", "ezproxy", "preprint", "scrape").
type AccessURL struct {
	URL                string `json:"url"`
	Kind               string `json:"kind"`
	RequiresManualAuth bool   `json:"requires_manual_auth"`
}

// ScoreBreakdown enthält die Einzelfaktoren des Relevanz-Scores.
type ScoreBreakdown struct {
	Title     float64 `json:"title"`
	Abstract  float64 `json:"abstract"`
	Citations float64 `json:"citations"`
	Recency   float64 `json:"recency"`
}

// Publication repräsentiert eine normalisierte wissenschaftliche Studie,
// wie sie von den Source-Clients geliefert und vom Deduplicator
// zusammengeführt wird.
type Publication struct {
	// Identität (jedes Feld darf fehlen, aber nicht alle gleichzeitig)
	DOI       string `json:"doi,omitempty"`
	PMID      string `json:"pmid,omitempty"`
	PMCID     string `json:"pmcid,omitempty"`
	ScholarID string `json:"scholar_id,omitempty"`
	S2PaperID string `json:"s2_paper_id,omitempty"`

	// Bibliographische Daten
	Title           string     `json:"title"`
	Abstract        string     `json:"abstract,omitempty"`
	Authors         []Author   `json:"authors,omitempty"`
	Year            int        `json:"year,omitempty"`
	PublicationDate *time.Time `json:"publication_date,omitempty"`
	Venue           string     `json:"venue,omitempty"`

	// Impact
	Citations            int  `json:"citations"`
	CitationsLast3Years  *int `json:"citations_last_3_years,omitempty"`
	InfluentialCitations *int `json:"influential_citations,omitempty"`

	// Zugriff
	IsOpenAccess      bool        `json:"is_open_access"`
	FulltextURL       string      `json:"fulltext_url,omitempty"`
	PDFLocalPath      string      `json:"pdf_local_path,omitempty"`
	InstitutionalURLs []AccessURL `json:"institutional_urls,omitempty"`

	// Provenienz
	Sources        []string          `json:"sources"`
	SourceSpecific map[string]string `json:"source_specific,omitempty"`
	MergedFrom     []string          `json:"merged_from,omitempty"`

	// Ranking (vom Ranker gesetzt, danach eingefroren)
	Score          float64         `json:"score"`
	ScoreBreakdown *ScoreBreakdown `json:"score_breakdown,omitempty"`
}

// HasIdentity prüft die Identitäts-Invariante: mindestens eine von
// DOI, PMID, ScholarID oder Titel+Jahr muss vorhanden sein.
func (p *Publication) HasIdentity() bool {
	if p.Title == "" {
		return false
	}
	if p.DOI != "" || p.PMID != "" || p.ScholarID != "" {
		return true
	}
	return p.Year != 0
}

// AddSource fügt einen Source-Tag hinzu, ohne Duplikate zu erzeugen.
func (p *Publication) AddSource(tag string) {
	for _, s := range p.Sources {
		if s == tag {
			return
		}
	}
	p.Sources = append(p.Sources, tag)
}

// HasSource prüft, ob ein Source-Tag vorhanden ist.
func (p *Publication) HasSource(tag string) bool {
	for _, s := range p.Sources {
		if s == tag {
			return true
		}
	}
	return false
}

// AgeYears gibt das Alter der Publikation in Jahren relativ zu now
// zurück. Ohne Datum wird das Jahr als 1. Juli interpretiert; fehlt
// auch das Jahr, ist das Ergebnis -1 (unbekannt).
func (p *Publication) AgeYears(now time.Time) float64 {
	ref := p.PublicationDate
	if ref == nil {
		if p.Year == 0 {
			return -1
		}
		t := time.Date(p.Year, time.July, 1, 0, 0, 0, 0, time.UTC)
		ref = &t
	}
	age := now.Sub(*ref).Hours() / (24 * 365.25)
	if age < 0 {
		return 0
	}
	return age
}

// BestIdentifier gibt den höchstwertigen Identifier zurück (DOI vor
// PMID vor ScholarID), für Logging und merged_from.
func (p *Publication) BestIdentifier() string {
	switch {
	case p.DOI != "":
		return "doi:" + p.DOI
	case p.PMID != "":
		return "pmid:" + p.PMID
	case p.ScholarID != "":
		return "scholar:" + p.ScholarID
	default:
		return "title:" + p.Title
	}
}

// SetSourceSpecific legt opaque Metadaten eines Providers ab.
func (p *Publication) SetSourceSpecific(key, value string) {
	if p.SourceSpecific == nil {
		p.SourceSpecific = make(map[string]string)
	}
	p.SourceSpecific[key] = value
}
