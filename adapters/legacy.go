// Package adapters übersetzt zwischen der kanonischen Ergebnisform und
// externen bzw. Legacy-Schemata. Alle Funktionen sind pur: kein
// Netzwerk, keine Mutation der Eingaben.
package adapters

import (
	"math"
	"strings"

	"omics-oracle/models"
)

// LegacyRequest ist die Anfrageform des alten GEO-Dashboards.
type LegacyRequest struct {
	SearchTerms []string `json:"search_terms"`
	MaxResults  int      `json:"max_results,omitempty"`
}

// Query fügt die Suchbegriffe zur kanonischen Query zusammen.
func (r *LegacyRequest) Query() string {
	var parts []string
	for _, t := range r.SearchTerms {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// LegacyPaper ist die GEO-orientierte Ergebniszeile des alten Schemas.
type LegacyPaper struct {
	PaperTitle    string   `json:"paper_title"`
	PaperAbstract string   `json:"paper_abstract,omitempty"`
	PubmedID      string   `json:"pubmed_id,omitempty"`
	DOI           string   `json:"doi,omitempty"`
	Journal       string   `json:"journal,omitempty"`
	PubYear       int      `json:"pub_year,omitempty"`
	AuthorNames   []string `json:"author_names,omitempty"`
	CitationCount int      `json:"citation_count"`
	// Das alte Schema nutzt die lineare Zitations-Normierung, nicht
	// die gedämpfte Form des Rankers.
	CitationScore float64 `json:"citation_score"`
	OpenAccess    bool    `json:"open_access"`
	FulltextLink  string  `json:"fulltext_link,omitempty"`
}

// LegacyResponse ist die Antwortform des alten Dashboards.
type LegacyResponse struct {
	Papers     []LegacyPaper `json:"papers"`
	TotalCount int           `json:"total_count"`
	FromCache  bool          `json:"from_cache"`
}

// ToLegacyResponse transformiert ein kanonisches Ergebnis in die
// Legacy-Form.
func ToLegacyResponse(result *models.PublicationResult) *LegacyResponse {
	out := &LegacyResponse{
		TotalCount: result.TotalFound,
		FromCache:  result.CacheHit,
		Papers:     make([]LegacyPaper, 0, len(result.Publications)),
	}
	for _, p := range result.Publications {
		out.Papers = append(out.Papers, toLegacyPaper(p))
	}
	return out
}

func toLegacyPaper(p *models.Publication) LegacyPaper {
	lp := LegacyPaper{
		PaperTitle:    p.Title,
		PaperAbstract: p.Abstract,
		PubmedID:      p.PMID,
		DOI:           p.DOI,
		Journal:       p.Venue,
		PubYear:       p.Year,
		CitationCount: p.Citations,
		CitationScore: LinearCitationScore(p.Citations),
		OpenAccess:    p.IsOpenAccess,
		FulltextLink:  p.FulltextURL,
	}
	for _, a := range p.Authors {
		lp.AuthorNames = append(lp.AuthorNames, a.Name)
	}
	return lp
}

// LinearCitationScore ist die alte lineare Normierung min(C/100, 1).
// Sie existiert nur für die Legacy-Schnittstelle.
func LinearCitationScore(citations int) float64 {
	if citations <= 0 {
		return 0
	}
	return math.Min(float64(citations)/100, 1)
}

// DatasetView ist die GEO-orientierte Sicht auf eine Serie inklusive
// der zitierenden Literatur.
type DatasetView struct {
	GeoID        string        `json:"geo_id"`
	Title        string        `json:"title"`
	Platform     string        `json:"platform,omitempty"`
	Organism     string        `json:"organism,omitempty"`
	PubmedIDs    []string      `json:"pubmed_ids,omitempty"`
	CitingPapers []LegacyPaper `json:"citing_papers,omitempty"`
}

// ToDatasetView transformiert GEO-Metadaten in die externe Sicht.
func ToDatasetView(meta *models.GEOSeriesMetadata) *DatasetView {
	v := &DatasetView{
		GeoID:     meta.GeoID,
		Title:     meta.Title,
		Platform:  meta.Platform,
		Organism:  meta.Organism,
		PubmedIDs: meta.PubmedIDs,
	}
	for _, p := range meta.CitingPapers {
		v.CitingPapers = append(v.CitingPapers, toLegacyPaper(p))
	}
	return v
}
