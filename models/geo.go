package models

import (
	"fmt"
	"regexp"
	"time"
)

var geoSeriesRegex = regexp.MustCompile(`^GSE\d+$`)

// GEOSeriesMetadata beschreibt einen GEO-Datensatz (Series-Accession),
// dessen Original-Publikationen vom Citation-Tracker verfolgt werden.
type GEOSeriesMetadata struct {
	GeoID           string     `json:"geo_id"`
	Title           string     `json:"title,omitempty"`
	Platform        string     `json:"platform,omitempty"`
	Organism        string     `json:"organism,omitempty"`
	PublicationDate *time.Time `json:"publication_date,omitempty"`
	PubmedIDs       []string   `json:"pubmed_ids,omitempty"`

	// CitingPapers wird vom Citation-Tracker angehängt; nie vom Caller.
	CitingPapers []*Publication `json:"citing_papers,omitempty"`
}

// Validate prüft die Invariante geo_id == GSE<digits>.
func (g *GEOSeriesMetadata) Validate() error {
	if !geoSeriesRegex.MatchString(g.GeoID) {
		return fmt.Errorf("ungültige GEO Series Accession: %q", g.GeoID)
	}
	return nil
}

// IsRecent gibt true zurück, wenn das Publikationsdatum innerhalb der
// letzten d Tage liegt. Ohne Datum gilt der Datensatz nicht als neu.
func (g *GEOSeriesMetadata) IsRecent(days int) bool {
	if g.PublicationDate == nil {
		return false
	}
	return time.Since(*g.PublicationDate) <= time.Duration(days)*24*time.Hour
}
