package services

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"

	"omics-oracle/models"
	"omics-oracle/providers/semanticscholar"
)

const (
	defaultYearsBack = 5
	defaultMaxPapers = 20
	recentWindowDays = 365
)

// CitationTracker findet Paper, die die Originalpublikation einer
// GEO-Serie zitieren. Transiente Upstream-Fehler ergeben eine leere
// Liste plus Warnung, nie einen Pipeline-Fehler.
type CitationTracker struct {
	Logger    *zap.Logger
	S2        *semanticscholar.Fetcher
	YearsBack int
	MaxPapers int
}

// NewCitationTracker erstellt einen Tracker mit den Defaults
// (5 Jahre zurück, maximal 20 Paper).
func NewCitationTracker(logger *zap.Logger, s2 *semanticscholar.Fetcher) *CitationTracker {
	return &CitationTracker{
		Logger:    logger,
		S2:        s2,
		YearsBack: defaultYearsBack,
		MaxPapers: defaultMaxPapers,
	}
}

// TrackCitations gibt die zitierende Literatur einer GEO-Serie zurück.
// Für frische Serien (<= 365 Tage) wird höchstens das Originalpaper
// selbst geliefert, nie fabrizierte Zitate.
func (t *CitationTracker) TrackCitations(ctx context.Context, meta *models.GEOSeriesMetadata, currentYear int) []*models.Publication {
	log := t.Logger.With(zap.String("geo_id", meta.GeoID))

	if len(meta.PubmedIDs) == 0 {
		log.Debug("Keine PubMed-IDs für die Serie, nichts zu tracken")
		return nil
	}
	if meta.IsRecent(recentWindowDays) {
		original, err := t.S2.FetchByID(ctx, meta.PubmedIDs[0])
		if err != nil {
			log.Warn("Originalpaper der frischen Serie nicht auffindbar", zap.Error(err))
			return nil
		}
		return []*models.Publication{original}
	}

	var citing []*models.Publication
	for _, pmid := range meta.PubmedIDs {
		papers, err := t.S2.FetchCitingByPMID(ctx, pmid, 100)
		if err != nil {
			log.Warn("Zitations-Lookup fehlgeschlagen",
				zap.String("pmid", pmid), zap.Error(err))
			continue
		}
		citing = append(citing, papers...)
	}
	if len(citing) == 0 {
		return nil
	}

	// Auf das Rückblick-Fenster einschränken
	yearsBack := t.YearsBack
	if yearsBack <= 0 {
		yearsBack = defaultYearsBack
	}
	minYear := currentYear - yearsBack
	filtered := citing[:0]
	for _, p := range citing {
		if p.Year == 0 || p.Year >= minYear {
			filtered = append(filtered, p)
		}
	}

	t.scoreAndSort(filtered, minYear, yearsBack)

	maxPapers := t.MaxPapers
	if maxPapers <= 0 {
		maxPapers = defaultMaxPapers
	}
	if len(filtered) > maxPapers {
		filtered = filtered[:maxPapers]
	}
	log.Info("Zitations-Tracking abgeschlossen", zap.Int("citing_papers", len(filtered)))
	return filtered
}

// scoreAndSort wendet die feste Tracker-Formel an:
// 0.4·recency + 0.3·citation_impact + 0.3·access.
func (t *CitationTracker) scoreAndSort(pubs []*models.Publication, minYear, yearsBack int) {
	for _, p := range pubs {
		recency := 0.0
		if p.Year != 0 {
			recency = clamp01(float64(p.Year-minYear) / float64(yearsBack))
		}
		impact := math.Min(float64(p.Citations)/100, 1)
		access := 0.5
		if p.IsOpenAccess {
			access = 1
		}
		p.Score = 0.4*recency + 0.3*impact + 0.3*access
	}
	sort.SliceStable(pubs, func(i, j int) bool {
		if pubs[i].Score != pubs[j].Score {
			return pubs[i].Score > pubs[j].Score
		}
		return pubs[i].Citations > pubs[j].Citations
	})
}
