// Package providers definiert den Vertrag, den jeder Such-Provider
// (z.B. PubMed, Europe PMC) implementieren muss, sowie die typisierten
// Fehler aller Quellen.
package providers

import (
	"context"

	"omics-oracle/models"
)

// SearchOptions begrenzen eine Provider-Suche.
type SearchOptions struct {
	// MaxResults liegt im Bereich [1, 200]; der Provider kappt härtere
	// API-Limits selbst.
	MaxResults int
	// YearFrom/YearTo bilden, wenn gesetzt, einen gültigen Jahresbereich.
	YearFrom int
	YearTo   int
}

// Provider ist das Interface, das jeder Such-Provider implementieren muss.
type Provider interface {
	// Search führt eine Suche für einen Term durch und gibt normalisierte
	// Publikationen in quell-nativer Relevanzreihenfolge zurück. Jede
	// Publikation trägt den Tag des Providers in Sources.
	Search(ctx context.Context, term string, opts SearchOptions) ([]*models.Publication, error)

	// Name gibt den eindeutigen Quellen-Tag zurück (z.B. "pubmed").
	Name() string
}

// DOIFetcher ist die optionale Fähigkeit, eine Publikation per DOI zu laden.
type DOIFetcher interface {
	FetchByDOI(ctx context.Context, doi string) (*models.Publication, error)
}

// IDFetcher ist die optionale Fähigkeit, per nativer ID zu laden.
type IDFetcher interface {
	FetchByID(ctx context.Context, nativeID string) (*models.Publication, error)
}

// CitationCounter ist die optionale Fähigkeit, die Zitationszahl einer
// Publikation nachzuschlagen.
type CitationCounter interface {
	Citations(ctx context.Context, pub *models.Publication) (int, error)
}
