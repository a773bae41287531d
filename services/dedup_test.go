package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"omics-oracle/models"
)

func newTestDedup() *Deduplicator {
	return NewDeduplicator(zap.NewNop())
}

func TestDedupeByDOI(t *testing.T) {
	d := newTestDedup()

	fromPubmed := &models.Publication{
		DOI: "10.1/x", PMID: "1", Title: "CRISPR study",
		Citations: 50, Sources: []string{"pubmed"},
	}
	fromScholar := &models.Publication{
		DOI: "10.1/x", Title: "CRISPR study",
		Citations: 120, Sources: []string{"scholar"},
	}

	out := d.Dedupe([]*models.Publication{fromPubmed, fromScholar})
	require.Len(t, out, 1)

	m := out[0]
	assert.Equal(t, "10.1/x", m.DOI)
	assert.Equal(t, "1", m.PMID)
	assert.Equal(t, 120, m.Citations, "maximale Zitationszahl gewinnt")
	assert.ElementsMatch(t, []string{"pubmed", "scholar"}, m.Sources)
	assert.NotEmpty(t, m.MergedFrom)
}

func TestDedupeFuzzyTitles(t *testing.T) {
	d := newTestDedup()

	a := &models.Publication{Title: "A Novel CRISPR Method.", Year: 2023, Sources: []string{"scholar"}}
	b := &models.Publication{Title: "A novel CRISPR method", Year: 2023, Sources: []string{"openalex"}}

	out := d.Dedupe([]*models.Publication{a, b})
	require.Len(t, out, 1)
	assert.ElementsMatch(t, []string{"scholar", "openalex"}, out[0].Sources)
}

func TestDedupeFuzzyRespectsYearDistance(t *testing.T) {
	d := newTestDedup()

	a := &models.Publication{Title: "A novel CRISPR method", Year: 2015, Sources: []string{"scholar"}}
	b := &models.Publication{Title: "A novel CRISPR method", Year: 2023, Sources: []string{"openalex"}}

	out := d.Dedupe([]*models.Publication{a, b})
	assert.Len(t, out, 2, "Jahre weiter als ±1 auseinander verschmelzen nicht")
}

func TestDedupeFuzzyDissimilarTitles(t *testing.T) {
	d := newTestDedup()

	a := &models.Publication{Title: "A novel CRISPR method", Year: 2023, Sources: []string{"scholar"}}
	b := &models.Publication{Title: "Liver fibrosis in mouse models", Year: 2023, Sources: []string{"scholar"}}

	out := d.Dedupe([]*models.Publication{a, b})
	assert.Len(t, out, 2)
}

func TestDedupeFieldPrecedence(t *testing.T) {
	d := newTestDedup()

	// Scholar-Eintrag steht zuerst, aber PubMed hat die höhere Präzedenz
	// und stellt die bibliographischen Felder.
	fromScholar := &models.Publication{
		DOI: "10.1/y", Title: "a novel crispr method", Abstract: "scraped snippet…",
		Citations: 80, Sources: []string{"scholar"},
	}
	fromPubmed := &models.Publication{
		DOI: "10.1/y", PMID: "42", Title: "A Novel CRISPR Method",
		Abstract: "Full curated abstract.", Venue: "Nature Methods",
		Citations: 60, Sources: []string{"pubmed"},
	}

	out := d.Dedupe([]*models.Publication{fromScholar, fromPubmed})
	require.Len(t, out, 1)

	m := out[0]
	assert.Equal(t, "A Novel CRISPR Method", m.Title)
	assert.Equal(t, "Full curated abstract.", m.Abstract)
	assert.Equal(t, "Nature Methods", m.Venue)
	assert.Equal(t, 80, m.Citations)
}

func TestDedupeDateConflictFlag(t *testing.T) {
	d := newTestDedup()

	early := time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC)
	late := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)

	a := &models.Publication{DOI: "10.1/z", Title: "t", PublicationDate: &late, Year: 2022, Sources: []string{"pubmed"}}
	b := &models.Publication{DOI: "10.1/z", Title: "t", PublicationDate: &early, Year: 2020, Sources: []string{"scholar"}}

	out := d.Dedupe([]*models.Publication{a, b})
	require.Len(t, out, 1)

	m := out[0]
	require.NotNil(t, m.PublicationDate)
	assert.True(t, m.PublicationDate.Equal(early), "früheres Datum gewinnt")
	assert.Contains(t, m.SourceSpecific, "date_conflict")
}

func TestDedupeAuthorsUnion(t *testing.T) {
	d := newTestDedup()

	a := &models.Publication{
		DOI: "10.1/a", Title: "t",
		Authors: []models.Author{{Name: "Jane Doe"}, {Name: "Max Mustermann"}},
		Sources: []string{"pubmed"},
	}
	b := &models.Publication{
		DOI: "10.1/a", Title: "t",
		Authors: []models.Author{{Name: "jane doe"}, {Name: "Erika Musterfrau"}},
		Sources: []string{"openalex"},
	}

	out := d.Dedupe([]*models.Publication{a, b})
	require.Len(t, out, 1)
	require.Len(t, out[0].Authors, 3, "Autoren werden über normalisierte Namen vereinigt")
}

func TestDedupeIdempotent(t *testing.T) {
	d := newTestDedup()

	input := []*models.Publication{
		{DOI: "10.1/x", PMID: "1", Title: "CRISPR study", Citations: 50, Sources: []string{"pubmed"}},
		{DOI: "10.1/x", Title: "CRISPR study", Citations: 120, Sources: []string{"scholar"}},
		{Title: "A Novel CRISPR Method.", Year: 2023, Sources: []string{"scholar"}},
		{Title: "A novel CRISPR method", Year: 2023, Sources: []string{"openalex"}},
		{PMID: "99", Title: "Unrelated", Sources: []string{"pubmed"}},
	}

	once := d.Dedupe(input)
	twice := d.Dedupe(once)
	require.Equal(t, len(once), len(twice))
	for i := range once {
		assert.Equal(t, once[i].BestIdentifier(), twice[i].BestIdentifier())
		assert.Equal(t, once[i].Citations, twice[i].Citations)
	}
}

func TestDedupeMergesPMIDOnlyIntoDOICluster(t *testing.T) {
	d := newTestDedup()

	withDOI := &models.Publication{
		DOI: "10.1/x", PMID: "1", Title: "CRISPR study",
		Citations: 50, Sources: []string{"pubmed"},
	}
	pmidOnly := &models.Publication{
		PMID: "1", Title: "CRISPR study", Venue: "Nature Methods",
		Citations: 80, Sources: []string{"europepmc"},
	}

	out := d.Dedupe([]*models.Publication{withDOI, pmidOnly})
	require.Len(t, out, 1, "gleiche PMID verschmilzt auch über Identifier-Gruppen hinweg")

	m := out[0]
	assert.Equal(t, "10.1/x", m.DOI)
	assert.Equal(t, "1", m.PMID)
	assert.Equal(t, "Nature Methods", m.Venue)
	assert.Equal(t, 80, m.Citations)
	assert.ElementsMatch(t, []string{"pubmed", "europepmc"}, m.Sources)
}

func TestDedupeTransitiveIdentifierBridge(t *testing.T) {
	d := newTestDedup()

	// Der mittlere Treffer trägt DOI und PMID und verbindet damit den
	// reinen DOI- mit dem reinen PMID-Treffer.
	input := []*models.Publication{
		{DOI: "10.1/x", Title: "t", Sources: []string{"openalex"}},
		{DOI: "10.1/x", PMID: "1", Title: "t", Sources: []string{"pubmed"}},
		{PMID: "1", Title: "t", Sources: []string{"europepmc"}},
	}
	out := d.Dedupe(input)
	require.Len(t, out, 1)
	assert.ElementsMatch(t, []string{"openalex", "pubmed", "europepmc"}, out[0].Sources)
}

func TestDedupeNoSharedPMIDInOutput(t *testing.T) {
	d := newTestDedup()

	input := []*models.Publication{
		{DOI: "10.1/x", PMID: "1", Title: "a", Sources: []string{"pubmed"}},
		{PMID: "1", Title: "a", Sources: []string{"europepmc"}},
		{PMID: "2", Title: "b", Sources: []string{"pubmed"}},
		{ScholarID: "s1", PMID: "2", Title: "b", Sources: []string{"scholar"}},
	}
	out := d.Dedupe(input)

	seen := map[string]bool{}
	for _, p := range out {
		if p.PMID == "" {
			continue
		}
		require.False(t, seen[p.PMID], "PMID %s doppelt im Ergebnis", p.PMID)
		seen[p.PMID] = true
	}
	assert.Len(t, out, 2)
}

func TestDedupeNoSharedDOIInOutput(t *testing.T) {
	d := newTestDedup()

	input := []*models.Publication{
		{DOI: "10.1/x", Title: "a", Sources: []string{"pubmed"}},
		{DOI: "10.1/x", Title: "a", Sources: []string{"scholar"}},
		{DOI: "10.1/y", Title: "b", Sources: []string{"pubmed"}},
	}
	out := d.Dedupe(input)

	seen := map[string]bool{}
	for _, p := range out {
		require.False(t, seen[p.DOI], "DOI %s doppelt im Ergebnis", p.DOI)
		seen[p.DOI] = true
	}
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "a novel crispr method", normalizeTitle("A Novel CRISPR Method."))
	assert.Equal(t, "uber die entstehung", normalizeTitle("Über die Entstehung!"))
	assert.Equal(t, "a b c", normalizeTitle("  a,   b -- c  "))
}

func TestLevenshteinRatio(t *testing.T) {
	assert.Equal(t, 1.0, levenshteinRatio("abc", "abc"))
	assert.InDelta(t, 0.75, levenshteinRatio("abcd", "abcx"), 1e-9)
	assert.Equal(t, 1.0, levenshteinRatio("", ""))
	assert.Equal(t, 0.0, levenshteinRatio("", "abcd"))
}
