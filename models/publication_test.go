package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHasIdentity(t *testing.T) {
	assert.True(t, (&Publication{Title: "t", DOI: "10.1/x"}).HasIdentity())
	assert.True(t, (&Publication{Title: "t", PMID: "1"}).HasIdentity())
	assert.True(t, (&Publication{Title: "t", ScholarID: "abc"}).HasIdentity())
	assert.True(t, (&Publication{Title: "t", Year: 2023}).HasIdentity())

	assert.False(t, (&Publication{Title: "t"}).HasIdentity(), "Titel allein genügt nicht")
	assert.False(t, (&Publication{DOI: "10.1/x"}).HasIdentity(), "ohne Titel keine Identität")
}

func TestAddSourceNoDuplicates(t *testing.T) {
	p := &Publication{}
	p.AddSource("pubmed")
	p.AddSource("pubmed")
	p.AddSource("scholar")
	assert.Equal(t, []string{"pubmed", "scholar"}, p.Sources)
	assert.True(t, p.HasSource("pubmed"))
	assert.False(t, p.HasSource("openalex"))
}

func TestAgeYears(t *testing.T) {
	now := time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC)

	date := time.Date(2023, time.July, 1, 0, 0, 0, 0, time.UTC)
	p := &Publication{PublicationDate: &date}
	assert.InDelta(t, 2.0, p.AgeYears(now), 0.01)

	// Nur Jahr: 1. Juli als Stichtag
	yearOnly := &Publication{Year: 2024}
	assert.InDelta(t, 1.0, yearOnly.AgeYears(now), 0.01)

	future := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0.0, (&Publication{PublicationDate: &future}).AgeYears(now))

	assert.Equal(t, -1.0, (&Publication{}).AgeYears(now), "unbekanntes Alter ist -1")
}

func TestBestIdentifierPrecedence(t *testing.T) {
	p := &Publication{Title: "t", DOI: "10.1/x", PMID: "1", ScholarID: "s"}
	assert.Equal(t, "doi:10.1/x", p.BestIdentifier())

	p.DOI = ""
	assert.Equal(t, "pmid:1", p.BestIdentifier())

	p.PMID = ""
	assert.Equal(t, "scholar:s", p.BestIdentifier())

	p.ScholarID = ""
	assert.Equal(t, "title:t", p.BestIdentifier())
}
