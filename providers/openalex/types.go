// Package openalex enthält die Logik für die OpenAlex Works API.
package openalex

import (
	"sort"
	"strings"
)

// WorksResponse ist die Antwort von /works.
type WorksResponse struct {
	Meta struct {
		Count int `json:"count"`
	} `json:"meta"`
	Results []Work `json:"results"`
}

// Work repräsentiert ein einzelnes Werk in der OpenAlex-Antwort.
type Work struct {
	ID              string  `json:"id"`
	DOI             string  `json:"doi"`
	Title           string  `json:"title"`
	PublicationYear int     `json:"publication_year"`
	PublicationDate string  `json:"publication_date"`
	CitedByCount    int     `json:"cited_by_count"`
	IDs             WorkIDs `json:"ids"`

	PrimaryLocation *Location `json:"primary_location"`
	OpenAccess      struct {
		IsOA  bool   `json:"is_oa"`
		OAURL string `json:"oa_url"`
	} `json:"open_access"`

	Authorships []struct {
		Author struct {
			DisplayName string `json:"display_name"`
		} `json:"author"`
		Institutions []struct {
			DisplayName string `json:"display_name"`
		} `json:"institutions"`
	} `json:"authorships"`

	CountsByYear []struct {
		Year         int `json:"year"`
		CitedByCount int `json:"cited_by_count"`
	} `json:"counts_by_year"`

	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
}

// WorkIDs enthält die externen Identifier eines Werks als URLs.
type WorkIDs struct {
	OpenAlex string `json:"openalex"`
	DOI      string `json:"doi"`
	PMID     string `json:"pmid"`
	PMCID    string `json:"pmcid"`
}

// Location ist ein Fundort des Werks (Venue + OA-Links).
type Location struct {
	IsOA   bool   `json:"is_oa"`
	PDFURL string `json:"pdf_url"`
	Source *struct {
		DisplayName string `json:"display_name"`
	} `json:"source"`
}

// decodeAbstract rekonstruiert den Abstract aus dem invertierten Index.
func decodeAbstract(index map[string][]int) string {
	if len(index) == 0 {
		return ""
	}
	type posWord struct {
		pos  int
		word string
	}
	var words []posWord
	for word, positions := range index {
		for _, pos := range positions {
			words = append(words, posWord{pos: pos, word: word})
		}
	}
	sort.Slice(words, func(i, j int) bool { return words[i].pos < words[j].pos })

	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.word
	}
	return strings.Join(parts, " ")
}

// stripIDPrefix entfernt die URL-Präfixe der OpenAlex-Identifier.
func stripIDPrefix(raw string) string {
	for _, prefix := range []string{
		"https://doi.org/",
		"https://pubmed.ncbi.nlm.nih.gov/",
		"https://www.ncbi.nlm.nih.gov/pmc/articles/",
		"https://openalex.org/",
	} {
		if strings.HasPrefix(raw, prefix) {
			return strings.TrimSuffix(strings.TrimPrefix(raw, prefix), "/")
		}
	}
	return raw
}
