// Package semanticscholar enthält die Logik für die Semantic Scholar
// Graph API.
package semanticscholar

// SearchResponse ist die Antwort von /paper/search.
type SearchResponse struct {
	Total  int     `json:"total"`
	Offset int     `json:"offset"`
	Data   []Paper `json:"data"`
}

// CitationsResponse ist die Antwort von /paper/{id}/citations.
type CitationsResponse struct {
	Offset int `json:"offset"`
	Data   []struct {
		CitingPaper Paper `json:"citingPaper"`
	} `json:"data"`
}

// Paper repräsentiert ein einzelnes Paper der Graph API.
type Paper struct {
	PaperID                  string            `json:"paperId"`
	ExternalIDs              map[string]string `json:"externalIds"`
	Title                    string            `json:"title"`
	Abstract                 string            `json:"abstract"`
	Venue                    string            `json:"venue"`
	Year                     int               `json:"year"`
	PublicationDate          string            `json:"publicationDate"`
	CitationCount            int               `json:"citationCount"`
	InfluentialCitationCount int               `json:"influentialCitationCount"`
	IsOpenAccess             bool              `json:"isOpenAccess"`
	OpenAccessPDF            *OpenAccessPDF    `json:"openAccessPdf"`
	Authors                  []PaperAuthor     `json:"authors"`
}

// OpenAccessPDF ist der OA-Link eines Papers.
type OpenAccessPDF struct {
	URL    string `json:"url"`
	Status string `json:"status"`
}

// PaperAuthor ist ein Autor inkl. optionalem h-Index.
type PaperAuthor struct {
	AuthorID string `json:"authorId"`
	Name     string `json:"name"`
	HIndex   *int   `json:"hIndex"`
}

// paperFields sind die Felder, die wir pro Paper anfordern.
const paperFields = "paperId,externalIds,title,abstract,venue,year,publicationDate,citationCount,influentialCitationCount,isOpenAccess,openAccessPdf,authors"
