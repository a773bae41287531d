// Package services enthält die Kern-Pipeline: Deduplizierung, Ranking,
// Volltext-Auflösung, PDF-Download und Zitations-Tracking.
package services

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"omics-oracle/models"
)

// sourcePrecedence ist die Feld-Präzedenz beim Mergen: kuratiertere
// Quellen gewinnen bei Konflikten.
var sourcePrecedence = map[string]int{
	"pubmed":          0,
	"europepmc":       1,
	"openalex":        2,
	"semanticscholar": 3,
	"scholar":         4,
}

const fuzzyThreshold = 0.90

var titleNormalizer = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Deduplicator führt Treffer aus mehreren Quellen zusammen.
type Deduplicator struct {
	Logger *zap.Logger
}

// NewDeduplicator erstellt einen neuen Deduplicator.
func NewDeduplicator(logger *zap.Logger) *Deduplicator {
	return &Deduplicator{Logger: logger}
}

// Dedupe clustert die Eingabe transitiv über alle Identifier (DOI,
// PMID, ScholarID): eine Publikation mit DOI und PMID verbindet damit
// auch reine PMID-Treffer mit ihrem DOI-Cluster. Identifier-lose
// Treffer werden fuzzy über normalisierte Titel geclustert.
// Die Operation ist idempotent: Dedupe(Dedupe(x)) == Dedupe(x).
func (d *Deduplicator) Dedupe(pubs []*models.Publication) []*models.Publication {
	if len(pubs) <= 1 {
		return pubs
	}

	pos := make(map[*models.Publication]int, len(pubs))
	for i, p := range pubs {
		pos[p] = i
	}

	uf := newUnionFind(len(pubs))
	firstByKey := make(map[string]int)
	keys := make([][]string, len(pubs))
	var rest []*models.Publication
	for i, p := range pubs {
		keys[i] = identifierKeys(p)
		if len(keys[i]) == 0 {
			rest = append(rest, p)
			continue
		}
		for _, k := range keys[i] {
			if j, ok := firstByKey[k]; ok {
				uf.union(i, j)
			} else {
				firstByKey[k] = i
			}
		}
	}

	groups := make(map[int][]*models.Publication)
	var order []int
	for i, p := range pubs {
		if len(keys[i]) == 0 {
			continue
		}
		root := uf.find(i)
		if _, ok := groups[root]; !ok {
			order = append(order, root)
		}
		groups[root] = append(groups[root], p)
	}

	type anchored struct {
		anchorPos int
		pub       *models.Publication
	}
	var out []anchored
	appendMerged := func(cluster []*models.Publication) {
		for _, c := range splitOnDOIConflict(cluster) {
			out = append(out, anchored{anchorPos: pos[c[0]], pub: d.merge(c)})
		}
	}

	for _, root := range order {
		appendMerged(groups[root])
	}
	for _, cluster := range fuzzyClusters(rest) {
		appendMerged(cluster)
	}

	// Ausgabe folgt der Eingabeposition des jeweiligen Cluster-Ankers
	sort.SliceStable(out, func(i, j int) bool { return out[i].anchorPos < out[j].anchorPos })
	result := make([]*models.Publication, len(out))
	for i, a := range out {
		result[i] = a.pub
	}
	return result
}

// identifierKeys liefert die Cluster-Schlüssel einer Publikation.
func identifierKeys(p *models.Publication) []string {
	var keys []string
	if p.DOI != "" {
		keys = append(keys, "doi:"+strings.ToLower(strings.TrimSpace(p.DOI)))
	}
	if p.PMID != "" {
		keys = append(keys, "pmid:"+p.PMID)
	}
	if p.ScholarID != "" {
		keys = append(keys, "scholar:"+p.ScholarID)
	}
	return keys
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(x int) int {
	if u.parent[x] != x {
		u.parent[x] = u.find(u.parent[x])
	}
	return u.parent[x]
}

func (u *unionFind) union(a, b int) {
	u.parent[u.find(a)] = u.find(b)
}

// fuzzyClusters bildet Single-Linkage-Cluster über identifier-lose
// Publikationen: Titel-Ähnlichkeit >= 0.90 und Jahre innerhalb ±1
// (oder eines fehlt) verbinden zwei Knoten.
func fuzzyClusters(pubs []*models.Publication) [][]*models.Publication {
	n := len(pubs)
	if n == 0 {
		return nil
	}
	titles := make([]string, n)
	for i, p := range pubs {
		titles[i] = normalizeTitle(p.Title)
	}

	uf := newUnionFind(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !yearsCompatible(pubs[i].Year, pubs[j].Year) {
				continue
			}
			if levenshteinRatio(titles[i], titles[j]) >= fuzzyThreshold {
				uf.union(i, j)
			}
		}
	}

	groups := make(map[int][]*models.Publication)
	var order []int
	for i, p := range pubs {
		root := uf.find(i)
		if _, ok := groups[root]; !ok {
			order = append(order, root)
		}
		groups[root] = append(groups[root], p)
	}

	clusters := make([][]*models.Publication, 0, len(order))
	for _, root := range order {
		clusters = append(clusters, groups[root])
	}
	return clusters
}

// splitOnDOIConflict trennt Cluster, die widersprüchliche DOIs tragen.
func splitOnDOIConflict(cluster []*models.Publication) [][]*models.Publication {
	dois := make(map[string]bool)
	for _, p := range cluster {
		if p.DOI != "" {
			dois[strings.ToLower(strings.TrimSpace(p.DOI))] = true
		}
	}
	if len(dois) <= 1 {
		return [][]*models.Publication{cluster}
	}

	byDOI := make(map[string][]*models.Publication)
	var order []string
	var noDOI []*models.Publication
	for _, p := range cluster {
		if p.DOI == "" {
			noDOI = append(noDOI, p)
			continue
		}
		key := strings.ToLower(strings.TrimSpace(p.DOI))
		if _, ok := byDOI[key]; !ok {
			order = append(order, key)
		}
		byDOI[key] = append(byDOI[key], p)
	}
	// DOI-lose Mitglieder bleiben beim ersten Teilcluster
	if len(order) > 0 {
		byDOI[order[0]] = append(byDOI[order[0]], noDOI...)
	}

	var out [][]*models.Publication
	for _, key := range order {
		out = append(out, byDOI[key])
	}
	return out
}

// merge verschmilzt ein Cluster zu einer Publikation. Anker ist das
// Mitglied mit der höchsten Quellen-Präzedenz.
func (d *Deduplicator) merge(cluster []*models.Publication) *models.Publication {
	if len(cluster) == 1 {
		return cluster[0]
	}

	anchor := cluster[0]
	for _, p := range cluster[1:] {
		if precedence(p) < precedence(anchor) {
			anchor = p
		}
	}

	merged := *anchor
	merged.Sources = append([]string(nil), anchor.Sources...)
	merged.Authors = append([]models.Author(nil), anchor.Authors...)
	merged.MergedFrom = nil

	authorSeen := make(map[string]bool)
	for _, a := range merged.Authors {
		authorSeen[normalizeTitle(a.Name)] = true
	}

	for _, p := range cluster {
		if p == anchor {
			continue
		}
		for _, s := range p.Sources {
			merged.AddSource(s)
		}
		merged.MergedFrom = append(merged.MergedFrom, p.BestIdentifier())

		fillIfEmpty(&merged.DOI, p.DOI)
		fillIfEmpty(&merged.PMID, p.PMID)
		fillIfEmpty(&merged.PMCID, p.PMCID)
		fillIfEmpty(&merged.ScholarID, p.ScholarID)
		fillIfEmpty(&merged.S2PaperID, p.S2PaperID)
		fillIfEmpty(&merged.Abstract, p.Abstract)
		fillIfEmpty(&merged.Venue, p.Venue)
		fillIfEmpty(&merged.FulltextURL, p.FulltextURL)

		if p.Citations > merged.Citations {
			merged.Citations = p.Citations
		}
		mergeIntMax(&merged.CitationsLast3Years, p.CitationsLast3Years)
		mergeIntMax(&merged.InfluentialCitations, p.InfluentialCitations)
		merged.IsOpenAccess = merged.IsOpenAccess || p.IsOpenAccess

		for _, a := range p.Authors {
			key := normalizeTitle(a.Name)
			if !authorSeen[key] {
				authorSeen[key] = true
				merged.Authors = append(merged.Authors, a)
			}
		}

		// Datumskonflikte: frühestes Datum gewinnt, Abweichungen über
		// ein Jahr werden markiert
		if p.PublicationDate != nil {
			switch {
			case merged.PublicationDate == nil:
				merged.PublicationDate = p.PublicationDate
				if merged.Year == 0 {
					merged.Year = p.PublicationDate.Year()
				}
			case p.PublicationDate.Before(*merged.PublicationDate):
				diff := merged.PublicationDate.Sub(*p.PublicationDate)
				if diff > 365*24*time.Hour {
					merged.SetSourceSpecific("date_conflict",
						fmt.Sprintf("%s vs %s", merged.PublicationDate.Format("2006-01-02"), p.PublicationDate.Format("2006-01-02")))
				}
				merged.PublicationDate = p.PublicationDate
				merged.Year = p.PublicationDate.Year()
			}
		}
		if merged.Year == 0 {
			merged.Year = p.Year
		}

		for k, v := range p.SourceSpecific {
			if _, ok := merged.SourceSpecific[k]; !ok {
				merged.SetSourceSpecific(k, v)
			}
		}
	}

	if d.Logger != nil && len(merged.MergedFrom) > 0 {
		d.Logger.Debug("Cluster zusammengeführt",
			zap.String("anchor", merged.BestIdentifier()),
			zap.Int("members", len(cluster)))
	}
	return &merged
}

func precedence(p *models.Publication) int {
	best := len(sourcePrecedence)
	for _, s := range p.Sources {
		if rank, ok := sourcePrecedence[s]; ok && rank < best {
			best = rank
		}
	}
	return best
}

func fillIfEmpty(dst *string, src string) {
	if *dst == "" && src != "" {
		*dst = src
	}
}

func mergeIntMax(dst **int, src *int) {
	if src == nil {
		return
	}
	if *dst == nil || **dst < *src {
		v := *src
		*dst = &v
	}
}

func yearsCompatible(a, b int) bool {
	if a == 0 || b == 0 {
		return true
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1
}

// normalizeTitle macht Titel vergleichbar: Kleinschreibung, Unicode-
// Dekomposition ohne Akzente, keine Interpunktion, kollabierter
// Whitespace.
func normalizeTitle(title string) string {
	lower := strings.ToLower(title)
	if folded, _, err := transform.String(titleNormalizer, lower); err == nil {
		lower = folded
	}
	var b strings.Builder
	lastSpace := true
	for _, r := range lower {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// levenshteinRatio gibt die normalisierte Ähnlichkeit zweier Strings
// zurück: 1 - dist/maxLen.
func levenshteinRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(maxLen)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
