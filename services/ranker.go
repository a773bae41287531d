package services

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"omics-oracle/models"
)

// Intent beschreibt die erkannte Suchabsicht.
type Intent string

const (
	IntentReview   Intent = "review"
	IntentRecent   Intent = "recent"
	IntentMethod   Intent = "method"
	IntentDataset  Intent = "dataset"
	IntentBalanced Intent = "balanced"
)

// RankWeights sind die Gewichte der vier Score-Faktoren. Sie summieren
// sich pro Preset auf 1.0.
type RankWeights struct {
	Title     float64
	Abstract  float64
	Citations float64
	Recency   float64
}

// Sum gibt die Summe der Gewichte zurück.
func (w RankWeights) Sum() float64 {
	return w.Title + w.Abstract + w.Citations + w.Recency
}

var weightPresets = map[Intent]RankWeights{
	IntentReview:   {Title: 0.30, Abstract: 0.20, Citations: 0.40, Recency: 0.10},
	IntentRecent:   {Title: 0.35, Abstract: 0.25, Citations: 0.05, Recency: 0.35},
	IntentMethod:   {Title: 0.30, Abstract: 0.30, Citations: 0.30, Recency: 0.10},
	IntentDataset:  {Title: 0.40, Abstract: 0.40, Citations: 0.05, Recency: 0.15},
	IntentBalanced: {Title: 0.40, Abstract: 0.30, Citations: 0.15, Recency: 0.15},
}

// WeightsFor gibt das Preset einer Intent zurück.
func WeightsFor(intent Intent) RankWeights {
	if w, ok := weightPresets[intent]; ok {
		return w
	}
	return weightPresets[IntentBalanced]
}

var (
	tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)
	yearToken  = regexp.MustCompile(`^\d{4}$`)

	stopwords = map[string]bool{
		"a": true, "an": true, "and": true, "are": true, "as": true,
		"at": true, "be": true, "by": true, "for": true, "from": true,
		"in": true, "is": true, "it": true, "of": true, "on": true,
		"or": true, "that": true, "the": true, "to": true, "with": true,
	}
)

// Ranker berechnet den Relevanz-Score und sortiert die Ergebnisse.
type Ranker struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// NewRanker erstellt einen neuen Ranker.
func NewRanker(logger *zap.Logger) *Ranker {
	return &Ranker{Logger: logger, Now: time.Now}
}

// DetectIntent wendet die Keyword-Regeln in fester Reihenfolge an;
// der erste Treffer gewinnt.
func (r *Ranker) DetectIntent(query string) Intent {
	q := strings.ToLower(query)
	tokens := tokenize(q)

	containsAny := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(q, w) {
				return true
			}
		}
		return false
	}

	if containsAny("review", "overview", "survey", "meta-analysis") {
		return IntentReview
	}
	if containsAny("recent", "latest", "new") || hasCurrentYearToken(tokens, r.now().Year()) {
		return IntentRecent
	}
	if containsAny("method", "protocol", "technique", "how to", "analysis") {
		return IntentMethod
	}
	if containsAny("dataset", "gse", "geo", "data") {
		return IntentDataset
	}
	return IntentBalanced
}

func hasCurrentYearToken(tokens []string, currentYear int) bool {
	for _, t := range tokens {
		if yearToken.MatchString(t) {
			if y, err := strconv.Atoi(t); err == nil && y >= currentYear-1 {
				return true
			}
		}
	}
	return false
}

// Rank berechnet die Scores und sortiert absteigend. Die Eingabe wird
// in-place mutiert und zurückgegeben.
func (r *Ranker) Rank(pubs []*models.Publication, query string, intent Intent) []*models.Publication {
	weights := WeightsFor(intent)
	now := r.now()
	queryTokens := tokenize(strings.ToLower(query))
	normQuery := strings.Join(queryTokens, " ")

	for _, p := range pubs {
		breakdown := &models.ScoreBreakdown{
			Title:     textScore(queryTokens, normQuery, p.Title),
			Abstract:  textScore(queryTokens, normQuery, p.Abstract),
			Citations: r.citationScore(p, now),
			Recency:   recencyScore(p, now),
		}
		p.ScoreBreakdown = breakdown
		p.Score = clamp01(weights.Title*breakdown.Title +
			weights.Abstract*breakdown.Abstract +
			weights.Citations*breakdown.Citations +
			weights.Recency*breakdown.Recency)
	}

	sort.SliceStable(pubs, func(i, j int) bool {
		a, b := pubs[i], pubs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Citations != b.Citations {
			return a.Citations > b.Citations
		}
		switch {
		case a.PublicationDate != nil && b.PublicationDate != nil && !a.PublicationDate.Equal(*b.PublicationDate):
			return a.PublicationDate.After(*b.PublicationDate)
		case a.PublicationDate != nil && b.PublicationDate == nil:
			return true
		}
		return false // stabile Sortierung behält die Eingabereihenfolge
	})

	if r.Logger != nil {
		r.Logger.Debug("Ranking abgeschlossen",
			zap.String("intent", string(intent)), zap.Int("count", len(pubs)))
	}
	return pubs
}

// textScore berechnet den Token-Overlap |Q∩D| / sqrt(|Q|·|D|), plus
// 0.2 Bonus für den Query als zusammenhängende Phrase, gedeckelt bei 1.
func textScore(queryTokens []string, normQuery, field string) float64 {
	if len(queryTokens) == 0 || field == "" {
		return 0
	}
	normField := strings.ToLower(field)
	fieldTokens := tokenize(normField)
	if len(fieldTokens) == 0 {
		return 0
	}

	fieldSet := make(map[string]bool, len(fieldTokens))
	for _, t := range fieldTokens {
		fieldSet[t] = true
	}
	querySet := make(map[string]bool, len(queryTokens))
	overlap := 0
	for _, t := range queryTokens {
		if querySet[t] {
			continue
		}
		querySet[t] = true
		if fieldSet[t] {
			overlap++
		}
	}

	score := float64(overlap) / math.Sqrt(float64(len(querySet))*float64(len(fieldSet)))
	if normQuery != "" && strings.Contains(strings.Join(fieldTokens, " "), normQuery) {
		score += 0.2
	}
	return clamp01(score)
}

// recencyScore ist exp(-0.15·age); ohne Datum und Jahr 0.
func recencyScore(p *models.Publication, now time.Time) float64 {
	age := p.AgeYears(now)
	if age < 0 {
		return 0
	}
	return clamp01(math.Exp(-0.15 * age))
}

// citationScore implementiert die dreistufige Dämpfung plus Velocity.
func (r *Ranker) citationScore(p *models.Publication, now time.Time) float64 {
	c := float64(p.Citations)
	if c <= 0 {
		return 0
	}

	absolute := citationAbsolute(c)

	age := p.AgeYears(now)
	if age < 0.1 {
		age = 0.1
	}
	perYear := c / age
	velocity := math.Min(perYear/50, 1.0)

	boost := false
	if p.CitationsLast3Years != nil {
		recentPerYear := float64(*p.CitationsLast3Years) / 3
		velocity = math.Min(recentPerYear/50, 1.0)
		if recentPerYear >= perYear*1.5 {
			boost = true
		}
	}

	score := 0.6*absolute + 0.4*velocity
	if boost {
		score *= 1.15
	}
	return clamp01(score)
}

// citationAbsolute ist die dreistufige Dämpfung des absoluten
// Zitationszählers: linear bis 100, Wurzel bis 1000, log darüber.
func citationAbsolute(c float64) float64 {
	switch {
	case c <= 0:
		return 0
	case c <= 100:
		return (c / 100) * 0.6
	case c <= 1000:
		return 0.6 + math.Sqrt((c-100)/900)*0.2
	default:
		return 0.8 + clamp01((math.Log10(c)-3)/2)*0.2
	}
}

func tokenize(lower string) []string {
	var out []string
	for _, t := range tokenSplit.Split(lower, -1) {
		if t != "" && !stopwords[t] {
			out = append(out, t)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (r *Ranker) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
