// Package analyzer scores the fields of an entity from its metadata, a
// bounded sample of records and decayed interaction counters.
//
// The score is a deterministic weighted heuristic:
//
//	importance = (wFill*fillRate + wFreq*views + wCrit*critical + wUpd*edits) / Σw
//
// where views and edits are normalized against the busiest field of the
// entity. An empty sample never fails the analysis; importance then falls
// back to the criticality term alone.
package analyzer

import (
	"math"
	"sort"
	"strings"

	"github.com/fieldops/layoutd/internal/metadata"
)

// DefaultGroup labels fields that do not co-occur strongly with any other field
const DefaultGroup = "General"

// Weights are the importance score coefficients
type Weights struct {
	FillRate    float64 `json:"fillRate"`
	Frequency   float64 `json:"frequency"`
	Criticality float64 `json:"criticality"`
	Updates     float64 `json:"updates"`
}

// DefaultWeights returns the documented default weighting
func DefaultWeights() Weights {
	return Weights{FillRate: 0.35, Frequency: 0.25, Criticality: 0.30, Updates: 0.10}
}

func (w Weights) sum() float64 {
	return w.FillRate + w.Frequency + w.Criticality + w.Updates
}

// Config controls an Analyzer
type Config struct {
	Weights Weights
	// SampleSize caps the number of records inspected
	SampleSize int
	// SimilarityThreshold is the minimum Jaccard similarity of session
	// co-occurrence for two fields to be related
	SimilarityThreshold float64
	// FrequentThreshold is the normalized frequency above which a field is
	// flagged as frequently viewed or updated
	FrequentThreshold float64
}

// DefaultConfig returns the default analyzer configuration
func DefaultConfig() Config {
	return Config{
		Weights:             DefaultWeights(),
		SampleSize:          200,
		SimilarityThreshold: 0.3,
		FrequentThreshold:   0.5,
	}
}

// FieldCounters holds decayed interaction totals for one field
type FieldCounters struct {
	Views   float64 `json:"views"`
	Edits   float64 `json:"edits"`
	Filters float64 `json:"filters"`
	Sorts   float64 `json:"sorts"`
}

// engagement is every read-side interaction
func (c FieldCounters) engagement() float64 {
	return c.Views + c.Filters + c.Sorts
}

// Counters is the interaction history of one entity type
type Counters struct {
	Fields map[string]FieldCounters `json:"fields"`
	// Sessions counts the sessions in which each field was touched
	Sessions map[string]float64 `json:"sessions"`
	// CoOccurrence[a][b] counts sessions in which both a and b were touched
	CoOccurrence map[string]map[string]float64 `json:"coOccurrence"`
}

// FieldAnalysis is the per-field output of the analyzer
type FieldAnalysis struct {
	FieldName           string   `json:"fieldName"`
	Importance          float64  `json:"importance"`
	FillRate            float64  `json:"fillRate"`
	IsIdentifier        bool     `json:"isIdentifier"`
	IsCritical          bool     `json:"isCritical"`
	IsFrequentlyViewed  bool     `json:"isFrequentlyViewed"`
	IsFrequentlyUpdated bool     `json:"isFrequentlyUpdated"`
	RelatedFields       []string `json:"relatedFields"`
	GroupSuggestion     string   `json:"groupSuggestion"`
	DisplayPriority     int      `json:"displayPriority"`

	declOrder int
}

// Result is the analysis of one entity
type Result struct {
	EntityType string
	SampleSize int
	Fields     map[string]FieldAnalysis
	// Ranked lists the fields by DisplayPriority
	Ranked []FieldAnalysis
}

// Analyzer computes field analyses. It holds no state besides its
// configuration and is safe for concurrent use.
type Analyzer struct {
	config Config
}

// New creates an analyzer, filling unset configuration from DefaultConfig
func New(config Config) *Analyzer {
	def := DefaultConfig()
	if config.Weights.sum() <= 0 {
		config.Weights = def.Weights
	}
	if config.SampleSize <= 0 {
		config.SampleSize = def.SampleSize
	}
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = def.SimilarityThreshold
	}
	if config.FrequentThreshold <= 0 {
		config.FrequentThreshold = def.FrequentThreshold
	}
	return &Analyzer{config: config}
}

// Config returns the effective configuration
func (a *Analyzer) Config() Config {
	return a.config
}

// Analyze scores every field of meta
func (a *Analyzer) Analyze(meta *metadata.EntityMetadata, sample []metadata.Record, counters Counters) *Result {
	if len(sample) > a.config.SampleSize {
		sample = sample[:a.config.SampleSize]
	}

	var maxEngagement, maxEdits float64
	for _, f := range meta.Fields {
		c := counters.Fields[f.Name]
		maxEngagement = math.Max(maxEngagement, c.engagement())
		maxEdits = math.Max(maxEdits, c.Edits)
	}

	w := a.config.Weights
	total := w.sum()
	analyses := make([]FieldAnalysis, 0, len(meta.Fields))

	for i, f := range meta.Fields {
		fa := FieldAnalysis{
			FieldName:    f.Name,
			IsIdentifier: isIdentifier(meta, f),
			declOrder:    i,
		}
		fa.IsCritical = f.Required || fa.IsIdentifier
		fa.FillRate = fillRate(sample, f.Name)

		c := counters.Fields[f.Name]
		views := normalize(c.engagement(), maxEngagement)
		edits := normalize(c.Edits, maxEdits)
		fa.IsFrequentlyViewed = c.engagement() > 0 && views >= a.config.FrequentThreshold
		fa.IsFrequentlyUpdated = c.Edits > 0 && edits >= a.config.FrequentThreshold

		crit := 0.0
		if fa.IsCritical {
			crit = 1
		}

		if len(sample) == 0 {
			fa.Importance = w.Criticality * crit / total
		} else {
			fa.Importance = (w.FillRate*fa.FillRate + w.Frequency*views + w.Criticality*crit + w.Updates*edits) / total
		}
		fa.Importance = clamp01(fa.Importance)

		analyses = append(analyses, fa)
	}

	a.relate(analyses, meta, counters)
	rank(analyses)

	result := &Result{
		EntityType: meta.EntityType,
		SampleSize: len(sample),
		Fields:     make(map[string]FieldAnalysis, len(analyses)),
		Ranked:     analyses,
	}
	for _, fa := range analyses {
		result.Fields[fa.FieldName] = fa
	}
	return result
}

// rank sorts analyses in place and assigns DisplayPriority starting at 1.
// Order: importance desc, critical first, fill rate desc, declaration order.
func rank(analyses []FieldAnalysis) {
	sort.SliceStable(analyses, func(i, j int) bool {
		a, b := analyses[i], analyses[j]
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if a.IsCritical != b.IsCritical {
			return a.IsCritical
		}
		if a.FillRate != b.FillRate {
			return a.FillRate > b.FillRate
		}
		return a.declOrder < b.declOrder
	})
	for i := range analyses {
		analyses[i].DisplayPriority = i + 1
	}
}

func fillRate(sample []metadata.Record, field string) float64 {
	if len(sample) == 0 {
		return 0
	}
	filled := 0
	for _, r := range sample {
		if r.Filled(field) {
			filled++
		}
	}
	return float64(filled) / float64(len(sample))
}

var identifierNames = map[string]bool{
	"id": true, "name": true, "title": true, "code": true,
	"number": true, "reference": true,
}

// Foreign keys such as customer_id are deliberately absent
var identifierSuffixes = []string{"_number", "_code"}

func isIdentifier(meta *metadata.EntityMetadata, f metadata.FieldDefinition) bool {
	if meta.IsNaturalKey(f.Name) {
		return true
	}
	name := strings.ToLower(f.Name)
	if identifierNames[name] {
		return true
	}
	if f.Kind == metadata.KindReference {
		return false
	}
	for _, suffix := range identifierSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func normalize(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return v / max
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
