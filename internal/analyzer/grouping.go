package analyzer

import (
	"math"

	"github.com/fieldops/layoutd/internal/metadata"
)

// Group is a set of fields suggested to share a layout section
type Group struct {
	Label  string   `json:"label"`
	Fields []string `json:"fields"`
	// Priority is the best (smallest) DisplayPriority among the members
	Priority int `json:"priority"`
}

// relate fills RelatedFields and GroupSuggestion. analyses must still be in
// declaration order.
func (a *Analyzer) relate(analyses []FieldAnalysis, meta *metadata.EntityMetadata, counters Counters) {
	n := len(analyses)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(i, j int) {
		ri, rj := find(i), find(j)
		if ri == rj {
			return
		}
		// the earlier declared field becomes the root
		if rj < ri {
			ri, rj = rj, ri
		}
		parent[rj] = ri
	}

	for i := range analyses {
		analyses[i].RelatedFields = []string{}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sim := jaccard(counters, analyses[i].FieldName, analyses[j].FieldName)
			if sim < a.config.SimilarityThreshold || sim == 0 {
				continue
			}
			analyses[i].RelatedFields = append(analyses[i].RelatedFields, analyses[j].FieldName)
			analyses[j].RelatedFields = append(analyses[j].RelatedFields, analyses[i].FieldName)
			union(i, j)
		}
	}

	size := make(map[int]int, n)
	for i := range analyses {
		size[find(i)]++
	}
	for i := range analyses {
		root := find(i)
		if size[root] > 1 {
			analyses[i].GroupSuggestion = meta.Fields[root].DisplayLabel()
			continue
		}
		analyses[i].GroupSuggestion = kindGroup(meta.Fields[i].Kind)
	}
}

// jaccard is |sessions(a) ∩ sessions(b)| / |sessions(a) ∪ sessions(b)|
func jaccard(c Counters, a, b string) float64 {
	both := math.Max(c.CoOccurrence[a][b], c.CoOccurrence[b][a])
	if both <= 0 {
		return 0
	}
	union := c.Sessions[a] + c.Sessions[b] - both
	if union <= 0 {
		return 0
	}
	return math.Min(1, both/union)
}

func kindGroup(kind metadata.FieldKind) string {
	switch kind {
	case metadata.KindDate, metadata.KindDateTime:
		return "Dates"
	case metadata.KindEmail, metadata.KindPhone:
		return "Contacts"
	case metadata.KindReference:
		return "Related Records"
	default:
		return DefaultGroup
	}
}

// Groups returns the suggested sections ordered by their best member's
// DisplayPriority, each listing its fields in DisplayPriority order
func (r *Result) Groups() []Group {
	index := make(map[string]int)
	var groups []Group
	for _, fa := range r.Ranked {
		i, ok := index[fa.GroupSuggestion]
		if !ok {
			i = len(groups)
			index[fa.GroupSuggestion] = i
			groups = append(groups, Group{Label: fa.GroupSuggestion, Priority: fa.DisplayPriority})
		}
		groups[i].Fields = append(groups[i].Fields, fa.FieldName)
	}
	return groups
}

// Significant returns the critical fields and those scoring at least
// minImportance, in DisplayPriority order
func (r *Result) Significant(minImportance float64) []FieldAnalysis {
	var out []FieldAnalysis
	for _, fa := range r.Ranked {
		if fa.IsCritical || fa.Importance >= minImportance {
			out = append(out, fa)
		}
	}
	return out
}

// ImportanceSpread is the population standard deviation of importance
func (r *Result) ImportanceSpread() float64 {
	if len(r.Ranked) == 0 {
		return 0
	}
	var mean float64
	for _, fa := range r.Ranked {
		mean += fa.Importance
	}
	mean /= float64(len(r.Ranked))

	var variance float64
	for _, fa := range r.Ranked {
		d := fa.Importance - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(r.Ranked)))
}

// Names returns the field names of analyses in order
func Names(analyses []FieldAnalysis) []string {
	names := make([]string, len(analyses))
	for i, fa := range analyses {
		names[i] = fa.FieldName
	}
	return names
}
