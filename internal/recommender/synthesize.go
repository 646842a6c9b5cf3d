package recommender

import (
	"context"
	"fmt"
	"math"

	"github.com/fieldops/layoutd/internal/analyzer"
	"github.com/fieldops/layoutd/internal/layout"
	"github.com/fieldops/layoutd/internal/metadata"
	"github.com/fieldops/layoutd/internal/permissions"
)

// spreadScale is the importance standard deviation that earns full spread credit
const spreadScale = 0.25

func (r *Recommender) synthesize(ctx context.Context, key layout.Key, perms *permissions.Resolver) (*Recommendation, error) {
	meta, result, notes, err := r.analyze(ctx, key.EntityType)
	if err != nil {
		return nil, err
	}

	l := Build(meta, result, key, perms, r.config.ListColumns)

	confidence := r.confidence(result)
	reasoning := append([]string{
		fmt.Sprintf("synthesized from %d sampled records and %d analyzed fields", result.SampleSize, len(result.Ranked)),
	}, notes...)
	if p := r.penalty(ctx, key); p > 0 {
		confidence -= p
		reasoning = append(reasoning, fmt.Sprintf("confidence lowered by %.2f after negative feedback", p))
	}
	if len(l.Fields()) == 0 {
		reasoning = append(reasoning, "no fields are readable for this role")
	}

	return &Recommendation{
		Layout:     l,
		Confidence: clamp(confidence, 0, r.config.ConfidenceCeiling),
		Reasoning:  reasoning,
		Source:     SourceSynthesized,
	}, nil
}

// confidence grows with the sample size and with how clearly field scores
// separate, capped by the ceiling
func (r *Recommender) confidence(result *analyzer.Result) float64 {
	sampleFactor := 0.0
	if capSize := r.analyzer.Config().SampleSize; capSize > 0 {
		sampleFactor = math.Min(1, float64(result.SampleSize)/float64(capSize))
	}
	spreadFactor := math.Min(1, result.ImportanceSpread()/spreadScale)
	return r.config.ConfidenceCeiling * (sampleFactor*0.6 + spreadFactor*0.4)
}

// Build arranges the analyzed fields readable by perms into a layout of the
// key's type. Sections follow the analyzer's group suggestions, ordered by
// their best-ranked member; fields within a section keep rank order.
func Build(meta *metadata.EntityMetadata, result *analyzer.Result, key layout.Key, perms *permissions.Resolver, listColumns int) *layout.Layout {
	var ranked []analyzer.FieldAnalysis
	for _, fa := range result.Ranked {
		def, ok := meta.Field(fa.FieldName)
		if !ok || !perms.CanRead(key.EntityType, fa.FieldName) {
			continue
		}
		if key.LayoutType == layout.TypeEdit && (def.ReadOnly || !perms.CanEdit(key.EntityType, fa.FieldName)) {
			continue
		}
		ranked = append(ranked, fa)
	}

	l := &layout.Layout{
		EntityType: key.EntityType,
		LayoutType: key.LayoutType,
		UserRole:   layout.RolePtr(key.Role),
		IsDefault:  true,
	}

	if key.LayoutType == layout.TypeList {
		if len(ranked) > listColumns {
			ranked = ranked[:listColumns]
		}
		section := layout.Section{Name: "Columns"}
		for i, fa := range ranked {
			section.Fields = append(section.Fields, place(meta, fa.FieldName, i+1, layout.WidthThird))
		}
		l.Tabs = []layout.Tab{{Name: tabName(key.LayoutType), Sections: nonEmpty(section)}}
		return l
	}

	index := make(map[string]int)
	var sections []layout.Section
	for _, fa := range ranked {
		i, ok := index[fa.GroupSuggestion]
		if !ok {
			i = len(sections)
			index[fa.GroupSuggestion] = i
			sections = append(sections, layout.Section{Name: fa.GroupSuggestion})
		}
		def, _ := meta.Field(fa.FieldName)
		width := widthFor(meta, def)
		if key.LayoutType == layout.TypeMobile {
			width = layout.WidthFull
		}
		sections[i].Fields = append(sections[i].Fields, place(meta, fa.FieldName, len(sections[i].Fields)+1, width))
	}
	if sections == nil {
		sections = []layout.Section{}
	}
	l.Tabs = []layout.Tab{{Name: tabName(key.LayoutType), Sections: sections}}
	return l
}

func place(meta *metadata.EntityMetadata, name string, order int, width layout.Width) layout.Field {
	def, _ := meta.Field(name)
	return layout.Field{
		Name:    name,
		Label:   def.DisplayLabel(),
		Kind:    def.Kind,
		Width:   width,
		Order:   order,
		Visible: true,
	}
}

// widthFor buckets a field's kind into a column width
func widthFor(meta *metadata.EntityMetadata, def metadata.FieldDefinition) layout.Width {
	switch def.Kind {
	case metadata.KindLongText:
		return layout.WidthFull
	case metadata.KindReference:
		for _, rel := range meta.Relationships {
			if rel.Field == def.Name && rel.Cardinality == "many" {
				return layout.WidthFull
			}
		}
		return layout.WidthHalf
	case metadata.KindText, metadata.KindEnum, metadata.KindEmail, metadata.KindPhone:
		return layout.WidthHalf
	default:
		return layout.WidthThird
	}
}

func tabName(t layout.Type) string {
	switch t {
	case layout.TypeList:
		return "Columns"
	case layout.TypeEdit:
		return "Edit"
	case layout.TypePrint:
		return "Print"
	default:
		return "Details"
	}
}

func nonEmpty(s layout.Section) []layout.Section {
	if len(s.Fields) == 0 {
		return []layout.Section{}
	}
	return []layout.Section{s}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
