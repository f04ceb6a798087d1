package models

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Source tags where a prompt came from.
type Source string

const (
	SourceTemplate Source = "template"
	SourceAnalysis Source = "analysis"
	SourceCatalog  Source = "catalog"
)

// Origin is the source-specific payload of a prompt. The concrete types are
// TemplateOrigin, AnalysisOrigin and CatalogOrigin.
type Origin interface {
	Source() Source
	isOrigin()
}

// TemplateOrigin describes a Tier-1 prompt built from a story and a template.
type TemplateOrigin struct {
	TemplateID string     `json:"template_id"`
	EntityType EntityType `json:"entity_type"`
	StoryID    string     `json:"story_id"`
}

func (TemplateOrigin) Source() Source { return SourceTemplate }
func (TemplateOrigin) isOrigin()      {}

// Category is one of the four Tier-3 prompt categories.
type Category string

const (
	CategoryDirectQuote Category = "direct_quote"
	CategoryPattern     Category = "pattern"
	CategoryAbsence     Category = "absence"
	CategoryCost        Category = "cost"
)

// Categories lists the Tier-3 categories in presentation order.
var Categories = []Category{CategoryDirectQuote, CategoryPattern, CategoryAbsence, CategoryCost}

// MemoryType maps a category to the memory type stored on the prompt.
func (c Category) MemoryType() MemoryType {
	switch c {
	case CategoryDirectQuote:
		return MemoryQuote
	case CategoryPattern:
		return MemoryPattern
	case CategoryAbsence:
		return MemoryAbsence
	case CategoryCost:
		return MemoryCost
	}
	return ""
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c.MemoryType() != ""
}

// AnalysisOrigin describes a Tier-3 prompt produced by corpus analysis.
type AnalysisOrigin struct {
	Category         Category `json:"category"`
	Quote            string   `json:"quote,omitempty"`
	Gain             string   `json:"gain,omitempty"`
	Loss             string   `json:"loss,omitempty"`
	EvidenceStoryIDs []string `json:"evidence_story_ids,omitempty"`
	Milestone        int      `json:"milestone"`
}

func (AnalysisOrigin) Source() Source { return SourceAnalysis }
func (AnalysisOrigin) isOrigin()      {}

// CatalogOrigin describes a starter prompt taken from the static idea catalog.
type CatalogOrigin struct {
	IdeaID string `json:"idea_id"`
}

func (CatalogOrigin) Source() Source { return SourceCatalog }
func (CatalogOrigin) isOrigin()      {}

// EncodeOrigin serializes an origin into its source tag and JSON payload.
func EncodeOrigin(o Origin) (Source, []byte, error) {
	if o == nil {
		return "", nil, nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s origin: %w", o.Source(), err)
	}
	return o.Source(), data, nil
}

// DecodeOrigin restores an origin from its source tag and JSON payload.
func DecodeOrigin(src Source, data []byte) (Origin, error) {
	if src == "" {
		return nil, nil
	}
	var (
		o   Origin
		err error
	)
	switch src {
	case SourceTemplate:
		var t TemplateOrigin
		err = unmarshalPayload(data, &t)
		o = t
	case SourceAnalysis:
		var a AnalysisOrigin
		err = unmarshalPayload(data, &a)
		o = a
	case SourceCatalog:
		var c CatalogOrigin
		err = unmarshalPayload(data, &c)
		o = c
	default:
		return nil, fmt.Errorf("unknown prompt source %q", src)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s origin: %w", src, err)
	}
	return o, nil
}

func unmarshalPayload(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
