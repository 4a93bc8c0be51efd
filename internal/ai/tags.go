package ai

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/velora/picflow/pkg/models"
)

// Bounded fan-out of the tag tree.
const (
	maxPrimary       = 2
	maxSubcategories = 3
	minAttributes    = 3
	maxAttributes    = 6
)

const tagTreeSchema = `{
	"type": "object",
	"required": ["primary"],
	"properties": {
		"primary": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"weight": {"type": "number"},
					"subcategories": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["name"],
							"properties": {
								"name": {"type": "string", "minLength": 1},
								"weight": {"type": "number"},
								"attributes": {
									"type": "array",
									"items": {
										"type": "object",
										"required": ["name"],
										"properties": {
											"name": {"type": "string", "minLength": 1},
											"weight": {"type": "number"}
										}
									}
								}
							}
						}
					}
				}
			}
		}
	}
}`

var tagTreeSchemaLoader = gojsonschema.NewStringLoader(tagTreeSchema)

// TagResult is the outcome of tag extraction: either a parsed tree, or a
// deterministic fallback with the reason recorded.
type TagResult struct {
	Tree     models.TagTree
	Fallback bool
	Reason   string
}

// ParseTagTree defensively extracts the hierarchical tag JSON from the raw
// model output. The model is not guaranteed to return valid JSON; any
// extraction failure yields fallback tags, never an error.
func ParseTagTree(raw, description string) TagResult {
	jsonText, ok := extractJSON(raw)
	if !ok {
		return FallbackTags(description, "no JSON object in model output")
	}

	result, err := gojsonschema.Validate(tagTreeSchemaLoader, gojsonschema.NewStringLoader(jsonText))
	if err != nil {
		return FallbackTags(description, "tag JSON not parseable: "+err.Error())
	}
	if !result.Valid() {
		return FallbackTags(description, "tag JSON failed schema validation")
	}

	var tree models.TagTree
	if err := json.Unmarshal([]byte(jsonText), &tree); err != nil {
		return FallbackTags(description, "tag JSON not unmarshalable: "+err.Error())
	}

	normalized := normalize(tree)
	if len(normalized.Primary) == 0 {
		return FallbackTags(description, "no usable tags after normalization")
	}

	return TagResult{Tree: normalized}
}

// extractJSON pulls the first balanced top-level JSON object out of free text.
func extractJSON(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

// normalize clamps weights into [0,1] and enforces the fan-out bounds:
// at most 2 primaries, 3 subcategories each, 3-6 attributes each.
// Subcategories with fewer than 3 attributes are dropped.
func normalize(tree models.TagTree) models.TagTree {
	var out models.TagTree
	for _, p := range tree.Primary {
		if len(out.Primary) >= maxPrimary {
			break
		}
		if strings.TrimSpace(p.Name) == "" {
			continue
		}
		np := models.PrimaryTag{Name: strings.TrimSpace(p.Name), Weight: clamp(p.Weight)}
		for _, s := range p.Subcategories {
			if len(np.Subcategories) >= maxSubcategories {
				break
			}
			if strings.TrimSpace(s.Name) == "" {
				continue
			}
			ns := models.Subcategory{Name: strings.TrimSpace(s.Name), Weight: clamp(s.Weight)}
			for _, a := range s.Attributes {
				if len(ns.Attributes) >= maxAttributes {
					break
				}
				if strings.TrimSpace(a.Name) == "" {
					continue
				}
				ns.Attributes = append(ns.Attributes, models.Attribute{
					Name:   strings.TrimSpace(a.Name),
					Weight: clamp(a.Weight),
				})
			}
			if len(ns.Attributes) >= minAttributes {
				np.Subcategories = append(np.Subcategories, ns)
			}
		}
		out.Primary = append(out.Primary, np)
	}
	return out
}

func clamp(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "with": {}, "this": {}, "that": {}, "from": {},
	"for": {}, "are": {}, "has": {}, "have": {}, "its": {}, "into": {},
	"over": {}, "under": {}, "very": {}, "some": {}, "there": {}, "image": {},
	"picture": {}, "photo": {}, "showing": {}, "shows": {}, "features": {},
}

var paddingAttributes = []string{"scene", "visual", "composition"}

// FallbackTags derives a deterministic tag tree from keyword extraction over
// the description. Used whenever tag JSON cannot be extracted from the model.
func FallbackTags(description, reason string) TagResult {
	words := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})

	type freq struct {
		word  string
		count int
		first int
	}
	counts := map[string]*freq{}
	order := []*freq{}
	for i, w := range words {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if f, ok := counts[w]; ok {
			f.count++
			continue
		}
		f := &freq{word: w, count: 1, first: i}
		counts[w] = f
		order = append(order, f)
	}

	// Most frequent first; ties resolved by first occurrence so the result
	// is deterministic for a given description.
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].count != order[j].count {
			return order[i].count > order[j].count
		}
		return order[i].first < order[j].first
	})

	var attrs []models.Attribute
	for _, f := range order {
		if len(attrs) >= maxAttributes {
			break
		}
		attrs = append(attrs, models.Attribute{Name: f.word, Weight: 0.5})
	}
	for i := 0; len(attrs) < minAttributes; i++ {
		attrs = append(attrs, models.Attribute{Name: paddingAttributes[i%len(paddingAttributes)], Weight: 0.3})
	}

	tree := models.TagTree{
		Primary: []models.PrimaryTag{{
			Name:   "uncategorized",
			Weight: 0.8,
			Subcategories: []models.Subcategory{{
				Name:       "general",
				Weight:     0.6,
				Attributes: attrs,
			}},
		}},
	}

	return TagResult{Tree: tree, Fallback: true, Reason: reason}
}
