package models

import (
	"time"
)

type Image struct {
	ID          int64     `json:"id" db:"id"`
	Slug        string    `json:"slug" db:"slug"`
	ImageURL    string    `json:"image_url" db:"image_url"`
	DisplayURL  string    `json:"display_url" db:"display_url"`
	ImageHash   string    `json:"image_hash" db:"image_hash"`
	Description string    `json:"description" db:"description"`
	Width       int       `json:"width" db:"width"`
	Height      int       `json:"height" db:"height"`
	UserID      *string   `json:"user_id,omitempty" db:"user_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Tag levels form a three-level hierarchy: primary category, subcategory,
// attribute. The same name at different levels is a distinct tag.
const (
	TagLevelPrimary     = 1
	TagLevelSubcategory = 2
	TagLevelAttribute   = 3
)

type Tag struct {
	ID    int64  `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Level int    `json:"level" db:"level"`
}

type ImageTag struct {
	ImageID int64   `json:"image_id" db:"image_id"`
	TagID   int64   `json:"tag_id" db:"tag_id"`
	Weight  float64 `json:"weight" db:"weight"`
	Level   int     `json:"level" db:"level"`
}

// TagTree is the hierarchical tag structure extracted from the vision model.
type TagTree struct {
	Primary []PrimaryTag `json:"primary"`
}

type PrimaryTag struct {
	Name          string        `json:"name"`
	Weight        float64       `json:"weight"`
	Subcategories []Subcategory `json:"subcategories"`
}

type Subcategory struct {
	Name       string      `json:"name"`
	Weight     float64     `json:"weight"`
	Attributes []Attribute `json:"attributes"`
}

type Attribute struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Flatten returns every tag in the tree with its level, in document order.
func (t TagTree) Flatten() []WeightedTag {
	var out []WeightedTag
	for _, p := range t.Primary {
		out = append(out, WeightedTag{Name: p.Name, Weight: p.Weight, Level: TagLevelPrimary})
		for _, s := range p.Subcategories {
			out = append(out, WeightedTag{Name: s.Name, Weight: s.Weight, Level: TagLevelSubcategory})
			for _, a := range s.Attributes {
				out = append(out, WeightedTag{Name: a.Name, Weight: a.Weight, Level: TagLevelAttribute})
			}
		}
	}
	return out
}

type WeightedTag struct {
	Name   string
	Weight float64
	Level  int
}
