package collab

import (
	mathrand "math/rand"
	"slices"
	"time"
)

// a drawable unit of the shared document. Elements are value-copied at
// every ownership boundary (surface, detector snapshot, applier scene)
// and never aliased between the engine and the rendering surface.

const (
	ElementRectangle = "rectangle"
	ElementEllipse   = "ellipse"
	ElementDiamond   = "diamond"
	ElementLine      = "line"
	ElementArrow     = "arrow"
	ElementFreedraw  = "freedraw"
	ElementText      = "text"
	ElementImage     = "image"
)

// a weak reference to a dependent element, e.g. a text label bound to a
// shape. Never ownership: the referenced element is tombstoned, not
// removed, while a bound reference exists.
type BoundElement struct {
	Id   string `json:"id"`
	Type string `json:"type"`
}

type Element struct {
	Id   string `json:"id"`
	Type string `json:"type"`

	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Angle  float64 `json:"angle"`

	// for line, arrow, and freedraw types. Each point is an (x, y) pair
	// relative to (X, Y).
	Points [][]float64 `json:"points,omitempty"`
	// x and y flip factors, for image types
	Scale [2]float64 `json:"scale,omitempty"`

	StrokeColor     string  `json:"strokeColor,omitempty"`
	BackgroundColor string  `json:"backgroundColor,omitempty"`
	FillStyle       string  `json:"fillStyle,omitempty"`
	StrokeWidth     float64 `json:"strokeWidth,omitempty"`
	Opacity         float64 `json:"opacity,omitempty"`

	Text     string  `json:"text,omitempty"`
	FontSize float64 `json:"fontSize,omitempty"`

	Link   string `json:"link,omitempty"`
	Locked bool   `json:"locked,omitempty"`

	// incremented on every local mutation
	Version int64 `json:"version"`
	// regenerated on every local mutation. Nonce inequality is the
	// authoritative signal that content differs; deep equality is never
	// consulted on the hot path.
	VersionNonce int64 `json:"versionNonce"`
	// wall clock ms of the last mutation
	Updated int64 `json:"updated"`

	// tombstone. Deleted elements stay in the scene while bound
	// references to them may exist.
	Deleted bool `json:"isDeleted,omitempty"`

	BoundElements []BoundElement `json:"boundElements,omitempty"`
}

func NewElement(elementType string) *Element {
	element := &Element{
		Id:           NewId().String(),
		Type:         elementType,
		Opacity:      100,
		StrokeWidth:  1,
		Scale:        [2]float64{1, 1},
		Version:      1,
		VersionNonce: newVersionNonce(),
		Updated:      NowMilli(),
	}
	return element
}

func newVersionNonce() int64 {
	// non-zero so a zero nonce always reads as "never mutated"
	return 1 + mathrand.Int63n(1<<31-1)
}

func NowMilli() int64 {
	return time.Now().UnixMilli()
}

// Mutate marks the element as locally changed: bumps the version,
// regenerates the nonce, and refreshes the updated timestamp.
func (self *Element) Mutate() {
	self.Version += 1
	self.VersionNonce = newVersionNonce()
	self.Updated = NowMilli()
}

// Tombstone soft-deletes the element. The element stays in the scene.
func (self *Element) Tombstone() {
	self.Deleted = true
	self.Mutate()
}

func (self *Element) Clone() *Element {
	clone := *self
	if self.Points != nil {
		clone.Points = make([][]float64, len(self.Points))
		for i, point := range self.Points {
			clone.Points[i] = slices.Clone(point)
		}
	}
	clone.BoundElements = slices.Clone(self.BoundElements)
	return &clone
}

func CloneElements(elements []*Element) []*Element {
	clones := make([]*Element, len(elements))
	for i, element := range elements {
		clones[i] = element.Clone()
	}
	return clones
}

// elementsById builds the id index used by the detector and applier.
// Later entries win, matching the invariant that two elements with the
// same id are the same logical element.
func elementsById(elements []*Element) map[string]*Element {
	byId := map[string]*Element{}
	for _, element := range elements {
		byId[element.Id] = element
	}
	return byId
}
