package collab

import (
	"reflect"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testElements() []*Element {
	rectangle := NewElement(ElementRectangle)
	rectangle.X = 100
	rectangle.Y = 100
	rectangle.Width = 200
	rectangle.Height = 80
	rectangle.StrokeColor = "#1e1e1e"
	rectangle.BackgroundColor = "#a5d8ff"
	rectangle.BoundElements = []BoundElement{
		{Id: "label-1", Type: ElementText},
	}

	line := NewElement(ElementLine)
	line.Points = [][]float64{
		{0, 0},
		{50, 25},
		{100, 0},
	}

	freedraw := NewElement(ElementFreedraw)
	freedraw.Points = [][]float64{
		{0, 0},
		{1.5, 2.25},
		{3, 4},
		{5.5, 8},
	}

	text := NewElement(ElementText)
	text.Text = "hello"
	text.FontSize = 20

	image := NewElement(ElementImage)
	image.Scale = [2]float64{-1, 1}

	deleted := NewElement(ElementEllipse)
	deleted.Tombstone()

	return []*Element{rectangle, line, freedraw, text, image, deleted}
}

func TestCodecRoundTrip(t *testing.T) {
	elements := testElements()

	transportElements := EncodeElements(elements)
	assert.Equal(t, len(elements), len(transportElements))

	decoded := DecodeElements(transportElements)
	assert.Equal(t, len(elements), len(decoded))

	for i := range elements {
		if !reflect.DeepEqual(elements[i], decoded[i]) {
			t.Fatalf("round trip mismatch for %s:\n%+v\n%+v", elements[i].Id, elements[i], decoded[i])
		}
	}
}

func TestCodecNoNestedArrays(t *testing.T) {
	elements := testElements()

	var checkNoNestedArrays func(t *testing.T, key string, value any, inArray bool)
	checkNoNestedArrays = func(t *testing.T, key string, value any, inArray bool) {
		switch v := value.(type) {
		case []any:
			if inArray {
				t.Fatalf("nested array at %s", key)
			}
			for _, item := range v {
				checkNoNestedArrays(t, key, item, true)
			}
		case map[string]any:
			for mapKey, item := range v {
				checkNoNestedArrays(t, mapKey, item, false)
			}
		}
	}

	for _, transportElement := range EncodeElements(elements) {
		for key, value := range transportElement {
			checkNoNestedArrays(t, key, value, false)
		}
	}
}

// a mangled points field (an object instead of an array) must decode
// without error into a points array of equal length
func TestCodecMangledPoints(t *testing.T) {
	transportElement := TransportElement{
		"id":   "mangled-1",
		"type": ElementLine,
		"points": map[string]any{
			"0": map[string]any{"x": float64(0), "y": float64(0)},
			"2": map[string]any{"x": float64(10), "y": float64(20)},
			"1": []any{float64(5), float64(5)},
		},
		"version":      float64(1),
		"versionNonce": float64(12345),
		"updated":      float64(1700000000000),
	}

	decoded := DecodeElements([]TransportElement{transportElement})
	assert.Equal(t, 1, len(decoded))
	assert.Equal(t, 3, len(decoded[0].Points))
	// map iteration order must not leak into point order
	assert.Equal(t, []float64{0, 0}, decoded[0].Points[0])
	assert.Equal(t, []float64{5, 5}, decoded[0].Points[1])
	assert.Equal(t, []float64{10, 20}, decoded[0].Points[2])
}

func TestCodecSkipsBadElement(t *testing.T) {
	good := NewElement(ElementRectangle)
	transportElements := EncodeElements([]*Element{good})
	transportElements = append(transportElements, TransportElement{
		// no id
		"type": ElementRectangle,
	})

	decoded := DecodeElements(transportElements)
	assert.Equal(t, 1, len(decoded))
	assert.Equal(t, good.Id, decoded[0].Id)
}

func TestCodecScale(t *testing.T) {
	image := NewElement(ElementImage)
	image.Scale = [2]float64{-1, 1}

	transportElements := EncodeElements([]*Element{image})
	scale, ok := transportElements[0]["scale"].(map[string]any)
	assert.Equal(t, true, ok)
	assert.Equal(t, float64(-1), scale["x"])
	assert.Equal(t, float64(1), scale["y"])

	decoded := DecodeElements(transportElements)
	assert.Equal(t, [2]float64{-1, 1}, decoded[0].Scale)
}
