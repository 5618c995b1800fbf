package collab

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/golang/glog"
)

// The backing store's document format forbids arrays nested inside
// arrays or maps. The codec moves elements between the in-memory
// representation and a transport-safe one:
// - point lists become maps keyed by stringified index
// - the 2-vector scale becomes an {x, y} map
// - bound element entries are normalized to {id, type} maps
// decode(encode(e)) is deep-equal to e for every well-formed element.

type TransportElement = map[string]any

// EncodeElements converts elements to their transport representation.
// Encode never fails: malformed nested arrays are converted to
// index-keyed maps in place and a diagnostic is logged.
func EncodeElements(elements []*Element) []TransportElement {
	transportElements := make([]TransportElement, len(elements))
	for i, element := range elements {
		transportElements[i] = encodeElement(element)
	}
	return transportElements
}

func encodeElement(element *Element) TransportElement {
	transportElement := TransportElement{}
	// the json field names are the canonical transport field names
	elementJson, err := json.Marshal(element)
	if err != nil {
		// unreachable for the Element type. Keep the contract anyway.
		glog.Warningf("[c]encode %s error = %s\n", element.Id, err)
		return TransportElement{"id": element.Id}
	}
	json.Unmarshal(elementJson, &transportElement)

	if points, ok := transportElement["points"].([]any); ok {
		transportElement["points"] = encodePoints(element.Id, points)
	}
	if scale, ok := transportElement["scale"].([]any); ok {
		transportElement["scale"] = encodeScale(scale)
	}

	// any nested array that slipped through is repaired, not rejected
	for key, value := range transportElement {
		transportElement[key] = flattenNestedArrays(element.Id, key, value)
	}

	return transportElement
}

func encodePoints(elementId string, points []any) map[string]any {
	pointsByIndex := map[string]any{}
	for i, point := range points {
		pair, ok := point.([]any)
		if !ok || len(pair) != 2 {
			glog.V(1).Infof("[c]encode %s malformed point %d\n", elementId, i)
			pointsByIndex[strconv.Itoa(i)] = map[string]any{"x": float64(0), "y": float64(0)}
			continue
		}
		pointsByIndex[strconv.Itoa(i)] = map[string]any{
			"x": pair[0],
			"y": pair[1],
		}
	}
	return pointsByIndex
}

func encodeScale(scale []any) map[string]any {
	encoded := map[string]any{
		"x": float64(1),
		"y": float64(1),
	}
	if 2 == len(scale) {
		encoded["x"] = scale[0]
		encoded["y"] = scale[1]
	}
	return encoded
}

// flattenNestedArrays rewrites any array-inside-array or
// array-inside-map value as an index-keyed map, recursively
func flattenNestedArrays(elementId string, key string, value any) any {
	switch v := value.(type) {
	case []any:
		for i, item := range v {
			if _, nested := item.([]any); nested {
				glog.Infof("[c]encode %s nested array at %s[%d], converting\n", elementId, key, i)
				return arrayToIndexMap(elementId, key, v)
			}
			v[i] = flattenNestedArrays(elementId, key, item)
		}
		return v
	case map[string]any:
		for mapKey, item := range v {
			v[mapKey] = flattenNestedArrays(elementId, key, item)
		}
		return v
	default:
		return value
	}
}

func arrayToIndexMap(elementId string, key string, values []any) map[string]any {
	indexMap := map[string]any{}
	for i, item := range values {
		indexMap[strconv.Itoa(i)] = flattenNestedArrays(elementId, key, item)
	}
	return indexMap
}

// DecodeElements converts transport representations back to elements.
// Entries that cannot be decoded are skipped with a diagnostic. One bad
// element never fails the batch.
func DecodeElements(transportElements []TransportElement) []*Element {
	elements := []*Element{}
	for _, transportElement := range transportElements {
		element, err := decodeElement(transportElement)
		if err != nil {
			glog.Infof("[c]decode skip = %s\n", err)
			continue
		}
		elements = append(elements, element)
	}
	return elements
}

func decodeElement(transportElement TransportElement) (*Element, error) {
	decoded := map[string]any{}
	for key, value := range transportElement {
		decoded[key] = value
	}

	if points, ok := decoded["points"]; ok {
		decoded["points"] = decodePoints(points)
	}
	if scale, ok := decoded["scale"].(map[string]any); ok {
		decoded["scale"] = []any{scale["x"], scale["y"]}
	}
	if boundElements, ok := decoded["boundElements"].([]any); ok {
		decoded["boundElements"] = decodeBoundElements(boundElements)
	}

	elementJson, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("decode marshal: %w", err)
	}
	element := &Element{}
	if err := json.Unmarshal(elementJson, element); err != nil {
		return nil, fmt.Errorf("decode element: %w", err)
	}
	if element.Id == "" {
		return nil, fmt.Errorf("decode element: missing id")
	}
	return element, nil
}

// decodePoints restores a point list from either the canonical
// index-keyed map form or a mangled intermediate form. The result
// always has one (x, y) pair per input entry.
func decodePoints(points any) []any {
	switch v := points.(type) {
	case []any:
		// already an array (peer with a different store format)
		decoded := make([]any, len(v))
		for i, point := range v {
			decoded[i] = decodePoint(point)
		}
		return decoded
	case map[string]any:
		indexes := []int{}
		pointsByIndex := map[int]any{}
		for key, point := range v {
			index, err := strconv.Atoi(key)
			if err != nil {
				glog.V(1).Infof("[c]decode non-index point key %s\n", key)
				continue
			}
			indexes = append(indexes, index)
			pointsByIndex[index] = point
		}
		sort.Ints(indexes)
		decoded := make([]any, 0, len(indexes))
		for _, index := range indexes {
			decoded = append(decoded, decodePoint(pointsByIndex[index]))
		}
		return decoded
	default:
		return []any{}
	}
}

func decodePoint(point any) []any {
	switch v := point.(type) {
	case map[string]any:
		return []any{numberOrZero(v["x"]), numberOrZero(v["y"])}
	case []any:
		if 2 == len(v) {
			return []any{numberOrZero(v[0]), numberOrZero(v[1])}
		}
	}
	return []any{float64(0), float64(0)}
}

func decodeBoundElements(boundElements []any) []any {
	normalized := make([]any, 0, len(boundElements))
	for _, boundElement := range boundElements {
		entry, ok := boundElement.(map[string]any)
		if !ok {
			continue
		}
		normalized = append(normalized, map[string]any{
			"id":   entry["id"],
			"type": entry["type"],
		})
	}
	return normalized
}

func numberOrZero(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}
