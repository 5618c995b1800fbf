package collab

import (
	"reflect"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestWireFrameRoundTrip(t *testing.T) {
	frame := WireFrame{
		"type":  WireAck,
		"ackId": "a-1",
		"seq":   float64(12),
	}

	frameBytes, err := EncodeWireFrame(frame)
	assert.Equal(t, nil, err)

	decoded, err := DecodeWireFrame(frameBytes)
	assert.Equal(t, nil, err)
	assert.Equal(t, WireAck, WireFrameType(decoded))
	assert.Equal(t, "a-1", decoded["ackId"])
	assert.Equal(t, float64(12), decoded["seq"])
}

func TestWireOperationRoundTrip(t *testing.T) {
	element := NewElement(ElementLine)
	element.Points = [][]float64{{0, 0}, {10, 10}}
	operation := NewOperation(OpAdd, NewId(), []*Element{element})

	wireValue, err := OperationToWire(operation)
	assert.Equal(t, nil, err)

	// through the full frame codec, as the relay does
	frameBytes, err := EncodeWireFrame(WireFrame{
		"type":      WireOperation,
		"operation": wireValue,
	})
	assert.Equal(t, nil, err)
	frame, err := DecodeWireFrame(frameBytes)
	assert.Equal(t, nil, err)

	decoded, err := OperationFromWire(frame["operation"])
	assert.Equal(t, nil, err)
	assert.Equal(t, operation.Type, decoded.Type)
	assert.Equal(t, operation.ElementIds, decoded.ElementIds)
	assert.Equal(t, operation.OriginId, decoded.OriginId)
	assert.Equal(t, operation.Timestamp, decoded.Timestamp)

	elements := DecodeElements(decoded.Payload)
	assert.Equal(t, 1, len(elements))
	if !reflect.DeepEqual(element, elements[0]) {
		t.Fatalf("payload mismatch:\n%+v\n%+v", element, elements[0])
	}
}

func TestWirePresenceRoundTrip(t *testing.T) {
	record := &PresenceRecord{
		UserId:      "alice",
		DisplayName: "Alice",
		Color:       PresenceColor("alice"),
		Cursor:      Cursor{X: 10, Y: 20, IsActive: true},
		Viewport:    Viewport{X: 1, Y: 2, Zoom: 1.5},
		LastSeen:    NowMilli(),
	}

	wireValue, err := PresenceRecordToWire(record)
	assert.Equal(t, nil, err)
	decoded, err := PresenceRecordFromWire(wireValue)
	assert.Equal(t, nil, err)
	assert.Equal(t, record, decoded)

	// a record without a user id is rejected
	_, err = PresenceRecordFromWire(map[string]any{"displayName": "x"})
	assert.NotEqual(t, nil, err)
}

func TestWirePresenceSetRoundTrip(t *testing.T) {
	records := []*PresenceRecord{
		{UserId: "alice", LastSeen: 1},
		{UserId: "bob", LastSeen: 2},
	}

	wireValue, err := toWireValue(records)
	assert.Equal(t, nil, err)
	decoded, err := PresenceRecordsFromWire(wireValue)
	assert.Equal(t, nil, err)
	assert.Equal(t, records, decoded)
}

func TestWireChatRoundTrip(t *testing.T) {
	message := &ChatMessage{
		UserId:      "alice",
		DisplayName: "Alice",
		Text:        "hello",
		Timestamp:   NowMilli(),
	}

	wireValue, err := ChatMessageToWire(message)
	assert.Equal(t, nil, err)
	decoded, err := ChatMessageFromWire(wireValue)
	assert.Equal(t, nil, err)
	assert.Equal(t, message, decoded)
}
