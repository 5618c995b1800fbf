package collab

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Frames on the websocket are structpb structs marshaled to binary
// protobuf. The struct value model is the same transport-safe space
// the element codec targets, so operation payloads pass through
// unchanged.

const (
	WireAuth           = "auth"
	WireAppend         = "append"
	WireAck            = "ack"
	WireOperation      = "operation"
	WireSetPresence    = "setPresence"
	WireRemovePresence = "removePresence"
	WirePresence       = "presence"
	WireChat           = "chat"
)

type WireFrame = map[string]any

func EncodeWireFrame(frame WireFrame) ([]byte, error) {
	structFrame, err := structpb.NewStruct(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return proto.Marshal(structFrame)
}

func DecodeWireFrame(frameBytes []byte) (WireFrame, error) {
	structFrame := &structpb.Struct{}
	if err := proto.Unmarshal(frameBytes, structFrame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return structFrame.AsMap(), nil
}

func WireFrameType(frame WireFrame) string {
	frameType, _ := frame["type"].(string)
	return frameType
}

// toWireValue and fromWireValue round trip typed values through their
// json form, which is exactly the value space structpb accepts
func toWireValue(value any) (any, error) {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var wireValue any
	if err := json.Unmarshal(valueJson, &wireValue); err != nil {
		return nil, err
	}
	return wireValue, nil
}

func fromWireValue(wireValue any, value any) error {
	valueJson, err := json.Marshal(wireValue)
	if err != nil {
		return err
	}
	return json.Unmarshal(valueJson, value)
}

func OperationToWire(operation *Operation) (any, error) {
	return toWireValue(operation)
}

func OperationFromWire(wireValue any) (*Operation, error) {
	operation := &Operation{}
	if err := fromWireValue(wireValue, operation); err != nil {
		return nil, err
	}
	return operation, nil
}

func PresenceRecordToWire(record *PresenceRecord) (any, error) {
	return toWireValue(record)
}

func PresenceRecordFromWire(wireValue any) (*PresenceRecord, error) {
	record := &PresenceRecord{}
	if err := fromWireValue(wireValue, record); err != nil {
		return nil, err
	}
	if record.UserId == "" {
		return nil, fmt.Errorf("missing userId")
	}
	return record, nil
}

func PresenceRecordsFromWire(wireValue any) ([]*PresenceRecord, error) {
	records := []*PresenceRecord{}
	if err := fromWireValue(wireValue, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func ChatMessageToWire(message *ChatMessage) (any, error) {
	return toWireValue(message)
}

func ChatMessageFromWire(wireValue any) (*ChatMessage, error) {
	message := &ChatMessage{}
	if err := fromWireValue(wireValue, message); err != nil {
		return nil, err
	}
	return message, nil
}
