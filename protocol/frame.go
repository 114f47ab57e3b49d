package protocol

import (
	"encoding/json"
	"fmt"
)

// frames of the graphql-ws push protocol
// every frame is a json object `{id?, type, payload?}`
// the client sends connection_init, start, stop, ka
// the server sends connection_ack, data, error, complete, ka

const SubProtocol = "graphql-ws"

type MessageType string

const (
	MessageTypeConnectionInit MessageType = "connection_init"
	MessageTypeStart          MessageType = "start"
	MessageTypeStop           MessageType = "stop"
	MessageTypeConnectionAck  MessageType = "connection_ack"
	MessageTypeData           MessageType = "data"
	MessageTypeError          MessageType = "error"
	MessageTypeComplete       MessageType = "complete"
	MessageTypeKeepAlive      MessageType = "ka"
)

// true for frame types that are addressed to a single subscription id
func (self MessageType) IsSubscription() bool {
	switch self {
	case MessageTypeData, MessageTypeError, MessageTypeComplete:
		return true
	default:
		return false
	}
}

type Frame struct {
	Id      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type InitPayload struct {
	Authorization string `json:"authorization,omitempty"`
}

type StartPayload struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
	OperationName string         `json:"operationName,omitempty"`
}

// `data` frame payloads and http responses share this shape
type DataPayload struct {
	Data   map[string]any `json:"data,omitempty"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (self GraphQLError) Code() string {
	if self.Extensions == nil {
		return ""
	}
	code, _ := self.Extensions["code"].(string)
	return code
}

func (self GraphQLError) Error() string {
	if code := self.Code(); code != "" {
		return fmt.Sprintf("%s (%s)", self.Message, code)
	}
	return self.Message
}

func NewInitFrame(token string) (*Frame, error) {
	initPayload := &InitPayload{}
	if token != "" {
		initPayload.Authorization = fmt.Sprintf("Bearer %s", token)
	}
	payload, err := json.Marshal(initPayload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:    MessageTypeConnectionInit,
		Payload: payload,
	}, nil
}

func NewStartFrame(id string, query string, variables map[string]any) (*Frame, error) {
	if variables == nil {
		variables = map[string]any{}
	}
	payload, err := json.Marshal(&StartPayload{
		Query:     query,
		Variables: variables,
	})
	if err != nil {
		return nil, err
	}
	return &Frame{
		Id:      id,
		Type:    MessageTypeStart,
		Payload: payload,
	}, nil
}

func NewStopFrame(id string) *Frame {
	return &Frame{
		Id:   id,
		Type: MessageTypeStop,
	}
}

func NewKeepAliveFrame() *Frame {
	return &Frame{
		Type: MessageTypeKeepAlive,
	}
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func DecodeFrame(message []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(message, frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("Frame missing type.")
	}
	return frame, nil
}

// the payload of a `data` frame
func (self *Frame) DataPayload() (*DataPayload, error) {
	dataPayload := &DataPayload{}
	if len(self.Payload) == 0 {
		return dataPayload, nil
	}
	if err := json.Unmarshal(self.Payload, dataPayload); err != nil {
		return nil, err
	}
	return dataPayload, nil
}
