package protocol

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestInitFrame(t *testing.T) {
	frame, err := NewInitFrame("abc")
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Type, MessageTypeConnectionInit)

	initPayload := &InitPayload{}
	err = json.Unmarshal(frame.Payload, initPayload)
	assert.Equal(t, err, nil)
	assert.Equal(t, initPayload.Authorization, "Bearer abc")

	frame, err = NewInitFrame("")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(frame.Payload), "{}")
}

func TestStartFrameCodec(t *testing.T) {
	frame, err := NewStartFrame("sub_1", "subscription { taskUpdated }", nil)
	assert.Equal(t, err, nil)

	b, err := EncodeFrame(frame)
	assert.Equal(t, err, nil)

	decoded, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Id, "sub_1")
	assert.Equal(t, decoded.Type, MessageTypeStart)

	startPayload := &StartPayload{}
	err = json.Unmarshal(decoded.Payload, startPayload)
	assert.Equal(t, err, nil)
	assert.Equal(t, startPayload.Query, "subscription { taskUpdated }")
	// variables are always sent as an object
	assert.Equal(t, len(startPayload.Variables), 0)
	assert.NotEqual(t, startPayload.Variables, nil)
}

func TestDecodeFrame(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"id":"sub_2","type":"data","payload":{"data":{"taskUpdated":"T1"}}}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Type.IsSubscription(), true)

	dataPayload, err := frame.DataPayload()
	assert.Equal(t, err, nil)
	assert.Equal(t, dataPayload.Data["taskUpdated"], "T1")

	frame, err = DecodeFrame([]byte(`{"type":"ka"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Type.IsSubscription(), false)

	_, err = DecodeFrame([]byte(`{"id":"x"}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeFrame([]byte(`not json`))
	assert.NotEqual(t, err, nil)
}

func TestGraphQLErrorCode(t *testing.T) {
	graphQLError := GraphQLError{
		Message: "CONFLICT: Expected checksum: a, Got: b",
		Extensions: map[string]any{
			"code": "CONFLICT",
		},
	}
	assert.Equal(t, graphQLError.Code(), "CONFLICT")
	assert.Equal(t, GraphQLError{Message: "x"}.Code(), "")
}
