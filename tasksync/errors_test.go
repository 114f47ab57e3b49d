package tasksync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/tasksync/protocol"
)

func TestAuthServiceErrorClassification(t *testing.T) {
	for _, statusCode := range []int{0, 400, 502, 503} {
		err := NewAuthServiceError(statusCode, errors.New("down"))
		assert.Equal(t, IsTransient(err), true)
		assert.Equal(t, IsAuthUnavailable(err), true)
	}

	err := NewAuthServiceError(401, errors.New("bad credentials"))
	assert.Equal(t, IsTransient(err), false)
	_, ok := AsBusiness(err)
	assert.Equal(t, ok, true)
}

func TestHttpStatusClassification(t *testing.T) {
	assert.Equal(t, IsTransient(ClassifyHttpStatus(500, "")), true)
	assert.Equal(t, IsTransient(ClassifyHttpStatus(503, "")), true)
	assert.Equal(t, IsTransient(ClassifyHttpStatus(429, "")), true)
	assert.Equal(t, IsTransient(ClassifyHttpStatus(422, "invalid")), false)
	// the graphql endpoint is not the auth service
	assert.Equal(t, IsAuthUnavailable(ClassifyHttpStatus(503, "")), false)
}

func TestGraphQLConflictClassification(t *testing.T) {
	err := ClassifyGraphQLErrors([]protocol.GraphQLError{
		{Message: "title required"},
		{Message: "CONFLICT: Expected checksum: abc, Got: def"},
	})
	conflictErr, ok := AsConflict(err)
	assert.Equal(t, ok, true)
	assert.Equal(t, conflictErr.ExpectedChecksum, "abc")
	assert.Equal(t, conflictErr.GotChecksum, "def")

	err = ClassifyGraphQLErrors([]protocol.GraphQLError{
		{
			Message: "record changed",
			Extensions: map[string]any{
				"code":             "CONFLICT",
				"expectedChecksum": "1",
				"gotChecksum":      "2",
			},
		},
	})
	conflictErr, ok = AsConflict(fmt.Errorf("wrapped: %w", err))
	assert.Equal(t, ok, true)
	assert.Equal(t, conflictErr.ExpectedChecksum, "1")
	assert.Equal(t, conflictErr.GotChecksum, "2")
}

func TestGraphQLBusinessClassification(t *testing.T) {
	err := ClassifyGraphQLErrors([]protocol.GraphQLError{
		{Message: "forbidden", Extensions: map[string]any{"code": "FORBIDDEN"}},
	})
	businessErr, ok := AsBusiness(err)
	assert.Equal(t, ok, true)
	assert.Equal(t, businessErr.Code, "FORBIDDEN")
	assert.Equal(t, IsTransient(err), false)

	assert.Equal(t, ClassifyGraphQLErrors(nil), nil)
}
