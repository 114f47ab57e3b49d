package tasksync

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/bringyour/tasksync/protocol"
)

// errors.go holds the error taxonomy of the engine
//
// error type checking:
//   sentinel errors are checked with errors.Is(err, ErrType)
//   classified errors are checked with IsTransient, IsAuthUnavailable, AsConflict, AsBusiness

// used by the realtime transport
var (
	ErrConnectTimeout  = errors.New("realtime connection timeout")
	ErrConnectFailed   = errors.New("realtime connection failed")
	ErrTransportClosed = errors.New("realtime transport closed")
)

// used by the mutation runner and api
var (
	ErrNoData           = errors.New("operation returned no data")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrNoOperation      = errors.New("document has no operation")
)

// transient infrastructure failure. retried by the retry policy.
type TransientError struct {
	// 0 when the failure happened before a response, e.g. dns or connection refused
	StatusCode int
	// the authentication service could not be reached or answered 400/502/503
	AuthUnavailable bool
	Err             error
}

func (self *TransientError) Error() string {
	if self.AuthUnavailable {
		return fmt.Sprintf("authentication unavailable (%d): %s", self.StatusCode, self.Err)
	}
	if self.StatusCode != 0 {
		return fmt.Sprintf("transient failure (%d): %s", self.StatusCode, self.Err)
	}
	return fmt.Sprintf("transient failure: %s", self.Err)
}

func (self *TransientError) Unwrap() error {
	return self.Err
}

// well formed rejection from the server. never retried.
type BusinessError struct {
	StatusCode int
	Code       string
	Message    string
}

func (self *BusinessError) Error() string {
	if self.Code != "" {
		return fmt.Sprintf("%s (%s)", self.Message, self.Code)
	}
	return self.Message
}

// the server rejected a write because the record changed underneath it
type ConflictError struct {
	Message          string
	ExpectedChecksum string
	GotChecksum      string
}

func (self *ConflictError) Error() string {
	return self.Message
}

// error frame payload delivered to a subscription observer
type SubscriptionError struct {
	SubscriptionId string
	Payload        string
}

func (self *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s error: %s", self.SubscriptionId, self.Payload)
}

// classifies a failure of the authentication service (token refresh, metadata fetch)
// a status code of 0 means the service could not be reached
func NewAuthServiceError(statusCode int, err error) error {
	switch statusCode {
	case 0, http.StatusBadRequest, http.StatusBadGateway, http.StatusServiceUnavailable:
		return &TransientError{
			StatusCode:      statusCode,
			AuthUnavailable: true,
			Err:             err,
		}
	default:
		return &BusinessError{
			StatusCode: statusCode,
			Code:       "UNAUTHENTICATED",
			Message:    err.Error(),
		}
	}
}

func IsTransient(err error) bool {
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func IsAuthUnavailable(err error) bool {
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return transientErr.AuthUnavailable
	}
	return false
}

func AsConflict(err error) (*ConflictError, bool) {
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return conflictErr, true
	}
	return nil, false
}

func AsBusiness(err error) (*BusinessError, bool) {
	var businessErr *BusinessError
	if errors.As(err, &businessErr) {
		return businessErr, true
	}
	return nil, false
}

// http status of a GraphQL endpoint response that is not 200
func ClassifyHttpStatus(statusCode int, body string) error {
	err := fmt.Errorf("http %d: %s", statusCode, strings.TrimSpace(body))
	switch {
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests,
		500 <= statusCode:
		return &TransientError{
			StatusCode: statusCode,
			Err:        err,
		}
	default:
		return &BusinessError{
			StatusCode: statusCode,
			Message:    err.Error(),
		}
	}
}

var expectedChecksumPattern = regexp.MustCompile(`Expected checksum: ([^\s,]+)`)
var gotChecksumPattern = regexp.MustCompile(`Got: ([^\s,]+)`)

// maps the `errors` of a GraphQL response into the taxonomy
// the first conflict wins over any other error in the list
func ClassifyGraphQLErrors(graphQLErrors []protocol.GraphQLError) error {
	if len(graphQLErrors) == 0 {
		return nil
	}
	for _, graphQLError := range graphQLErrors {
		if graphQLError.Code() == "CONFLICT" || strings.Contains(graphQLError.Message, "CONFLICT") {
			conflictErr := &ConflictError{
				Message: graphQLError.Message,
			}
			if graphQLError.Extensions != nil {
				conflictErr.ExpectedChecksum, _ = graphQLError.Extensions["expectedChecksum"].(string)
				conflictErr.GotChecksum, _ = graphQLError.Extensions["gotChecksum"].(string)
			}
			if conflictErr.ExpectedChecksum == "" {
				if m := expectedChecksumPattern.FindStringSubmatch(graphQLError.Message); m != nil {
					conflictErr.ExpectedChecksum = m[1]
				}
			}
			if conflictErr.GotChecksum == "" {
				if m := gotChecksumPattern.FindStringSubmatch(graphQLError.Message); m != nil {
					conflictErr.GotChecksum = m[1]
				}
			}
			return conflictErr
		}
	}
	first := graphQLErrors[0]
	messages := make([]string, 0, len(graphQLErrors))
	for _, graphQLError := range graphQLErrors {
		messages = append(messages, graphQLError.Message)
	}
	return &BusinessError{
		StatusCode: http.StatusOK,
		Code:       first.Code(),
		Message:    strings.Join(messages, "; "),
	}
}
