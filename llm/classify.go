package llm

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/aws/smithy-go"
	"github.com/m4xw311/axon/errors"
	"github.com/ollama/ollama/api"
	"github.com/openai/openai-go/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// malformedError marks a response that could not be decoded.
type malformedError struct{ err error }

func (e *malformedError) Error() string { return "malformed response: " + e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

func malformed(err error) error {
	if err == nil {
		return nil
	}
	return &malformedError{err: err}
}

// Classify maps a provider error to a terminal Failed event.
func Classify(err error) Failed {
	if f, ok := err.(Failed); ok {
		return f
	}
	var m *malformedError
	if errors.As(err, &m) {
		return Failed{Kind: errors.ProviderTransportError, Message: m.Error(), Err: err}
	}
	code, header := statusOf(err)
	f := Failed{Kind: errors.ProviderTransportError, Message: err.Error(), Err: err}
	if k := errors.KindOf(err); k != errors.KindUnknown {
		f.Kind = k
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		f.Kind = errors.ProviderAuthError
	case code == http.StatusTooManyRequests:
		f.Kind = errors.ProviderRateLimited
		if d := retryAfter(header); d > 0 {
			f.Message += " (retry after " + d.String() + ")"
		}
	}
	if f.Kind == errors.ProviderRateLimited && !strings.Contains(f.Message, "retry after") {
		f.Message += " (retry later)"
	}
	return f
}

// statusOf extracts an HTTP status from any of the vendor SDK errors.
func statusOf(err error) (int, http.Header) {
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode, responseHeader(ae.Response)
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode, responseHeader(oe.Response)
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code, ge.Header
	}
	var se api.StatusError
	if errors.As(err, &se) {
		return se.StatusCode, nil
	}
	var hs interface{ HTTPStatusCode() int }
	if errors.As(err, &hs) {
		return hs.HTTPStatusCode(), nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == "AccessDeniedException", code == "UnrecognizedClientException", code == "ExpiredTokenException":
			return http.StatusForbidden, nil
		case code == "ThrottlingException", strings.HasPrefix(code, "TooManyRequests"):
			return http.StatusTooManyRequests, nil
		}
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unauthenticated, codes.PermissionDenied:
			return http.StatusUnauthorized, nil
		case codes.ResourceExhausted:
			return http.StatusTooManyRequests, nil
		}
	}
	return 0, nil
}

func responseHeader(r *http.Response) http.Header {
	if r == nil {
		return nil
	}
	return r.Header
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t).Round(time.Second)
	}
	return 0
}
