package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/videoswarm/upswarm/log"
	"github.com/xeipuuv/gojsonschema"
)

type APIError struct {
	Msg    string `json:"message"`
	Status int    `json:"status"`
	Err    error  `json:"-"`
}

func writeHttpError(w http.ResponseWriter, msg string, status int, err error) APIError {
	w.WriteHeader(status)

	var errorDetail string
	if err != nil {
		errorDetail = err.Error()
	}

	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg, "error_detail": errorDetail}); err != nil {
		log.LogNoRequestID("error writing HTTP error", "http_error_msg", msg, "error", err)
	}
	return APIError{msg, status, err}
}

// HTTP Errors
func WriteHTTPUnauthorized(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusUnauthorized, err)
}

func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusBadRequest, err)
}

func WriteHTTPNotFound(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusNotFound, err)
}

func WriteHTTPConflict(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusConflict, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusInternalServerError, err)
}

func WriteHTTPBadBodySchema(where string, w http.ResponseWriter, errors []gojsonschema.ResultError) APIError {
	sb := strings.Builder{}
	sb.WriteString("Body validation error in ")
	sb.WriteString(where)
	sb.WriteString(" ")
	for i := 0; i < len(errors); i++ {
		sb.WriteString(errors[i].String())
		sb.WriteString(" ")
	}
	return writeHttpError(w, sb.String(), http.StatusBadRequest, nil)
}

// Kind classifies an error per the taxonomy of the job-and-batch scheduling
// subsystem. Kinds are compared with errors.Is/errors.As via the sentinel
// values below; concrete errors wrap one of these sentinels.
type Kind int

const (
	KindConfiguration Kind = iota
	KindSourceUnreadable
	KindExtractionFailed
	KindAssemblyFailed
	KindSecurityViolation
	KindBatchProcessing
	KindTimeout
	KindTransient
	KindAlreadySettled
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindSourceUnreadable:
		return "SourceUnreadable"
	case KindExtractionFailed:
		return "ExtractionFailed"
	case KindAssemblyFailed:
		return "AssemblyFailed"
	case KindSecurityViolation:
		return "SecurityViolation"
	case KindBatchProcessing:
		return "BatchProcessingError"
	case KindTimeout:
		return "Timeout"
	case KindTransient:
		return "Transient"
	case KindAlreadySettled:
		return "AlreadySettled"
	default:
		return "UnknownError"
	}
}

// TypedError is a Kind-tagged error carrying an optional cause (e.g. the
// upscaler's stderr, or the media tool's nonzero-exit message).
type TypedError struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *TypedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *TypedError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrTimeout) etc. match any TypedError of that Kind.
func (e *TypedError) Is(target error) bool {
	t, ok := target.(*TypedError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, msg string, cause error) *TypedError {
	return &TypedError{Kind: kind, Msg: msg, Cause: cause}
}

// Sentinels usable with errors.Is for kind-only matches, e.g.
// errors.Is(err, ErrTimeout).
var (
	ErrConfiguration     = &TypedError{Kind: KindConfiguration}
	ErrSourceUnreadable  = &TypedError{Kind: KindSourceUnreadable}
	ErrExtractionFailed  = &TypedError{Kind: KindExtractionFailed}
	ErrAssemblyFailed    = &TypedError{Kind: KindAssemblyFailed}
	ErrSecurityViolation = &TypedError{Kind: KindSecurityViolation}
	ErrBatchProcessing   = &TypedError{Kind: KindBatchProcessing}
	ErrTimeout           = &TypedError{Kind: KindTimeout}
	ErrTransient         = &TypedError{Kind: KindTransient}
	ErrAlreadySettled    = &TypedError{Kind: KindAlreadySettled}
)

func IsKind(err error, kind Kind) bool {
	var te *TypedError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}
