package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

var ErrUnknownEntityType = fmt.Errorf("unknown entity type")
var ErrUnknownField = fmt.Errorf("unknown field")
var ErrNoPrimaryKey = fmt.Errorf("no primary key")
var ErrNoMatchingEntity = fmt.Errorf("no matching entity")
var ErrFieldNotFound = fmt.Errorf("field not found")
var ErrEntityNotStored = fmt.Errorf("entity not stored")
var ErrSchemaMismatch = fmt.Errorf("schema mismatch")

var ErrBadRequest = fmt.Errorf("bad request")
var ErrBadResponse = fmt.Errorf("bad response")
var ErrInternal = fmt.Errorf("internal error")
var ErrNotFound = fmt.Errorf("not found")
var ErrRequest = fmt.Errorf("request error")
var ErrUnauthorized = fmt.Errorf("unauthorized")

type myError struct {
	msg    string
	target error
}

func (m myError) Error() string        { return m.msg }
func (m myError) Is(target error) bool { return target == m.target }

func NewUnknownEntityTypeError(msg string) error {
	return &myError{msg: msg, target: ErrUnknownEntityType}
}

func NewUnknownFieldError(msg string) error {
	return &myError{msg: msg, target: ErrUnknownField}
}

func NewNoPrimaryKeyError(msg string) error {
	return &myError{msg: msg, target: ErrNoPrimaryKey}
}

func NewNoMatchingEntityError(msg string) error {
	return &myError{msg: msg, target: ErrNoMatchingEntity}
}

func NewFieldNotFoundError(msg string) error {
	return &myError{msg: msg, target: ErrFieldNotFound}
}

func NewEntityNotStoredError(msg string) error {
	return &myError{msg: msg, target: ErrEntityNotStored}
}

func NewSchemaMismatchError(msg string) error {
	return &myError{msg: msg, target: ErrSchemaMismatch}
}

func NewBadRequestError(msg string) error {
	return &myError{msg: msg, target: ErrBadRequest}
}

func NewNotFoundError(msg string) error {
	return &myError{msg: msg, target: ErrNotFound}
}

func NewUnauthorizedError(msg string) error {
	return &myError{msg: msg, target: ErrUnauthorized}
}

func NewInternalError(msg string) error {
	return &myError{msg: msg, target: ErrInternal}
}

const (
	typeBadRequest        string = "https://entity-mapper.diwise.io/errors/BadRequest"
	typeInternalError     string = "https://entity-mapper.diwise.io/errors/InternalError"
	typeNotFound          string = "https://entity-mapper.diwise.io/errors/ResourceNotFound"
	typeUnauthorized      string = "https://entity-mapper.diwise.io/errors/Unauthorized"
	typeUnknownEntityType string = "https://entity-mapper.diwise.io/errors/UnknownEntityType"
	typeUnknownField      string = "https://entity-mapper.diwise.io/errors/UnknownField"
)

// NewErrorFromProblemReport maps a problem report returned by the record
// service back to one of the error sentinels in this package
func NewErrorFromProblemReport(code int, contentType string, body []byte) error {
	report := &struct {
		Type   string `json:"type"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}{}

	err := json.Unmarshal(body, report)
	if err != nil {
		return fmt.Errorf("failed to process problem report (status %d, content-type %s): %s (%w)", code, contentType, err.Error(), ErrBadResponse)
	}

	switch {
	case report.Type == typeUnknownEntityType:
		return NewUnknownEntityTypeError(report.Detail)
	case report.Type == typeUnknownField:
		return NewUnknownFieldError(report.Detail)
	case code == http.StatusNotFound || report.Type == typeNotFound:
		return NewNotFoundError(report.Detail)
	case code == http.StatusUnauthorized || code == http.StatusForbidden || report.Type == typeUnauthorized:
		return NewUnauthorizedError(report.Detail)
	case report.Type == typeBadRequest:
		return NewBadRequestError(report.Detail)
	}

	return NewInternalError(
		fmt.Sprintf("[code: %d] unknown problem report of type \"%s\" with detail \"%s\" received",
			code, report.Type, report.Detail,
		),
	)
}

// ProblemReportContentType as required by https://tools.ietf.org/html/rfc7807
const ProblemReportContentType string = "application/problem+json"

// ProblemDetails stores details about a certain problem according to RFC7807
type ProblemDetails struct {
	typ     string
	title   string
	detail  string
	code    int
	traceID string
}

func NewBadRequest(detail, traceID string) *ProblemDetails {
	return &ProblemDetails{typ: typeBadRequest, title: "Bad Request", detail: detail, code: http.StatusBadRequest, traceID: traceID}
}

func NewNotFound(detail, traceID string) *ProblemDetails {
	return &ProblemDetails{typ: typeNotFound, title: "Not Found", detail: detail, code: http.StatusNotFound, traceID: traceID}
}

func NewUnauthorized(detail, traceID string) *ProblemDetails {
	return &ProblemDetails{typ: typeUnauthorized, title: "Unauthorized", detail: detail, code: http.StatusUnauthorized, traceID: traceID}
}

func NewInternal(detail, traceID string) *ProblemDetails {
	return &ProblemDetails{typ: typeInternalError, title: "Internal Error", detail: detail, code: http.StatusInternalServerError, traceID: traceID}
}

func NewUnknownEntityType(detail, traceID string) *ProblemDetails {
	return &ProblemDetails{typ: typeUnknownEntityType, title: "Unknown Entity Type", detail: detail, code: http.StatusBadRequest, traceID: traceID}
}

func NewUnknownField(detail, traceID string) *ProblemDetails {
	return &ProblemDetails{typ: typeUnknownField, title: "Unknown Field", detail: detail, code: http.StatusBadRequest, traceID: traceID}
}

// ProblemFromError picks the problem report that best describes err
func ProblemFromError(err error, traceID string) *ProblemDetails {
	switch {
	case stderrors.Is(err, ErrUnknownEntityType):
		return NewUnknownEntityType(err.Error(), traceID)
	case stderrors.Is(err, ErrUnknownField):
		return NewUnknownField(err.Error(), traceID)
	case stderrors.Is(err, ErrNotFound):
		return NewNotFound(err.Error(), traceID)
	case stderrors.Is(err, ErrUnauthorized):
		return NewUnauthorized(err.Error(), traceID)
	case stderrors.Is(err, ErrBadRequest), stderrors.Is(err, ErrNoPrimaryKey):
		return NewBadRequest(err.Error(), traceID)
	}

	return NewInternal(err.Error(), traceID)
}

func (p *ProblemDetails) ContentType() string {
	return ProblemReportContentType
}

func (p *ProblemDetails) Type() string {
	return p.typ
}

func (p *ProblemDetails) Detail() string {
	return p.detail
}

func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	var traceID *string

	if p.traceID != "" {
		traceID = &p.traceID
	}

	return json.Marshal(struct {
		Type    string  `json:"type"`
		Title   string  `json:"title"`
		Detail  string  `json:"detail"`
		TraceID *string `json:"traceID,omitempty"`
	}{
		Type:    p.typ,
		Title:   p.title,
		Detail:  p.detail,
		TraceID: traceID,
	})
}

// ResponseCode returns the HTTP response code to be used when returning a specific problem
func (p *ProblemDetails) ResponseCode() int {
	if p.code != 0 {
		return p.code
	}

	return http.StatusBadRequest
}

// WriteResponse writes the contents of this instance to a http.ResponseWriter
func (p *ProblemDetails) WriteResponse(w http.ResponseWriter) {
	w.Header().Add("Content-Type", p.ContentType())
	w.Header().Add("Content-Language", "en")
	w.WriteHeader(p.ResponseCode())

	pdbytes, err := json.MarshalIndent(p, "", "  ")
	if err == nil {
		w.Write(pdbytes)
	}
}
