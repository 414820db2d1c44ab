package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound      = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrPasteExpired       = NewErr("PASTE_EXPIRED", "paste expired", http.StatusNotFound)
	ErrInvalidPasteID     = NewErr("INVALID_PASTE_ID", "invalid paste id", http.StatusBadRequest)
	ErrMetaUnprocessable  = NewErr("META_UNPROCESSABLE", "paste metadata could not be decoded", http.StatusInternalServerError)
	ErrMetaVersionInvalid = NewErr("META_VERSION_INVALID", "paste metadata version not supported", http.StatusInternalServerError)
	ErrStorage            = NewErr("STORAGE_ERROR", "storage error", http.StatusInternalServerError)
	ErrConfig             = NewErr("CONFIG_ERROR", "configuration error", http.StatusInternalServerError)
	ErrPasteTooLarge      = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusRequestEntityTooLarge)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrInvalidLexer       = NewErr("INVALID_LEXER", "unknown lexer", http.StatusBadRequest)
	ErrTitleTooLong       = NewErr("TITLE_TOO_LONG", "title too long", http.StatusBadRequest)
	ErrInvalidExpiry      = NewErr("INVALID_EXPIRY", "expiry must be in the future", http.StatusBadRequest)
	ErrListingDisabled    = NewErr("LISTING_DISABLED", "paste listing is disabled", http.StatusForbidden)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// OpError ties a failed operation to one of the coded errors above while
// keeping the underlying cause reachable through errors.Is / errors.As.
type OpError struct {
	Op   string
	Kind *Err
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Msg
	}
	return e.Op + ": " + e.Kind.Msg + ": " + e.Err.Error()
}
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
func NewOpError(op string, kind *Err, err error) error {
	return &OpError{Op: op, Kind: kind, Err: err}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func kindOf(err error) (*Err, bool) {
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
func ToResp(err error) ErrResp {
	if e, ok := kindOf(err); ok && e.Status < http.StatusInternalServerError {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := kindOf(err); ok {
		// server side failures keep their code but never leak the cause
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: "internal error"}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}
func Status(err error) int {
	if e, ok := kindOf(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
