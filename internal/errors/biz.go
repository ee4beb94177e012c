package errors

import (
	"errors"
	"fmt"
)

// Business error codes (spec §7), plus two store-layer codes recovered from
// original_source/session/src/storage/entity.rs conflict handling.
const (
	CodeDeviceOffline      = 1000
	CodeInvalidParam       = 1100
	CodeDuplicateInsert    = 1101
	CodeStreamNotFound     = 1102
	CodeUnsupportedPayload = 1199
)

// BizError is a numbered, user-facing business error. Unlike system errors,
// business errors are control flow within a single pipeline: they tear down
// one ssrc/call, never the process, and are never silenced — see spec §7.
type BizError struct {
	Code int
	Msg  string
}

func (e *BizError) Error() string { return fmt.Sprintf("biz error %d: %s", e.Code, e.Msg) }

// NewBizError constructs a BizError with the given code and message.
func NewBizError(code int, msg string) error { return &BizError{Code: code, Msg: msg} }

// ErrDeviceOffline is returned when an operation targets a device whose SIP
// session has expired or was never established.
var ErrDeviceOffline = &BizError{Code: CodeDeviceOffline, Msg: "device offline"}

// ErrSSRCExhausted is returned when the SSRC suffix pool has no free entries.
var ErrSSRCExhausted = &BizError{Code: CodeInvalidParam, Msg: "ssrc pool exhausted"}

// ErrStreamNotFound is returned when a stream_id has no registered session.
var ErrStreamNotFound = &BizError{Code: CodeStreamNotFound, Msg: "stream not found"}

// ErrDuplicateInsert is returned when inserting an already-present key into
// a registry that enforces at-most-one-writer discipline (spec §8: "inserting
// the same ssrc twice into the media registry returns an error and does not
// mutate state").
var ErrDuplicateInsert = &BizError{Code: CodeDuplicateInsert, Msg: "entry already exists"}

// ErrUnsupportedPayload is returned when an RTP payload type has no demuxer.
var ErrUnsupportedPayload = &BizError{Code: CodeUnsupportedPayload, Msg: "unsupported rtp payload type"}

// IsBiz reports whether err is (or wraps) a *BizError and returns it.
func IsBiz(err error) (*BizError, bool) {
	var be *BizError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// CodeOf returns the numeric business code of err, or 0 if err is not a
// business error.
func CodeOf(err error) int {
	if be, ok := IsBiz(err); ok {
		return be.Code
	}
	return 0
}
