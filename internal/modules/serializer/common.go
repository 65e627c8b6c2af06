package serializer

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error kinds surfaced by the core. Clients branch on Kind, not on Msg.
const (
	KindBadRequest         = "bad_request"
	KindUnauthorized       = "unauthorized"
	KindSessionTerminal    = "session_terminal"
	KindSandboxUnavailable = "sandbox_unavailable"
	KindIngressConflict    = "ingress_conflict"
	KindInternal           = "internal"
)

var log = zap.NewNop()

// SetLogger installs the package logger used for internal error reporting.
func SetLogger(l *zap.Logger) {
	if l != nil {
		log = l
	}
}

// Response is the envelope for every HTTP reply.
type Response struct {
	Code  int         `json:"code"`
	Data  interface{} `json:"data,omitempty"`
	Msg   string      `json:"msg"`
	Kind  string      `json:"kind,omitempty"`
	Error string      `json:"error,omitempty"`
}

// TrackedErrorResponse carries the trace id for kind=internal failures so
// operators can find the server-side log line.
type TrackedErrorResponse struct {
	Response
	TraceID string `json:"trace_id"`
}

func Err(errCode int, kind, msg string, err error) Response {
	res := Response{
		Code: errCode,
		Kind: kind,
		Msg:  msg,
	}
	// development mode, show error detail
	if err != nil && gin.Mode() != gin.ReleaseMode {
		res.Error = fmt.Sprintf("%+v", err)
	}
	return res
}

func ParamErr(msg string, err error) Response {
	if msg == "" {
		msg = "parameter error"
	}
	return Err(http.StatusBadRequest, KindBadRequest, msg, err)
}

func AuthErr(msg string) Response {
	if msg == "" {
		msg = "authentication error"
	}
	return Err(http.StatusUnauthorized, KindUnauthorized, msg, nil)
}

func TerminalErr(msg string) Response {
	if msg == "" {
		msg = "session is archived"
	}
	return Err(http.StatusConflict, KindSessionTerminal, msg, nil)
}

// InternalErr logs the real error server-side and returns an opaque message
// with the request's trace id.
func InternalErr(traceID string, err error) TrackedErrorResponse {
	log.Error("internal error", zap.String("trace_id", traceID), zap.Error(err))
	return TrackedErrorResponse{
		Response: Err(http.StatusInternalServerError, KindInternal, "internal error", nil),
		TraceID:  traceID,
	}
}

func DBErr(msg string, err error) Response {
	if msg == "" {
		msg = "database error"
	}
	return Err(http.StatusInternalServerError, KindInternal, msg, err)
}
