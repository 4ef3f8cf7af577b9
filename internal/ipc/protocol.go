// Package ipc carries the control channel between outputctl and outputctld:
// JSON envelopes in websocket text frames over a unix socket or a Windows
// named pipe.
package ipc

import (
	"errors"

	"github.com/mil-ad/outputctl/internal/audio"
)

// Envelope types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Methods exposed by the control service.
const (
	MethodSetSpeakers          = "setSpeakers"
	MethodSetHeadphones        = "setHeadphones"
	MethodEnableDirect         = "enableDirect"
	MethodDisableDirect        = "disableDirect"
	MethodGetCurrentOutputMode = "getCurrentOutputMode"
)

// Error codes carried in IPCResponse.Code.
const (
	CodeDeviceUnavailable = "device_unavailable"
	CodeRemoteFailed      = "remote_failed"
	CodeUnknownMethod     = "unknown_method"
)

// SessionHeader is set on the upgrade response.
const SessionHeader = "X-Outputctl-Session"

const rpcPath = "/rpc"

// Envelope is one frame on the wire. Exactly one payload is set, matching Type.
type Envelope struct {
	Type     string       `json:"type"`
	Request  *IPCRequest  `json:"request,omitempty"`
	Response *IPCResponse `json:"response,omitempty"`
	Event    *IPCEvent    `json:"event,omitempty"`
}

// IPCRequest is sent from the client to the server.
type IPCRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
}

// IPCResponse answers the request with the same ID.
type IPCResponse struct {
	ID    string            `json:"id"`
	Mode  *audio.OutputMode `json:"mode,omitempty"` // getCurrentOutputMode only
	Error string            `json:"error,omitempty"`
	Code  string            `json:"code,omitempty"`
}

// IPCEvent is pushed by the server without a request.
type IPCEvent struct {
	Mode audio.OutputMode `json:"mode"`
}

// ErrServiceUnavailable reports that the server could not be reached or did
// not answer in time. The client connection is dropped and recreated on the
// next call.
var ErrServiceUnavailable = errors.New("control service unavailable")

// RemoteError is an error the server returned for a call.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Method + ": " + e.Message
}

// Unwrap maps well-known codes back to their sentinel errors.
func (e *RemoteError) Unwrap() error {
	if e.Code == CodeDeviceUnavailable {
		return audio.ErrDeviceUnavailable
	}
	return nil
}

func errorCode(err error) string {
	if errors.Is(err, audio.ErrDeviceUnavailable) {
		return CodeDeviceUnavailable
	}
	return CodeRemoteFailed
}
