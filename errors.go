// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import "errors"

var (
	// ErrClosed is returned for operations on a closed runtime, and settles
	// every task still outstanding when Close is called.
	ErrClosed = errors.New("parallel: runtime is closed")

	// ErrCallMode is returned when a single Call is consumed both as an
	// awaitable (Result) and as an iterator (Next/Return/Throw). The first
	// entry point used pins the mode for the lifetime of the call.
	ErrCallMode = errors.New("parallel: call already consumed in a different mode")

	// ErrChannelClosed is returned by Channel.Push after the channel has been
	// closed. Pushing after close is never silently accepted.
	ErrChannelClosed = errors.New("parallel: channel is closed")

	// ErrWorkerStartup wraps failures to spawn a worker or to receive its
	// online signal. The initiating call is rejected outright, never retried.
	ErrWorkerStartup = errors.New("parallel: worker startup failed")

	// ErrWorkerExited settles tasks whose worker exited before responding,
	// unless a successful result was already buffered for them.
	ErrWorkerExited = errors.New("parallel: worker exited before the task settled")
)

// ErrorObject is the wire form of an error. Native errors cannot cross the
// transport losslessly, so they are flattened into this shape on the sending
// side and reconstructed on the receiving side.
type ErrorObject struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// RemoteError is the caller-side reconstruction of an error raised by the
// invoked function. Its message matches the remote error's message exactly;
// the stack is best-effort and may not reflect the remote call site.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// toErrorObject flattens err into its wire form. A RemoteError keeps its
// original name so the shape survives repeated hops.
func toErrorObject(err error) *ErrorObject {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return &ErrorObject{Name: re.Name, Message: re.Message, Stack: re.Stack}
	}
	return &ErrorObject{Name: "Error", Message: err.Error()}
}

// objectError reconstructs a native error from its wire form.
func objectError(obj *ErrorObject) error {
	if obj == nil {
		return nil
	}
	name := obj.Name
	if name == "" {
		name = "Error"
	}
	return &RemoteError{Name: name, Message: obj.Message, Stack: obj.Stack}
}

// errorObjectFrom accepts the decoded forms an error may arrive in: the typed
// object when values never left the process, or a plain map after a JSON hop.
func errorObjectFrom(v any) *ErrorObject {
	switch obj := v.(type) {
	case *ErrorObject:
		return obj
	case ErrorObject:
		return &obj
	case map[string]any:
		eo := &ErrorObject{}
		if s, ok := obj["name"].(string); ok {
			eo.Name = s
		}
		if s, ok := obj["message"].(string); ok {
			eo.Message = s
		}
		if s, ok := obj["stack"].(string); ok {
			eo.Stack = s
		}
		return eo
	case error:
		return toErrorObject(obj)
	case string:
		return &ErrorObject{Name: "Error", Message: obj}
	}
	return nil
}
