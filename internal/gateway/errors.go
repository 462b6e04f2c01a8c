package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error kinds. Every failure surfaced by an execution matches exactly one of
// these through errors.Is.
var (
	ErrTransport     = errors.New("transport error")
	ErrSubmission    = errors.New("submission rejected")
	ErrJobRetrieval  = errors.New("job retrieval failed")
	ErrExecution     = errors.New("job execution failed")
	ErrArtifactFetch = errors.New("artifact fetch failed")
	ErrPersistence   = errors.New("artifact persistence failed")
)

// ErrNotRecorded is the cause of a retrieval error when the engine has no
// history entry for the job.
var ErrNotRecorded = errors.New("job not recorded")

// Error carries the kind of a failure, the operation that hit it and, when
// the engine answered with an error document, its raw payload.
type Error struct {
	Kind    error
	Op      string
	Payload json.RawMessage
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Payload) > 0 {
		msg += ": " + string(e.Payload)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func payloadError(kind error, op string, payload []byte) *Error {
	return &Error{Kind: kind, Op: op, Payload: json.RawMessage(payload)}
}

// kindNames maps kinds to the short names used in stored records.
var kindNames = []struct {
	kind error
	name string
}{
	{ErrSubmission, "submission"},
	{ErrJobRetrieval, "job_retrieval"},
	{ErrExecution, "execution"},
	{ErrArtifactFetch, "artifact_fetch"},
	{ErrPersistence, "persistence"},
	{ErrTransport, "transport"},
}

// KindName returns the short name of the outermost kind err carries, or ""
// when err is not a gateway error.
func KindName(err error) string {
	var ge *Error
	if !errors.As(err, &ge) {
		return ""
	}
	for _, k := range kindNames {
		if ge.Kind == k.kind {
			return k.name
		}
	}
	return ""
}

// PayloadOf returns the first engine error payload found in err's chain.
func PayloadOf(err error) json.RawMessage {
	for err != nil {
		var ge *Error
		if !errors.As(err, &ge) {
			return nil
		}
		if len(ge.Payload) > 0 {
			return ge.Payload
		}
		err = ge.Err
	}
	return nil
}

// Wrap attaches kind to err unless err already matches it.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return newError(kind, op, err)
}

// errorPayload returns body when it is a JSON object carrying an "error" key.
func errorPayload(body []byte) ([]byte, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, false
	}
	if _, ok := obj["error"]; !ok {
		return nil, false
	}
	return body, true
}

// statusError describes a non-2xx reply that carried no error document.
func statusError(code int) error {
	return fmt.Errorf("unexpected status %d", code)
}
