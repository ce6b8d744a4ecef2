package capweb

import (
	"errors"
	"fmt"
)

var (
	ErrUnserializable = errors.New("codec: value cannot be serialized")
	ErrNoSession      = errors.New("codec: capability references require a session")

	ErrUnknownExport = errors.New("table: unknown export")
	ErrUnknownImport = errors.New("table: unknown import")

	ErrRemoteCall        = errors.New("session: remote call failed")
	ErrSessionClosed     = errors.New("session: closed")
	ErrSessionDraining   = errors.New("session: draining, no new outbound work accepted")
	ErrProtocolViolation = errors.New("session: protocol violation")
	ErrInvalidCfg        = errors.New("session: invalid options")

	ErrDisposed       = errors.New("stub: handle already disposed")
	ErrMethodNotFound = errors.New("target: method not found")
	ErrNotCallable    = errors.New("target: value is not callable")
	ErrNoSuchProperty = errors.New("target: no such property")
	ErrMapPlaceholder = errors.New("map: placeholders cannot be awaited")
	ErrForeignMapper  = errors.New("map: placeholder used outside of its mapper")
	ErrTransport      = errors.New("transport: failure")
)

const (
	ClosedByUnknown ClosedBy = iota
	ClosedByUser
	ClosedByRemote
	ClosedByTransport
	ClosedByProtocol
)

type ClosedBy uint8

func (cause ClosedBy) String() string {
	switch cause {
	case ClosedByUser:
		return "explicit user close"
	case ClosedByRemote:
		return "remote abort"
	case ClosedByTransport:
		return "transport failure"
	case ClosedByProtocol:
		return "protocol violation"
	default:
		return "unknown"
	}
}

// SessionClosedError is returned by any operation attempted after the
// session terminated.
type SessionClosedError struct {
	By    ClosedBy
	Cause error
}

func (err *SessionClosedError) Error() string {
	if err.Cause == nil {
		return fmt.Sprintf("session closed by %s", err.By)
	}
	return fmt.Sprintf("session closed by %s: %s", err.By, err.Cause)
}

func (err *SessionClosedError) Is(target error) bool {
	return target == ErrSessionClosed
}

func (err *SessionClosedError) Unwrap() error {
	return err.Cause
}

// TransportError wraps a failure of the underlying transport.
type TransportError struct {
	Op  string
	Err error
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("transport: %s failed: %s", err.Op, err.Err)
}

func (err *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (err *TransportError) Unwrap() error {
	return err.Err
}

// RemoteCallError is the decoded form of an error sent by the peer.
//
// It may also be returned by targets and by the `WithOnSendError` hook
// to control the name and stack trace sent on the wire.
type RemoteCallError struct {
	Name    string
	Message string
	Stack   string
}

func (err *RemoteCallError) Error() string {
	if err.Name == "" {
		return err.Message
	}
	return fmt.Sprintf("%s: %s", err.Name, err.Message)
}

func (err *RemoteCallError) Is(target error) bool {
	return target == ErrRemoteCall
}

// UnserializableValueError names the path of a value which cannot cross
// the wire, e.g. `args[1].profile.avatar`.
type UnserializableValueError struct {
	Path string
	Type string
}

func (err *UnserializableValueError) Error() string {
	return fmt.Sprintf("codec: cannot serialize %s at %s", err.Type, err.Path)
}

func (err *UnserializableValueError) Is(target error) bool {
	return target == ErrUnserializable
}

type UnknownExportError struct {
	ID int64
}

func (err *UnknownExportError) Error() string {
	return fmt.Sprintf("table: export %d does not exist", err.ID)
}

func (err *UnknownExportError) Is(target error) bool {
	return target == ErrUnknownExport
}

type UnknownImportError struct {
	ID int64
}

func (err *UnknownImportError) Error() string {
	return fmt.Sprintf("table: import %d does not exist", err.ID)
}

func (err *UnknownImportError) Is(target error) bool {
	return target == ErrUnknownImport
}

// NewRemoteError returns an error which is sent to the peer with the
// given name instead of the generic "Error".
func NewRemoteError(name, msg string) *RemoteCallError {
	return &RemoteCallError{Name: name, Message: msg}
}

// wireName returns the error name sent on the wire.
func wireName(err error) (string, string) {
	var rce *RemoteCallError
	if errors.As(err, &rce) {
		return rce.Name, rce.Message
	}

	switch {
	case errors.Is(err, ErrUnknownExport):
		return "ExportNotFound", err.Error()
	case errors.Is(err, ErrMethodNotFound), errors.Is(err, ErrNotCallable),
		errors.Is(err, ErrUnserializable):
		return "TypeError", err.Error()
	default:
		return "Error", err.Error()
	}
}
