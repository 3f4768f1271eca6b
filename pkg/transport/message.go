package transport

import (
	"errors"
	"fmt"

	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
)

// Transport errors.
var (
	// ErrPeerUnreachable is returned when the client cannot be reached at all.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrPeerSleeping is returned when a queue-mode client is asleep and the
	// request was not sent.
	ErrPeerSleeping = errors.New("peer sleeping")
)

// Operation is a device management or information reporting operation.
type Operation uint8

const (
	OpRead Operation = iota + 1
	OpWrite
	OpExecute
	OpCreate
	OpDelete
	OpDiscover
	OpWriteAttributes
	OpObserve
	OpCancelObserve
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpExecute:
		return "EXECUTE"
	case OpCreate:
		return "CREATE"
	case OpDelete:
		return "DELETE"
	case OpDiscover:
		return "DISCOVER"
	case OpWriteAttributes:
		return "WRITE_ATTRIBUTES"
	case OpObserve:
		return "OBSERVE"
	case OpCancelObserve:
		return "CANCEL_OBSERVE"
	default:
		return "UNKNOWN"
	}
}

// Request is a request to a client. Payload bytes are opaque to the core.
type Request struct {
	Operation     Operation
	Path          lwm2m.Path
	ContentFormat uint16
	Payload       []byte
}

// String returns a short description for logs.
func (r Request) String() string {
	return fmt.Sprintf("%s %s", r.Operation, r.Path)
}

// ReadRequest builds a read of path.
func ReadRequest(path lwm2m.Path) Request {
	return Request{Operation: OpRead, Path: path}
}

// Code is a response code in CoAP class.detail form (e.g. 205 for 2.05).
type Code uint16

// Response codes used by the core.
const (
	CodeCreated       Code = 201
	CodeDeleted       Code = 202
	CodeChanged       Code = 204
	CodeContent       Code = 205
	CodeBadRequest    Code = 400
	CodeUnauthorized  Code = 401
	CodeNotFound      Code = 404
	CodeNotAllowed    Code = 405
	CodeInternalError Code = 500
)

// IsSuccess reports whether the code is in the 2.xx class.
func (c Code) IsSuccess() bool { return c >= 200 && c < 300 }

// String returns the dotted form, e.g. "2.05".
func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c/100, c%100)
}

// Response is a client's answer to a Request.
type Response struct {
	Code          Code
	ContentFormat uint16
	Payload       []byte
}
