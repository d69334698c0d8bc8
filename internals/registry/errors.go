package registry

import (
	"errors"
	"fmt"

	"github.com/adityaadpandey/huddle/internals/engine"
)

// Kind classifies a failed request. The signaling layer reports it to the
// caller as a numeric code.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindIncompatible
	KindTransientMedia
	KindConnectivity
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindIncompatible:
		return "incompatible"
	case KindTransientMedia:
		return "transient_media"
	case KindConnectivity:
		return "connectivity"
	case KindInvalid:
		return "invalid"
	}
	return "internal"
}

func (k Kind) Code() int {
	switch k {
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindIncompatible:
		return 422
	case KindTransientMedia:
		return 502
	case KindConnectivity:
		return 503
	case KindInvalid:
		return 400
	}
	return 500
}

// KindFromCode maps a signaling error code back to its kind.
func KindFromCode(code int) Kind {
	for _, k := range []Kind{KindNotFound, KindConflict, KindIncompatible, KindTransientMedia, KindConnectivity, KindInvalid} {
		if k.Code() == code {
			return k
		}
	}
	return KindInternal
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind and message, so the sentinels
// below work with errors.Is even when wrapped with a cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == e.Message
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

var (
	ErrRoomNotFound             = newError(KindNotFound, "Room not found")
	ErrPeerNotFound             = newError(KindNotFound, "Peer not found")
	ErrTransportNotFound        = newError(KindNotFound, "Transport not found")
	ErrProducerNotFound         = newError(KindNotFound, "Producer not found")
	ErrConsumerNotFound         = newError(KindNotFound, "Consumer not found")
	ErrRoomExists               = newError(KindConflict, "Room already exists")
	ErrRoomFull                 = newError(KindConflict, "Room is full")
	ErrRoomLimit                = newError(KindConflict, "Room limit reached")
	ErrRoomOwned                = newError(KindConflict, "Room is hosted by another instance")
	ErrAlreadySharing           = newError(KindConflict, "Already sharing screen")
	ErrAlreadyJoined            = newError(KindConflict, "Already joined a room")
	ErrIncompatibleCapabilities = newError(KindIncompatible, "Cannot consume")
)

func invalid(format string, args ...any) *Error {
	return newError(KindInvalid, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Code(err error) int {
	return KindOf(err).Code()
}

// engineError classifies a failed engine call.
func engineError(op string, err error) error {
	switch {
	case errors.Is(err, engine.ErrProducerNotFound):
		return &Error{Kind: KindNotFound, Message: ErrProducerNotFound.Message, Err: err}
	case errors.Is(err, engine.ErrCannotConsume):
		return &Error{Kind: KindIncompatible, Message: ErrIncompatibleCapabilities.Message, Err: err}
	case errors.Is(err, engine.ErrInvalidDTLS), errors.Is(err, engine.ErrAlreadyConnected):
		return &Error{Kind: KindConnectivity, Message: op + " failed", Err: err}
	case errors.Is(err, engine.ErrClosed):
		return &Error{Kind: KindNotFound, Message: op + " target is gone", Err: err}
	case errors.Is(err, engine.ErrUnsupportedCodec), errors.Is(err, engine.ErrInvalidKind):
		return &Error{Kind: KindInvalid, Message: op + " rejected", Err: err}
	}
	return &Error{Kind: KindTransientMedia, Message: op + " failed", Err: err}
}
