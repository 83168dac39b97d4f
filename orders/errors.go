package orders

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure reported back to the requesting session.
type Kind string

const (
	KindNotFound          Kind = "NotFound"
	KindInvalidTransition Kind = "InvalidTransition"
	KindPersistence       Kind = "PersistenceError"
	KindMalformedRequest  Kind = "MalformedRequest"
	KindForbidden         Kind = "Forbidden"
	KindRateLimited       Kind = "RateLimited"
)

// Error is a classified order failure.
type Error struct {
	Kind    Kind
	OrderID int64
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.OrderID != 0 {
		msg = fmt.Sprintf("%s: order %d", msg, e.OrderID)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

func NotFound(orderID int64) *Error {
	return &Error{Kind: KindNotFound, OrderID: orderID}
}

func InvalidTransition(orderID int64, from, to Status) *Error {
	return &Error{Kind: KindInvalidTransition, OrderID: orderID, Detail: fmt.Sprintf("%s -> %s", from, to)}
}

func Persistence(orderID int64, err error) *Error {
	return &Error{Kind: KindPersistence, OrderID: orderID, Err: err}
}

func Malformed(detail string) *Error {
	return &Error{Kind: KindMalformedRequest, Detail: detail}
}

func Forbidden(detail string) *Error {
	return &Error{Kind: KindForbidden, Detail: detail}
}

func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Detail: "too many requests"}
}

type actorKey struct{}

// WithActor records who is making a change, for order history and audit.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by WithActor, or "system".
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}
