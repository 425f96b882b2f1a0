// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"fmt"

	"github.com/absmach/fluxamqp/amqp1/types"
)

// AMQP error descriptor
const DescriptorError uint64 = 0x1D

// Standard error condition symbols.
const (
	ErrInternalError         types.Symbol = "amqp:internal-error"
	ErrNotFound              types.Symbol = "amqp:not-found"
	ErrUnauthorizedAccess    types.Symbol = "amqp:unauthorized-access"
	ErrDecodeError           types.Symbol = "amqp:decode-error"
	ErrResourceLimitExceeded types.Symbol = "amqp:resource-limit-exceeded"
	ErrNotAllowed            types.Symbol = "amqp:not-allowed"
	ErrInvalidField          types.Symbol = "amqp:invalid-field"
	ErrNotImplemented        types.Symbol = "amqp:not-implemented"
	ErrResourceLocked        types.Symbol = "amqp:resource-locked"
	ErrPreconditionFailed    types.Symbol = "amqp:precondition-failed"
	ErrResourceDeleted       types.Symbol = "amqp:resource-deleted"
	ErrIllegalState          types.Symbol = "amqp:illegal-state"
	ErrFrameSizeTooSmall     types.Symbol = "amqp:frame-size-too-small"

	// Connection errors
	ErrConnectionForced   types.Symbol = "amqp:connection:forced"
	ErrFramingError       types.Symbol = "amqp:connection:framing-error"
	ErrConnectionRedirect types.Symbol = "amqp:connection:redirect"

	// Session errors
	ErrWindowViolation  types.Symbol = "amqp:session:window-violation"
	ErrErrantLink       types.Symbol = "amqp:session:errant-link"
	ErrHandleInUse      types.Symbol = "amqp:session:handle-in-use"
	ErrUnattachedHandle types.Symbol = "amqp:session:unattached-handle"

	// Link errors
	ErrDetachForced          types.Symbol = "amqp:link:detach-forced"
	ErrTransferLimitExceeded types.Symbol = "amqp:link:transfer-limit-exceeded"
	ErrMessageSizeExceeded   types.Symbol = "amqp:link:message-size-exceeded"
	ErrLinkRedirect          types.Symbol = "amqp:link:redirect"
	ErrStolen                types.Symbol = "amqp:link:stolen"

	// Transaction errors
	ErrTransactionUnknownID types.Symbol = "amqp:transaction:unknown-id"
	ErrTransactionRollback  types.Symbol = "amqp:transaction:rollback"
	ErrTransactionTimeout   types.Symbol = "amqp:transaction:timeout"
)

// Error represents an AMQP error (descriptor 0x1D).
type Error struct {
	Condition   types.Symbol
	Description string
	Info        map[types.Symbol]any
}

// Error implements the error interface so conditions can travel as Go errors.
func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

// Encode serializes the error as a described list.
func (e *Error) Encode(b *types.Buffer) error {
	w := newFieldWriter()
	types.WriteSymbol(w.buf, e.Condition)
	w.mark()
	w.optStr(e.Description)
	w.symbolMap(e.Info)
	return w.finish(b, DescriptorError)
}

// DecodeError decodes an AMQP error from list fields.
func DecodeError(fields []any) (*Error, error) {
	r := newFieldReader("error", fields)
	if r.missing(0, "condition") {
		return nil, r.err
	}
	e := &Error{
		Condition:   r.symbol(0, "condition"),
		Description: r.string(1, "description"),
		Info:        r.symbolMap(2, "info"),
	}
	return e, r.err
}

func errorFromValue(v any) (*Error, error) {
	d, ok := v.(*types.Described)
	if !ok || d.Code() != DescriptorError {
		return nil, fmt.Errorf("%w: expected error, got %T", types.ErrUnexpectedType, v)
	}
	fields, ok := d.Value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: error body is %T", types.ErrUnexpectedType, d.Value)
	}
	return DecodeError(fields)
}

// encodableError keeps a nil *Error from becoming a non-nil interface.
func encodableError(e *Error) types.Encodable {
	if e == nil {
		return nil
	}
	return e
}
