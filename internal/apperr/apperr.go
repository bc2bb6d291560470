package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	cr "github.com/cockroachdb/errors"
)

// Kind is the stable, client-visible category of a failure.
type Kind string

const (
	KindValidation             Kind = "validation"
	KindNotFound               Kind = "not_found"
	KindInsufficientStock      Kind = "insufficient_stock"
	KindInvalidState           Kind = "invalid_state"
	KindInvalidTransition      Kind = "invalid_transition"
	KindWindowExpired          Kind = "window_expired"
	KindCouponRejected         Kind = "coupon_rejected"
	KindConcurrentModification Kind = "concurrent_modification"
	KindConflict               Kind = "conflict"
	KindInternal               Kind = "internal"
)

// Error is the typed failure returned by the order core.
type Error struct {
	Kind    Kind
	Message string
	// Fields holds field-level messages for validation failures.
	Fields map[string]string
	// Details carries kind specific payload (stock shortages, coupon rejection, ...).
	Details any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// StockShortage describes one line item that cannot be fulfilled.
type StockShortage struct {
	ProductID int64  `json:"product_id"`
	Size      string `json:"size"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// CouponRejection carries the evaluator's reason.
type CouponRejection struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func Validation(fields map[string]string) *Error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+fields[k])
	}
	return &Error{
		Kind:    KindValidation,
		Message: "validation failed: " + strings.Join(parts, "; "),
		Fields:  fields,
	}
}

// ValidationField is a shorthand for a single invalid field.
func ValidationField(field, msg string) *Error {
	return Validation(map[string]string{field: msg})
}

func NotFound(entity string, id any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found: %v", entity, id)}
}

func InsufficientStock(shortages []StockShortage) *Error {
	return &Error{
		Kind:    KindInsufficientStock,
		Message: fmt.Sprintf("insufficient stock for %d item(s)", len(shortages)),
		Details: shortages,
	}
}

func InvalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func InvalidTransition(from, to string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("cannot move order from %s to %s", from, to),
		Details: map[string]string{"from": from, "to": to},
	}
}

func WindowExpired(deadline time.Time) *Error {
	return &Error{
		Kind:    KindWindowExpired,
		Message: fmt.Sprintf("return window closed at %s", deadline.UTC().Format(time.RFC3339)),
		Details: map[string]string{"deadline": deadline.UTC().Format(time.RFC3339)},
	}
}

func CouponRejected(code, reason, message string) *Error {
	return &Error{
		Kind:    KindCouponRejected,
		Message: message,
		Details: CouponRejection{Code: code, Reason: reason},
	}
}

func ConcurrentModification(entity string, attempts int) *Error {
	return &Error{
		Kind:    KindConcurrentModification,
		Message: fmt.Sprintf("%s was modified concurrently (attempts=%d)", entity, attempts),
	}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure and records a stack trace.
func Internal(err error, msg string) *Error {
	if err == nil {
		err = cr.New(msg)
	}
	return &Error{Kind: KindInternal, Message: msg, cause: cr.WithStack(err)}
}

// Wrap annotates err with msg, keeping typed errors intact.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	return cr.Wrap(err, msg)
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As extracts the typed error, converting untyped errors to KindInternal.
func As(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err, "internal error")
}

// CouponReason returns the evaluator reason carried by a coupon rejection.
func CouponReason(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) || appErr.Kind != KindCouponRejected {
		return ""
	}
	if rej, ok := appErr.Details.(CouponRejection); ok {
		return rej.Reason
	}
	return ""
}

// StackLines renders up to maxLines of the recorded stack for logging.
func StackLines(err error, maxLines int) []string {
	if err == nil {
		return nil
	}
	lines := strings.Split(fmt.Sprintf("%+v", err), "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return lines
}
