// Package chainerr defines the node's error taxonomy: every fallible chain
// operation returns an error carrying one of these Kinds so callers can
// decide whether a failure is subjective (this node's local policy),
// a validation failure (the input was malformed), or fatal to consensus
// or storage (the node must stop).
package chainerr

import "github.com/pkg/errors"

// Kind classifies a chain error for retry/halt decisions, mirroring the
// controller's failure_is_subjective split between node-local policy
// failures and failures that must be treated identically by every node.
type Kind int

const (
	KindValidation Kind = iota
	KindSubjective
	KindConsensusFatal
	KindStorageFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSubjective:
		return "subjective"
	case KindConsensusFatal:
		return "consensus-fatal"
	case KindStorageFatal:
		return "storage-fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind.
type Error struct {
	Kind Kind
	Op   string
	err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Kind.String() + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// New builds a chainerr.Error wrapping msg with errors.New, tagged with kind.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, err: errors.New(msg)}
}

// Wrap wraps err with additional context, tagged with kind.
func Wrap(kind Kind, op string, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, err: errors.WithMessage(err, msg)}
}

// IsSubjective reports whether err (or any error it wraps) is a subjective
// failure — one whose outcome may legitimately differ between nodes and
// therefore must not be included in a block a node produces itself, but
// also must not be treated as proof another node's block is invalid.
func IsSubjective(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindSubjective
	}
	return false
}

// IsFatal reports whether err should halt the node (consensus or storage
// fatal conditions).
func IsFatal(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindConsensusFatal || ce.Kind == KindStorageFatal
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindValidation if err is
// not a *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindValidation
}
