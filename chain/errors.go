package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum"
)

// Kind classifies a chain call failure. Callers branch on it: transient
// failures must never trigger destructive position updates, permanent ones
// may.
type Kind uint8

const (
	// KindTransient covers timeouts, rate limits, 5xx responses and
	// network failures. Retried up to the attempt budget, then surfaced.
	KindTransient Kind = iota + 1
	// KindPermanent covers reverts and malformed requests. Never retried.
	KindPermanent
	// KindNotFound covers reads of entities the chain does not know,
	// e.g. a burned position token.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error wraps an upstream RPC failure with its classification and the
// logical method that produced it.
type Error struct {
	Kind   Kind
	Method string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("chain: %s: %s: %v", e.Method, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable upstream failure.
func IsTransient(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindTransient
}

// IsPermanent reports whether err is a non-retryable failure.
func IsPermanent(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && (ce.Kind == KindPermanent || ce.Kind == KindNotFound)
}

// IsNotFound reports whether err is a definitive missing-entity answer.
func IsNotFound(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindNotFound
}

// IsRateLimited reports whether err carries a provider throttling signal.
// Loops that see one back off their own batch sizes as well.
func IsRateLimited(err error) bool {
	return rateLimited(err)
}

// classify maps an upstream error onto a Kind. Unknown failures count as
// transient so that callers never take destructive action on them.
func classify(err error) Kind {
	if err == nil {
		return 0
	}
	if errors.Is(err, ethereum.NotFound) {
		return KindNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonexistent token"),
		strings.Contains(msg, "invalid token id"):
		return KindNotFound
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "invalid opcode"),
		strings.Contains(msg, "out of gas"),
		strings.Contains(msg, "abi:"):
		return KindPermanent
	}
	return KindTransient
}

// rateLimited reports whether the provider rejected the call for throughput
// reasons; the reader halves its token bucket for a cooldown when it sees one.
func rateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "exceeded") && strings.Contains(msg, "capacity")
}
