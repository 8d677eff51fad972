package agent

import (
	"context"
	"errors"
	"strings"
)

// ErrorKind classifies an execution error.
type ErrorKind string

const (
	// KindCanceled is a user-initiated abort, not a failure.
	KindCanceled ErrorKind = "canceled"
	// KindAuth is a credential or authentication failure.
	KindAuth ErrorKind = "auth"
	// KindRateLimit is provider-imposed throttling.
	KindRateLimit ErrorKind = "rate_limit"
	// KindQuota means the provider's usage allowance is exhausted.
	KindQuota ErrorKind = "quota_exhausted"
	// KindGeneric is everything else.
	KindGeneric ErrorKind = "generic"
)

// TriggersImmediatePause reports whether this kind pauses the auto loop
// regardless of the failure count.
func (k ErrorKind) TriggersImmediatePause() bool {
	return k == KindRateLimit || k == KindQuota
}

// Classify maps an execution error onto the taxonomy. Classification is
// substring-based because the provider surfaces errors as opaque text.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindGeneric
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "quota", "credit balance", "usage limit", "out of credits"):
		return KindQuota
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429", "overloaded"):
		return KindRateLimit
	case containsAny(msg, "unauthorized", "authentication", "invalid api key", "api key", "401", "403", "forbidden"):
		return KindAuth
	default:
		return KindGeneric
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
