// Package routing decides whether a failed upstream attempt should be
// retried and which provider should receive the retry.
//
// Everything here is a pure function of its arguments. Attempts against
// providers are made strictly one after another by the gateway; this
// package only answers "again?" and "where?".
package routing

import (
	"net/http"
	"sort"
)

// MaxRetries is the number of retries after the first attempt, so a single
// request makes at most MaxRetries+1 upstream attempts.
const MaxRetries = 2

// Provider ids that are never used as fallback targets. "custom" is a
// caller-owned endpoint and "llmgateway" is already a unified endpoint.
const (
	ProviderCustom     = "custom"
	ProviderLLMGateway = "llmgateway"
)

// Error types attached to attempts.
const (
	ErrorTypeNetwork     = "network_error"
	ErrorTypeRateLimited = "rate_limited"
	ErrorTypeUpstream    = "upstream_error"
)

// IsRetryableError reports whether an upstream status code is eligible for
// fallback: 429, any 5xx, and 0 (the network/timeout sentinel).
func IsRetryableError(statusCode int) bool {
	return statusCode == 0 ||
		statusCode == http.StatusTooManyRequests ||
		statusCode >= 500
}

// ErrorType classifies a failed status code.
func ErrorType(statusCode int) string {
	switch statusCode {
	case 0:
		return ErrorTypeNetwork
	case http.StatusTooManyRequests:
		return ErrorTypeRateLimited
	default:
		return ErrorTypeUpstream
	}
}

// RetryContext is everything ShouldRetryRequest looks at.
type RetryContext struct {
	// RequestedProvider is set when the caller pinned a provider with the
	// "provider/model" syntax.
	RequestedProvider string

	// NoFallback is set by the x-no-fallback header.
	NoFallback bool

	StatusCode         int
	RetryCount         int
	RemainingProviders int
	UsedProvider       string
}

// ShouldRetryRequest applies the retry rules in order; the first rule that
// says no wins.
func ShouldRetryRequest(rc RetryContext) bool {
	if rc.RequestedProvider != "" {
		return false
	}
	if rc.NoFallback {
		return false
	}
	if !IsRetryableError(rc.StatusCode) {
		return false
	}
	if rc.RetryCount >= MaxRetries {
		return false
	}
	if rc.RemainingProviders <= 0 {
		return false
	}
	if !Eligible(rc.UsedProvider) {
		return false
	}
	return true
}

// Eligible reports whether a provider may take part in fallback at all.
func Eligible(providerID string) bool {
	return providerID != ProviderCustom && providerID != ProviderLLMGateway
}

// ProviderScore is a provider with its routing score. Lower is better.
type ProviderScore struct {
	ProviderID string  `json:"provider_id"`
	Score      float64 `json:"score"`
}

// SelectNextProvider returns the lowest-scored provider that has not failed
// yet and for which hasMapping reports a concrete model name. Ties keep
// their input order. The second return value is false when nothing is left.
func SelectNextProvider(scores []ProviderScore, failed map[string]bool, hasMapping func(providerID string) bool) (string, bool) {
	sorted := make([]ProviderScore, len(scores))
	copy(sorted, scores)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score < sorted[j].Score
	})

	for _, s := range sorted {
		if failed[s.ProviderID] || !Eligible(s.ProviderID) {
			continue
		}
		if hasMapping != nil && !hasMapping(s.ProviderID) {
			continue
		}
		return s.ProviderID, true
	}
	return "", false
}

// Remaining counts the providers SelectNextProvider could still return.
func Remaining(scores []ProviderScore, failed map[string]bool, hasMapping func(providerID string) bool) int {
	n := 0
	for _, s := range scores {
		if failed[s.ProviderID] || !Eligible(s.ProviderID) {
			continue
		}
		if hasMapping != nil && !hasMapping(s.ProviderID) {
			continue
		}
		n++
	}
	return n
}
