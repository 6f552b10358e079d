package domain

import "strings"

// DegradationPolicyMode enumerates how cache-dependent reads behave when the cache misbehaves.
type DegradationPolicyMode string

const (
	// DegradationPolicyModeLenient falls back to the server of record when the cache is unavailable.
	DegradationPolicyModeLenient DegradationPolicyMode = "lenient"
	// DegradationPolicyModeStrict fails the read instead, surfacing the cache outage.
	DegradationPolicyModeStrict DegradationPolicyMode = "strict"
)

// DegradationReason captures the context for which a fallback decision is evaluated.
type DegradationReason string

const (
	// DegradationReasonCacheUnavailable denotes redis snapshot lookups failed or timed out.
	DegradationReasonCacheUnavailable DegradationReason = "cache_unavailable"
	// DegradationReasonCacheCorrupt denotes a cached snapshot could not be decoded.
	DegradationReasonCacheCorrupt DegradationReason = "cache_corrupt"
)

// DegradationPolicy centralises how reads respond when the snapshot cache cannot be trusted.
type DegradationPolicy struct {
	mode DegradationPolicyMode
}

// NewDegradationPolicy constructs a policy with the provided mode, defaulting to lenient when unspecified.
func NewDegradationPolicy(mode DegradationPolicyMode) DegradationPolicy {
	if mode != DegradationPolicyModeStrict {
		mode = DegradationPolicyModeLenient
	}
	return DegradationPolicy{mode: mode}
}

// ParseDegradationPolicyMode normalises textual input into a supported policy mode.
func ParseDegradationPolicyMode(value string) DegradationPolicyMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(DegradationPolicyModeStrict):
		return DegradationPolicyModeStrict
	default:
		return DegradationPolicyModeLenient
	}
}

// Mode returns the underlying policy mode.
func (p DegradationPolicy) Mode() DegradationPolicyMode {
	return p.mode
}

// IsStrict indicates whether the policy rejects degraded states.
func (p DegradationPolicy) IsStrict() bool {
	return p.mode == DegradationPolicyModeStrict
}

// AllowsFallback determines if the policy permits reading through to the store for reason.
func (p DegradationPolicy) AllowsFallback(reason DegradationReason) bool {
	if reason == DegradationReasonCacheCorrupt {
		return true
	}
	return !p.IsStrict()
}
