package rpcstdio

import "strings"

// Stderr classification kinds, checked in this fixed priority order.
const (
	KindRateLimit      = "rate_limit"
	KindModelNotFound  = "model_not_found"
	KindAuthentication = "authentication"
	KindQuotaExceeded  = "quota_exceeded"
	KindUnknown        = "unknown"
)

var keywordClusters = []struct {
	kind     string
	keywords []string
}{
	{KindRateLimit, []string{"rate limit", "rate_limit", "429", "too many requests"}},
	{KindModelNotFound, []string{"model not found", "unknown model", "no such model"}},
	{KindAuthentication, []string{"unauthorized", "authentication", "invalid api key", "401"}},
	{KindQuotaExceeded, []string{"quota exceeded", "insufficient_quota", "billing"}},
}

// Classify scans lower-cased stderr text for the first matching
// keyword cluster, in fixed priority order, returning KindUnknown if
// nothing matches.
func Classify(text string) string {
	lower := strings.ToLower(text)
	for _, cluster := range keywordClusters {
		for _, kw := range cluster.keywords {
			if strings.Contains(lower, kw) {
				return cluster.kind
			}
		}
	}
	return KindUnknown
}
