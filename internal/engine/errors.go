package engine

import (
	"strings"
	"time"

	"github.com/basket/crewdesk/internal/apperr"
)

// ProviderErrorClass groups LLM provider failures by how a turn should
// react to them.
type ProviderErrorClass string

const (
	ProviderErrorAuth            ProviderErrorClass = "auth"
	ProviderErrorRateLimit       ProviderErrorClass = "rate_limit"
	ProviderErrorTimeout         ProviderErrorClass = "timeout"
	ProviderErrorBilling         ProviderErrorClass = "billing"
	ProviderErrorContextOverflow ProviderErrorClass = "context_overflow"
	ProviderErrorUnknown         ProviderErrorClass = "unknown"
)

// providerRetryAfter is how long a provider-side 429 defers the turn.
const providerRetryAfter = 30 * time.Second

var providerErrorMarkers = []struct {
	class   ProviderErrorClass
	markers []string
}{
	{ProviderErrorAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid key", "invalid api key"}},
	{ProviderErrorRateLimit, []string{"429", "rate limit", "rate_limit", "too many requests", "quota"}},
	{ProviderErrorTimeout, []string{"deadline exceeded", "timed out", "timeout"}},
	{ProviderErrorBilling, []string{"billing", "payment", "insufficient funds", "credit balance"}},
	{ProviderErrorContextOverflow, []string{"context_length", "context length", "context window", "maximum context", "token limit"}},
}

// ClassifyProviderError matches well-known substrings in the provider's
// error text. The first matching class wins.
func ClassifyProviderError(err error) ProviderErrorClass {
	if err == nil {
		return ProviderErrorUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, m := range providerErrorMarkers {
		for _, s := range m.markers {
			if strings.Contains(msg, s) {
				return m.class
			}
		}
	}
	return ProviderErrorUnknown
}

// providerError converts a generate failure into a coded error so the
// dispatcher can tell a deferrable 429 from a misconfigured key.
func providerError(provider string, err error) error {
	class := ClassifyProviderError(err)
	meta := []apperr.Option{
		apperr.WithMetadata("provider", provider),
		apperr.WithMetadata("provider_error", string(class)),
	}
	switch class {
	case ProviderErrorRateLimit:
		meta = append(meta, apperr.WithRetryAfter(providerRetryAfter))
		return apperr.Wrap(apperr.CodeRateLimited, err, "provider rate limited", meta...)
	case ProviderErrorTimeout:
		return apperr.Wrap(apperr.CodeTimeout, err, "provider timed out", meta...)
	case ProviderErrorAuth, ProviderErrorBilling, ProviderErrorContextOverflow:
		meta = append(meta, apperr.WithRetryable(false))
		return apperr.Wrap(apperr.CodeExecutorFailure, err, "provider rejected request", meta...)
	default:
		return apperr.Wrap(apperr.CodeExecutorFailure, err, "genkit generate", meta...)
	}
}
