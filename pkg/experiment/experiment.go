package experiment

import (
	"github.com/rs/zerolog/log"
)

// Client selects experiment variants by user cohort. An empty variant means
// the user is not enrolled.
type Client interface {
	VariantFor(flagKey string, userID string) (string, error)
}

// DataSink captures analytics events attributed to an experiment cohort.
type DataSink interface {
	Capture(flagKey string, userID string, eventName string, properties map[string]interface{}) error
}

// ResolveTemplateName asks the experimentation service which conversation
// template the user's cohort should get. It falls back to defaultName when
// the client is nil, errors, or returns no variant, so that experimentation
// being down never blocks a conversation.
func ResolveTemplateName(client Client, flagKey string, userID string, defaultName string) string {
	if client == nil || flagKey == "" {
		return defaultName
	}

	variant, err := client.VariantFor(flagKey, userID)
	if err != nil {
		log.Error().Err(err).Str("flag_key", flagKey).Str("user_id", userID).
			Msg("error determining experiment group from feature flag")
		return defaultName
	}
	if variant == "" {
		log.Error().Str("flag_key", flagKey).Str("user_id", userID).
			Msg("feature flag returned no variant")
		return defaultName
	}

	return variant
}
