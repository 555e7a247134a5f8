package experiment

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/posthog/posthog-go"
)

// PosthogClient implements Client and DataSink against PostHog feature flags.
type PosthogClient struct {
	client posthog.Client
	env    string
}

type PosthogOption func(*PosthogClient)

// WithEnvironment tags every captured event with an env property.
func WithEnvironment(env string) PosthogOption {
	return func(p *PosthogClient) {
		p.env = env
	}
}

func NewPosthogClient(apiKey string, endpoint string, personalAPIKey string, options ...PosthogOption) (*PosthogClient, error) {
	client, err := posthog.NewWithConfig(apiKey, posthog.Config{
		Endpoint:       endpoint,
		PersonalApiKey: personalAPIKey,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not create posthog client")
	}

	ret := &PosthogClient{client: client}
	for _, option := range options {
		option(ret)
	}
	return ret, nil
}

var _ Client = (*PosthogClient)(nil)
var _ DataSink = (*PosthogClient)(nil)

func (p *PosthogClient) VariantFor(flagKey string, userID string) (string, error) {
	variant, err := p.client.GetFeatureFlag(posthog.FeatureFlagPayload{
		Key:        flagKey,
		DistinctId: userID,
	})
	if err != nil {
		return "", errors.Wrapf(err, "could not fetch feature flag %s", flagKey)
	}
	if variant == nil {
		return "", nil
	}
	if _, ok := variant.(bool); ok {
		// Boolean flags carry no variant name.
		return "", nil
	}
	return fmt.Sprint(variant), nil
}

func (p *PosthogClient) Capture(flagKey string, userID string, eventName string, properties map[string]interface{}) error {
	props := posthog.NewProperties()
	for key, value := range properties {
		props.Set(key, value)
	}
	if p.env != "" {
		props.Set("env", p.env)
	}
	if flagKey != "" {
		variant, err := p.VariantFor(flagKey, userID)
		if err == nil && variant != "" {
			props.Set(fmt.Sprintf("$feature/%s", flagKey), variant)
		}
	}

	err := p.client.Enqueue(posthog.Capture{
		DistinctId: userID,
		Event:      eventName,
		Properties: props,
	})
	return errors.Wrap(err, "could not capture posthog event")
}

func (p *PosthogClient) Close() error {
	return p.client.Close()
}
