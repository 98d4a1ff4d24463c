package domain

import (
	"errors"
	"fmt"
)

// ErrUnknownMessage is returned by gateways asked to update a message they never saw.
var ErrUnknownMessage = errors.New("unknown message")

// ConfigurationError reports a missing or invalid required setting. It is
// fatal for agent initialization.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("configuration: %s is required", e.Key)
	}
	return fmt.Sprintf("configuration: %s: %s", e.Key, e.Reason)
}

// ProviderStreamError is a failure surfaced while a run is streaming. It ends
// the affected response only.
type ProviderStreamError struct {
	RunID string
	Err   error
}

func (e *ProviderStreamError) Error() string {
	if e.Err == nil {
		return "provider stream error"
	}
	return e.Err.Error()
}

func (e *ProviderStreamError) Unwrap() error { return e.Err }

// ProviderCancelError wraps a failed provider-side run cancellation. It is
// logged and never surfaced to the chat.
type ProviderCancelError struct {
	RunID string
	Err   error
}

func (e *ProviderCancelError) Error() string {
	return fmt.Sprintf("cancel run %s: %v", e.RunID, e.Err)
}

func (e *ProviderCancelError) Unwrap() error { return e.Err }

// AugmentedSearchError is a failed web search. Callers convert it into a
// structured payload for the model instead of failing the run.
type AugmentedSearchError struct {
	Query   string
	Status  int
	Details string
	Err     error
}

func (e *AugmentedSearchError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("Search failed with status: %d", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("search %q: %v", e.Query, e.Err)
	default:
		return "An exception occurred during web search"
	}
}

func (e *AugmentedSearchError) Unwrap() error { return e.Err }
