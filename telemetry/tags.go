// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// siteKey is the context key for propagating the top-frame site to
	// background goroutines.
	siteKey contextKey = "site"
)

// StoreOutcome represents the outcome of a store operation.
type StoreOutcome string

const (
	OutcomeOK       StoreOutcome = "ok"
	OutcomeRejected StoreOutcome = "rejected"
	OutcomeError    StoreOutcome = "error"
	OutcomeNA       StoreOutcome = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Operation string
	Outcome   StoreOutcome
	Endpoint  string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Outcome: OutcomeNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetOutcome sets the store outcome for logging.
func SetOutcome(r *http.Request, outcome StoreOutcome) {
	if tags := GetTags(r); tags != nil {
		tags.Outcome = outcome
	}
}

// SetOperation sets the operation tag for metrics and logging.
func SetOperation(r *http.Request, operation string) {
	if tags := GetTags(r); tags != nil {
		tags.Operation = operation
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SiteFromContext retrieves the top-frame site from a context set by
// WithSiteContext.
func SiteFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(siteKey).(string); ok {
		return s
	}
	return ""
}

// WithSiteContext returns a context with the top-frame site stored. Use
// this to propagate the site into goroutines that outlive the request
// context.
func WithSiteContext(ctx context.Context, site string) context.Context {
	return context.WithValue(ctx, siteKey, site)
}
