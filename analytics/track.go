// Package analytics creates the tracker that receives the scan upload events of a run.
package analytics

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/google/uuid"
)

type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	BuildSlugEnvKey = "BITRISE_BUILD_SLUG"
	AppSlugEnvKey   = "BITRISE_APP_SLUG"

	RunID     = "run_id"
	BuildSlug = "build_slug"
	AppSlug   = "app_slug"
	Backend   = "backend"
)

// NewRunTracker returns a tracker whose events carry a fresh run ID and, when running on Bitrise, the
// build and app slugs.
func NewRunTracker(repository env.Repository, backend string, trackerFactory TrackerFactory) analytics.Tracker {
	properties := analytics.Properties{
		RunID:   uuid.NewString(),
		Backend: backend,
	}
	if slug := repository.Get(BuildSlugEnvKey); slug != "" {
		properties[BuildSlug] = slug
	}
	if slug := repository.Get(AppSlugEnvKey); slug != "" {
		properties[AppSlug] = slug
	}
	return trackerFactory(properties)
}

func NewDefaultRunTracker(repository env.Repository, backend string) analytics.Tracker {
	return NewRunTracker(repository, backend, analytics.NewDefaultTracker)
}
