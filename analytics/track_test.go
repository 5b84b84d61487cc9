package analytics

import (
	"testing"

	"github.com/bitrise-io/go-scanupload/analytics/mocks"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestNewRunTrackerAddsRunIDAndBackend(t *testing.T) {
	repository := new(mocks.Repository)
	repository.On("Get", mock.Anything).Return("")
	factory := new(mocks.TrackerFactory)
	factory.On("Execute", mock.MatchedBy(func(p analytics.Properties) bool {
		_, err := uuid.Parse(p[RunID].(string))
		return err == nil && p[Backend] == "http" && len(p) == 2
	})).Return(nil)

	NewRunTracker(repository, "http", factory.Execute)

	factory.AssertExpectations(t)
}

func TestNewRunTrackerAddsBitriseSlugs(t *testing.T) {
	repository := new(mocks.Repository)
	repository.On("Get", "BITRISE_BUILD_SLUG").Return("build-123")
	repository.On("Get", "BITRISE_APP_SLUG").Return("app-456")
	factory := new(mocks.TrackerFactory)
	factory.On("Execute", mock.MatchedBy(func(p analytics.Properties) bool {
		return p[BuildSlug] == "build-123" && p[AppSlug] == "app-456" && p[Backend] == "s3"
	})).Return(nil)

	NewRunTracker(repository, "s3", factory.Execute)

	factory.AssertExpectations(t)
	repository.AssertExpectations(t)
}

func TestNewRunTrackerUsesFreshRunIDs(t *testing.T) {
	repository := new(mocks.Repository)
	repository.On("Get", mock.Anything).Return("")

	var runIDs []interface{}
	factory := new(mocks.TrackerFactory)
	factory.On("Execute", mock.Anything).Run(func(args mock.Arguments) {
		runIDs = append(runIDs, args.Get(0).(analytics.Properties)[RunID])
	}).Return(nil)

	NewRunTracker(repository, "http", factory.Execute)
	NewRunTracker(repository, "http", factory.Execute)

	assert.Len(t, runIDs, 2)
	assert.NotEqual(t, runIDs[0], runIDs[1])
}
