package mocks

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/stretchr/testify/mock"
)

type TrackerFactory struct {
	mock.Mock
}

func (_m *TrackerFactory) Execute(properties ...analytics.Properties) analytics.Tracker {
	_ca := make([]interface{}, 0, len(properties))
	for _, p := range properties {
		_ca = append(_ca, p)
	}
	ret := _m.Called(_ca...)

	var r0 analytics.Tracker
	if rf, ok := ret.Get(0).(func(...analytics.Properties) analytics.Tracker); ok {
		r0 = rf(properties...)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(analytics.Tracker)
	}

	return r0
}
