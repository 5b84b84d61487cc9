package mocks

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/stretchr/testify/mock"
)

type Tracker struct {
	mock.Mock
}

func (_m *Tracker) Enqueue(eventName string, properties ...analytics.Properties) {
	_ca := []interface{}{eventName}
	for _, p := range properties {
		_ca = append(_ca, p)
	}
	_m.Called(_ca...)
}

func (_m *Tracker) Wait() {
	_m.Called()
}
