package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"storybranch-server/pkg/ai"
)

// MockAIClient is a mock type for the AIClient type
type MockAIClient struct {
	mock.Mock
}

// GenerateText provides a mock function with given fields: ctx, systemPrompt, params
func (_m *MockAIClient) GenerateText(ctx context.Context, systemPrompt string, params ai.GenerationParams) (string, ai.Usage, error) {
	ret := _m.Called(ctx, systemPrompt, params)

	var r0 string
	if rf, ok := ret.Get(0).(func(context.Context, string, ai.GenerationParams) string); ok {
		r0 = rf(ctx, systemPrompt, params)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(string)
		}
	}

	var r1 ai.Usage
	if rf, ok := ret.Get(1).(func(context.Context, string, ai.GenerationParams) ai.Usage); ok {
		r1 = rf(ctx, systemPrompt, params)
	} else {
		if ret.Get(1) != nil {
			r1 = ret.Get(1).(ai.Usage)
		}
	}

	var r2 error
	if rf, ok := ret.Get(2).(func(context.Context, string, ai.GenerationParams) error); ok {
		r2 = rf(ctx, systemPrompt, params)
	} else {
		r2 = ret.Error(2)
	}

	return r0, r1, r2
}

// NewMockAIClient creates a new instance of MockAIClient. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
// The first argument is typically a *testing.T value.
func NewMockAIClient(t interface {
	mock.TestingT
	Helper()
}) *MockAIClient {
	m := &MockAIClient{}
	m.Mock.Test(t)
	t.Helper()
	return m
}
