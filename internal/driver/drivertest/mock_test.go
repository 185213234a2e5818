package drivertest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/hwm-core/internal/driver"
)

func TestMock_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMock().ExpectLifecycle()
	m.On("Execute", mock.Anything, "tune", driver.Args{"hz": 437000000}).
		Return(driver.Result{"locked": true}, nil).Once()

	assert.Equal(t, driver.StatusUninitialized, m.Status())
	require.NoError(t, m.Initialize(ctx, nil))
	assert.Equal(t, driver.StatusReady, m.Status())

	res, err := m.Execute(ctx, "tune", driver.Args{"hz": 437000000})
	require.NoError(t, err)
	assert.Equal(t, true, res["locked"])

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, driver.StatusUninitialized, m.Status())
	m.AssertExpectations(t)
}

func TestMock_InitFailureFaults(t *testing.T) {
	m := NewMock()
	m.On("Initialize", mock.Anything, mock.Anything).Return(errors.New("no port"))

	assert.Error(t, m.Initialize(context.Background(), nil))
	assert.Equal(t, driver.StatusFaulted, m.Status())
}

func TestMock_NilResult(t *testing.T) {
	m := NewMock()
	m.On("Execute", mock.Anything, "stop", mock.Anything).Return(nil, driver.ErrCommandFailed)

	res, err := m.Execute(context.Background(), "stop", nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, driver.ErrCommandFailed)
}
