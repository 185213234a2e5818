// Package drivertest provides test doubles and a conformance suite for
// driver implementations.
package drivertest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/nerrad567/hwm-core/internal/driver"
)

// Mock is a testify-backed driver. Status is held in the embedded Base so
// tests don't have to stub it; the other methods go through mock.Called.
//
//	m := drivertest.NewMock()
//	m.ExpectLifecycle()
//	m.On("Execute", mock.Anything, "tune", mock.Anything).Return(driver.Result{}, nil)
type Mock struct {
	mock.Mock
	driver.Base
}

// NewMock creates an uninitialised Mock.
func NewMock() *Mock {
	return &Mock{}
}

// ExpectLifecycle stubs Initialize and Shutdown to succeed any number of times.
func (m *Mock) ExpectLifecycle() *Mock {
	m.On("Initialize", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("Shutdown", mock.Anything).Return(nil).Maybe()
	return m
}

// Initialize implements driver.Driver. On success the mock becomes ready.
func (m *Mock) Initialize(ctx context.Context, settings driver.Settings) error {
	err := m.Called(ctx, settings).Error(0)
	if err == nil {
		m.SetStatus(driver.StatusReady)
	} else {
		m.SetStatus(driver.StatusFaulted)
	}
	return err
}

// Execute implements driver.Driver.
func (m *Mock) Execute(ctx context.Context, verb string, args driver.Args) (driver.Result, error) {
	ret := m.Called(ctx, verb, args)
	var res driver.Result
	if r := ret.Get(0); r != nil {
		res = r.(driver.Result)
	}
	return res, ret.Error(1)
}

// Shutdown implements driver.Driver.
func (m *Mock) Shutdown(ctx context.Context) error {
	err := m.Called(ctx).Error(0)
	m.SetStatus(driver.StatusUninitialized)
	return err
}

var _ driver.Driver = (*Mock)(nil)
