// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/lazyaf/lazyaf/pkg/containers/models"
)

// MockClient is a mock implementation of ClientInterface
type MockClient struct {
	mock.Mock
}

var _ ClientInterface = (*MockClient)(nil)

func (m *MockClient) CreateContainer(ctx context.Context, config models.ContainerConfig) (*models.Container, error) {
	args := m.Called(ctx, config)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Container), args.Error(1)
}

func (m *MockClient) StartContainer(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockClient) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	args := m.Called(ctx, containerID, timeout)
	return args.Error(0)
}

func (m *MockClient) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	args := m.Called(ctx, containerID, force)
	return args.Error(0)
}

func (m *MockClient) KillContainer(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockClient) InspectContainer(ctx context.Context, containerID string) (*models.Container, error) {
	args := m.Called(ctx, containerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Container), args.Error(1)
}

func (m *MockClient) ListContainersByLabels(ctx context.Context, labels map[string]string) ([]*models.Container, error) {
	args := m.Called(ctx, labels)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Container), args.Error(1)
}

func (m *MockClient) WaitContainer(ctx context.Context, containerID string) (int, error) {
	args := m.Called(ctx, containerID)
	return args.Int(0), args.Error(1)
}

// StreamLogs does not feed the channel itself; tests use .Run() to push
// lines and must close the channel like the real client does.
func (m *MockClient) StreamLogs(ctx context.Context, containerID string, lines chan<- string) error {
	args := m.Called(ctx, containerID, lines)
	return args.Error(0)
}

func (m *MockClient) WriteToContainer(ctx context.Context, containerID string, content string, dstPath string) error {
	args := m.Called(ctx, containerID, content, dstPath)
	return args.Error(0)
}

func (m *MockClient) CreateVolume(ctx context.Context, name string, labels map[string]string) (*models.Volume, error) {
	args := m.Called(ctx, name, labels)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Volume), args.Error(1)
}

func (m *MockClient) RemoveVolume(ctx context.Context, name string, force bool) error {
	args := m.Called(ctx, name, force)
	return args.Error(0)
}

func (m *MockClient) VolumeExists(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) Close() error {
	args := m.Called()
	return args.Error(0)
}
