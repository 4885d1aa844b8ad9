package activity

import (
	"context"
	"io"
	"sync"

	"github.com/stretchr/testify/mock"

	"grimm.is/outpost/internal/protocol"
)

// MockAPI is a mock implementation of API for testing.
type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) CreateActivity(ctx context.Context, agreementID string) (string, error) {
	args := m.Called(ctx, agreementID)
	return args.String(0), args.Error(1)
}

func (m *MockAPI) Exec(ctx context.Context, activityID string, commands []protocol.Command) (string, error) {
	args := m.Called(ctx, activityID, commands)
	return args.String(0), args.Error(1)
}

func (m *MockAPI) Attach(ctx context.Context, activityID, batchID string) (EventStream, error) {
	args := m.Called(ctx, activityID, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(EventStream), args.Error(1)
}

func (m *MockAPI) Wait(ctx context.Context, activityID, batchID string) (protocol.BatchResult, error) {
	args := m.Called(ctx, activityID, batchID)
	return args.Get(0).(protocol.BatchResult), args.Error(1)
}

func (m *MockAPI) State(ctx context.Context, activityID string) (protocol.ActivityState, error) {
	args := m.Called(ctx, activityID)
	return args.Get(0).(protocol.ActivityState), args.Error(1)
}

func (m *MockAPI) Destroy(ctx context.Context, activityID string) error {
	return m.Called(ctx, activityID).Error(0)
}

// SliceStream replays a fixed list of events, then returns Err (io.EOF
// when nil). It records how many events were pulled.
type SliceStream struct {
	Events []protocol.RuntimeEvent
	Err    error

	mu     sync.Mutex
	pulled int
	closed bool
}

func (s *SliceStream) Next(ctx context.Context) (protocol.RuntimeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return protocol.RuntimeEvent{}, err
	}
	if s.pulled >= len(s.Events) {
		if s.Err != nil {
			return protocol.RuntimeEvent{}, s.Err
		}
		return protocol.RuntimeEvent{}, io.EOF
	}
	ev := s.Events[s.pulled]
	s.pulled++
	return ev, nil
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Pulled returns the number of events consumed so far.
func (s *SliceStream) Pulled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulled
}

// Closed reports whether Close was called.
func (s *SliceStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
