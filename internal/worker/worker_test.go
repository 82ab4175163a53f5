package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sol-portal/change-request-service/internal/config"
	"github.com/sol-portal/change-request-service/internal/events"
	"github.com/sol-portal/change-request-service/internal/service"
)

type fakeSync struct {
	startErr error
	started  bool
	stopped  bool
}

func (f *fakeSync) Start(context.Context) error {
	f.started = true
	return f.startErr
}

func (f *fakeSync) Stop() { f.stopped = true }

func TestStartSyncWorker(t *testing.T) {
	stop, err := StartSyncWorker(context.Background(), nil, zap.NewNop())
	require.NoError(t, err)
	stop()

	fs := &fakeSync{}
	stop, err = StartSyncWorker(context.Background(), fs, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, fs.started)
	stop()
	assert.True(t, fs.stopped)

	failing := &fakeSync{startErr: errors.New("bad schedule")}
	_, err = StartSyncWorker(context.Background(), failing, zap.NewNop())
	assert.Error(t, err)
}

func TestNotificationWorkerSubscribes(t *testing.T) {
	dispatcher := events.NewInMemoryDispatcher()
	StartNotificationWorker(service.NewNotificationService(dispatcher, zap.NewNop(), config.NotificationConfig{}))
	StartNotificationWorker(nil)

	err := dispatcher.Publish(context.Background(), events.Event{
		Type:      events.EventStateChanged,
		RequestID: "cr-1",
		Payload:   events.StateChangedPayload{Response: true},
	})
	assert.NoError(t, err)
}
