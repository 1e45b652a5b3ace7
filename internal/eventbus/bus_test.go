package eventbus

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kandev/missioncore/internal/eventlog"
)

func newStore(t *testing.T) *eventlog.Store {
	t.Helper()
	s, err := eventlog.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(taskID string, typ eventlog.Type) eventlog.Event {
	return eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Mode:      eventlog.ModeMission,
		Stage:     eventlog.StageIntent,
	}
}

func TestPublishFailsValidationNeverReachesSubscribers(t *testing.T) {
	b := New(newStore(t), nil)

	var delivered int
	b.Subscribe(SubscriberFunc(func(e eventlog.Event) error {
		delivered++
		return nil
	}))

	bad := testEvent("t1", "bogus")
	_, err := b.Publish(bad)
	require.Error(t, err)
	require.Equal(t, 0, delivered)
}

func TestPublishDeliversInOrderToAllSubscribers(t *testing.T) {
	b := New(newStore(t), nil)

	var a, c []string
	b.Subscribe(SubscriberFunc(func(e eventlog.Event) error {
		a = append(a, string(e.Type))
		return nil
	}))
	b.Subscribe(SubscriberFunc(func(e eventlog.Event) error {
		c = append(c, string(e.Type))
		return nil
	}))

	_, err := b.Publish(testEvent("t1", eventlog.TypeIntentReceived))
	require.NoError(t, err)
	_, err = b.Publish(testEvent("t1", eventlog.TypeStageChanged))
	require.NoError(t, err)

	want := []string{"intent_received", "stage_changed"}
	require.Equal(t, want, a)
	require.Equal(t, want, c)
}

func TestSubscriberErrorDoesNotAffectOthersOrPersistence(t *testing.T) {
	b := New(newStore(t), nil)

	var secondCalled bool
	b.Subscribe(SubscriberFunc(func(e eventlog.Event) error {
		return assertErr
	}))
	b.Subscribe(SubscriberFunc(func(e eventlog.Event) error {
		secondCalled = true
		return nil
	}))

	_, err := b.Publish(testEvent("t1", eventlog.TypeIntentReceived))
	require.NoError(t, err)
	require.True(t, secondCalled)
	require.Equal(t, 1, b.Store().Count())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(newStore(t), nil)

	var count int
	unsub := b.Subscribe(SubscriberFunc(func(e eventlog.Event) error {
		count++
		return nil
	}))

	_, _ = b.Publish(testEvent("t1", eventlog.TypeIntentReceived))
	unsub()
	_, _ = b.Publish(testEvent("t1", eventlog.TypeStageChanged))

	require.Equal(t, 1, count)
}

var assertErr = &testError{"handler failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
