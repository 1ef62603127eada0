package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/mt5desk/internal/domain/schema"
)

func TestTrackerWaitForReleasesOnceAllTopicsSeen(t *testing.T) {
	tracker := NewTracker()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- tracker.WaitFor(ctx, schema.TopicLandingCompany, schema.TopicAccountStatus)
	}()

	status, err := schema.NewResponse(schema.TopicAccountStatus, 0, schema.AccountStatus{})
	require.NoError(t, err)
	tracker.Observe(status)

	select {
	case <-done:
		t.Fatal("wait released before all topics were observed")
	case <-time.After(50 * time.Millisecond):
	}

	lc, err := schema.NewResponse(schema.TopicLandingCompany, 0, schema.LandingCompany{})
	require.NoError(t, err)
	tracker.Observe(lc)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not release")
	}

	latest, ok := tracker.Latest(schema.TopicLandingCompany)
	require.True(t, ok)
	require.Equal(t, schema.TopicLandingCompany, latest.MsgType)
}

func TestTrackerWaitForHonoursContext(t *testing.T) {
	tracker := NewTracker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, tracker.WaitFor(ctx, schema.TopicStatement), context.Canceled)
}

func TestTrackerWaitForWithNoTopics(t *testing.T) {
	require.NoError(t, NewTracker().WaitFor(context.Background()))
}
