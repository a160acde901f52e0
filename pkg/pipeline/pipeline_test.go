package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/protoreg/pkg/config"
	protoerrors "github.com/stacklok/protoreg/pkg/errors"
	"github.com/stacklok/protoreg/pkg/manifest"
	"github.com/stacklok/protoreg/pkg/notify"
)

func fastRetry() config.RetryConfig {
	return config.RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterFactor: 0.1}
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	return New(t.TempDir(), fastRetry(), notify.New())
}

func sampleManifest() manifest.Manifest {
	return manifest.Manifest{URN: "urn:proto:api:orders", Type: manifest.TypeAPI, Namespace: "commerce"}
}

func TestPipeline_InitializeThenDoubleInitializeFails(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t)
	ctx := context.Background()

	vs, err := p.Initialize(ctx, "M1", sampleManifest())
	require.NoError(t, err)
	assert.Equal(t, manifest.StateDraft, vs.State.CurrentState)
	assert.Equal(t, 1, vs.Version)

	_, err = p.Initialize(ctx, "M1", sampleManifest())
	require.Error(t, err)
	assert.True(t, protoerrors.IsConflict(err))
}

func TestPipeline_FullHappyPath(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Initialize(ctx, "M1", sampleManifest())
	require.NoError(t, err)

	vs, err := p.SubmitForReview(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StateReviewed, vs.State.CurrentState)

	vs, err = p.Approve(ctx, "M1", "alice", "looks good")
	require.NoError(t, err)
	assert.Equal(t, manifest.StateApproved, vs.State.CurrentState)
	assert.Equal(t, "alice", vs.State.Reviewer)

	vs, err = p.Register(ctx, "M1", "")
	require.NoError(t, err)
	assert.Equal(t, manifest.StateRegistered, vs.State.CurrentState)
	require.NotNil(t, vs.State.LastTransition)
	assert.Equal(t, manifest.EventRegister, vs.State.LastTransition.Event)
}

func TestPipeline_ApproveWithoutReviewerFailsGuard(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Initialize(ctx, "M1", sampleManifest())
	require.NoError(t, err)
	_, err = p.SubmitForReview(ctx, "M1")
	require.NoError(t, err)

	_, err = p.Approve(ctx, "M1", "", "notes")
	require.Error(t, err)
	assert.True(t, protoerrors.IsGuardFailed(err))
}

func TestPipeline_RegisterWithConflictingURNFailsGuard(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Initialize(ctx, "M1", sampleManifest())
	require.NoError(t, err)
	_, err = p.SubmitForReview(ctx, "M1")
	require.NoError(t, err)
	_, err = p.Approve(ctx, "M1", "alice", "ok")
	require.NoError(t, err)

	_, err = p.Register(ctx, "M1", "urn:proto:api:orders")
	require.Error(t, err)
	assert.True(t, protoerrors.IsGuardFailed(err))
}

func TestPipeline_RejectThenRevertToDraft(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Initialize(ctx, "M1", sampleManifest())
	require.NoError(t, err)
	_, err = p.SubmitForReview(ctx, "M1")
	require.NoError(t, err)

	vs, err := p.Reject(ctx, "M1", "missing description")
	require.NoError(t, err)
	assert.Equal(t, manifest.StateRejected, vs.State.CurrentState)
	assert.Equal(t, "missing description", vs.State.RejectionReason)

	vs, err = p.RevertToDraft(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StateDraft, vs.State.CurrentState)
}

func TestPipeline_TransitionFromTerminalStateFails(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Initialize(ctx, "M1", sampleManifest())
	require.NoError(t, err)
	_, err = p.SubmitForReview(ctx, "M1")
	require.NoError(t, err)
	_, err = p.Approve(ctx, "M1", "alice", "ok")
	require.NoError(t, err)
	_, err = p.Register(ctx, "M1", "")
	require.NoError(t, err)

	_, err = p.SubmitForReview(ctx, "M1")
	require.Error(t, err)
	assert.True(t, protoerrors.IsGuardFailed(err))
}

func TestPipeline_RepeatedTransitionIsAlreadyAppliedNotGuardFailed(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Initialize(ctx, "M1", sampleManifest())
	require.NoError(t, err)

	first, err := p.SubmitForReview(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StateReviewed, first.State.CurrentState)

	second, err := p.SubmitForReview(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StateReviewed, second.State.CurrentState)
	assert.Equal(t, first.Version, second.Version)

	events, err := p.Events.ReadAll("M1")
	require.NoError(t, err)
	assert.Len(t, events, 2) // manifest.created + one state.changed, not two

	assert.Equal(t, int64(1), p.Snapshot().AlreadyApplied)
}

func TestPipeline_EventLogRecordsEveryTransition(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Initialize(ctx, "M1", sampleManifest())
	require.NoError(t, err)
	_, err = p.SubmitForReview(ctx, "M1")
	require.NoError(t, err)
	_, err = p.Approve(ctx, "M1", "alice", "ok")
	require.NoError(t, err)

	events, err := p.Events.ReadAll("M1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, manifest.EventTypeManifestCreated, events[0].EventType)
	assert.Equal(t, manifest.EventTypeStateChanged, events[1].EventType)
	assert.Equal(t, manifest.EventTypeStateChanged, events[2].EventType)
}

func TestPipeline_PublishesLifecycleTransitionedNotifications(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t)
	ctx := context.Background()

	var transitioned int
	p.Bus.Subscribe("lifecycle.transitioned", func(any) { transitioned++ })

	_, err := p.Initialize(ctx, "M1", sampleManifest())
	require.NoError(t, err)
	_, err = p.SubmitForReview(ctx, "M1")
	require.NoError(t, err)
	_, err = p.Approve(ctx, "M1", "alice", "ok")
	require.NoError(t, err)

	assert.Equal(t, 2, transitioned)
}

func TestPipeline_UnknownManifestReturnsNotFound(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.SubmitForReview(ctx, "missing")
	require.Error(t, err)
	assert.True(t, protoerrors.IsNotFound(err))
}
