package pipeline

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s-bluegreen/internal/gate"
	"k8s-bluegreen/internal/manifest"
	"k8s-bluegreen/internal/registry"
	"k8s-bluegreen/internal/rollout"
)

type fakePublisher struct {
	art registry.Artifact
	err error
}

func (f *fakePublisher) Publish(ctx context.Context, buildID string) (registry.Artifact, error) {
	return f.art, f.err
}

type fakeUpdater struct {
	changed bool
	err     error
	gotSubs []manifest.FieldSub
}

func (f *fakeUpdater) Update(ctx context.Context, buildID string, subs []manifest.FieldSub) (bool, error) {
	f.gotSubs = subs
	return f.changed, f.err
}

// fakeWatcher records every wait and returns scripted errors.
type fakeWatcher struct {
	podHash    string
	podHashErr error
	previewErr error
	phaseErrs  []error

	previewBaselines []string
	phaseCalls       [][]rollout.Phase
}

func (f *fakeWatcher) PodHash(ctx context.Context) (string, error) {
	return f.podHash, f.podHashErr
}

func (f *fakeWatcher) WaitForPreview(ctx context.Context, deadline time.Duration, baseline string) error {
	f.previewBaselines = append(f.previewBaselines, baseline)
	return f.previewErr
}

func (f *fakeWatcher) WaitForPhase(ctx context.Context, deadline time.Duration, targets ...rollout.Phase) error {
	f.phaseCalls = append(f.phaseCalls, targets)
	if len(f.phaseErrs) == 0 {
		return nil
	}
	err := f.phaseErrs[0]
	f.phaseErrs = f.phaseErrs[1:]
	return err
}

type fakeGate struct {
	decision gate.Decision
	awaited  int
}

func (f *fakeGate) Await(ctx context.Context, deadline time.Duration) gate.Decision {
	f.awaited++
	return f.decision
}

type fakePromoter struct {
	err   error
	calls int
}

func (f *fakePromoter) Promote(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeRecorder struct {
	stages    []string
	decisions []gate.Decision
	results   []Result
}

func (f *fakeRecorder) RecordStage(ctx context.Context, runID, stage string) error {
	f.stages = append(f.stages, stage)
	return nil
}

func (f *fakeRecorder) RecordDecision(ctx context.Context, runID string, d gate.Decision) error {
	f.decisions = append(f.decisions, d)
	return nil
}

func (f *fakeRecorder) RecordResult(ctx context.Context, res Result) error {
	f.results = append(f.results, res)
	return nil
}

type fixture struct {
	publisher *fakePublisher
	updater   *fakeUpdater
	watcher   *fakeWatcher
	gate      *fakeGate
	promoter  *fakePromoter
	recorder  *fakeRecorder
}

func newFixture() *fixture {
	return &fixture{
		publisher: &fakePublisher{art: registry.Artifact{
			Repository: "registry.local/app",
			Tag:        "42",
			AliasTag:   "latest",
			Digest:     "sha256:abc",
		}},
		updater:  &fakeUpdater{changed: true},
		watcher:  &fakeWatcher{podHash: "rev-old"},
		gate:     &fakeGate{decision: gate.Decision{Outcome: gate.Approved, Actor: "alice"}},
		promoter: &fakePromoter{},
		recorder: &fakeRecorder{},
	}
}

func (f *fixture) pipeline() *Pipeline {
	return New(Config{
		BuildID:           "42",
		ImageField:        "image",
		BuildNumberField:  "buildNumber",
		PreviewDeadline:   time.Second,
		ApprovalDeadline:  time.Second,
		PromotionDeadline: time.Second,
	}, f.publisher, f.updater, f.watcher, f.gate, nil, f.promoter, f.recorder)
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture()
	res := f.pipeline().Run(context.Background())

	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.NoError(t, res.Err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "alice", res.Approver)
	assert.True(t, res.ManifestChanged)
	assert.Equal(t, 1, f.promoter.calls)

	// Both the image reference and the quoted build number get
	// substituted into the manifest.
	require.Len(t, f.updater.gotSubs, 2)
	assert.Equal(t, "registry.local/app:42", f.updater.gotSubs[0].Value)
	assert.Equal(t, `"42"`, f.updater.gotSubs[1].Value)

	// The preview wait is pinned against the pre-commit revision;
	// promotion then waits for healthy.
	require.Len(t, f.watcher.previewBaselines, 1)
	assert.Equal(t, "rev-old", f.watcher.previewBaselines[0])
	require.Len(t, f.watcher.phaseCalls, 1)
	assert.Equal(t, []rollout.Phase{rollout.PhaseHealthy}, f.watcher.phaseCalls[0])

	require.Len(t, f.recorder.results, 1)
	assert.Equal(t, OutcomeSucceeded, f.recorder.results[0].Outcome)
	require.Len(t, f.recorder.decisions, 1)
	assert.Equal(t, gate.Approved, f.recorder.decisions[0].Outcome)
}

func TestPublishAuthFailure(t *testing.T) {
	f := newFixture()
	f.publisher.err = &transport.Error{StatusCode: http.StatusUnauthorized}

	res := f.pipeline().Run(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, FailurePublishAuth, res.Failure)
	assert.Equal(t, 0, f.gate.awaited)
	assert.Equal(t, 0, f.promoter.calls)
}

func TestManifestFieldMissing(t *testing.T) {
	f := newFixture()
	f.updater.err = manifest.ErrFieldNotFound

	res := f.pipeline().Run(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, FailureManifestField, res.Failure)
	assert.Equal(t, 0, f.promoter.calls)
}

func TestManifestPushConflict(t *testing.T) {
	f := newFixture()
	f.updater.err = errors.New("push rejected: non-fast-forward")

	res := f.pipeline().Run(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, FailureManifestConflict, res.Failure)
}

func TestUnchangedManifestIsNotAnError(t *testing.T) {
	f := newFixture()
	f.updater.changed = false

	res := f.pipeline().Run(context.Background())
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.False(t, res.ManifestChanged)

	// No commit means no new revision to wait for: the running one is
	// already this build, so its current phase is checked instead.
	assert.Empty(t, f.watcher.previewBaselines)
	require.Len(t, f.watcher.phaseCalls, 2)
	assert.Equal(t, []rollout.Phase{rollout.PhasePaused, rollout.PhaseHealthy}, f.watcher.phaseCalls[0])
}

// The baseline is read before the manifest commit. If the read fails
// the preview wait still runs, just without a revision to compare
// against.
func TestPreviewBaselineReadFailure(t *testing.T) {
	f := newFixture()
	f.watcher.podHashErr = errors.New("connection refused")

	res := f.pipeline().Run(context.Background())
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	require.Len(t, f.watcher.previewBaselines, 1)
	assert.Equal(t, "", f.watcher.previewBaselines[0])
}

func TestPreviewTimeoutSkipsGate(t *testing.T) {
	f := newFixture()
	f.watcher.previewErr = rollout.ErrDeadlineExpired

	res := f.pipeline().Run(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, FailureRolloutTimeout, res.Failure)

	// The gate was never entered and no promotion was attempted.
	assert.Equal(t, 0, f.gate.awaited)
	assert.Equal(t, 0, f.promoter.calls)
}

func TestApprovalResolvesToPromotion(t *testing.T) {
	f := newFixture()

	res := f.pipeline().Run(context.Background())
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, 1, f.gate.awaited)
	assert.Equal(t, 1, f.promoter.calls)
}

func TestRejectionAbortsWithoutPromotion(t *testing.T) {
	f := newFixture()
	f.gate.decision = gate.Decision{Outcome: gate.Rejected, Actor: "bob"}

	res := f.pipeline().Run(context.Background())
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, FailureApprovalRejected, res.Failure)
	assert.Equal(t, "bob", res.Approver)
	assert.Equal(t, 0, f.promoter.calls)
}

func TestApprovalTimeoutDoesNotPromote(t *testing.T) {
	f := newFixture()
	f.gate.decision = gate.Decision{Outcome: gate.TimedOut}

	res := f.pipeline().Run(context.Background())
	assert.Equal(t, OutcomeApprovalTimeout, res.Outcome)
	assert.Equal(t, FailureApprovalTimeout, res.Failure)
	assert.Equal(t, 0, f.promoter.calls)

	// The timeout decision is still part of the audit trail.
	require.Len(t, f.recorder.decisions, 1)
	assert.Equal(t, gate.TimedOut, f.recorder.decisions[0].Outcome)
}

func TestPromotionCommandFailure(t *testing.T) {
	f := newFixture()
	f.promoter.err = errors.New("patch denied")

	res := f.pipeline().Run(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, FailurePromotionCmd, res.Failure)
}

func TestPromotionVerifyTimeout(t *testing.T) {
	f := newFixture()
	f.watcher.phaseErrs = []error{rollout.ErrDeadlineExpired}

	res := f.pipeline().Run(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, FailurePromotionTimeout, res.Failure)
	assert.Equal(t, 1, f.promoter.calls)
}

func TestRunWithoutRecorder(t *testing.T) {
	f := newFixture()
	p := New(Config{BuildID: "7", ImageField: "image", BuildNumberField: "buildNumber"},
		f.publisher, f.updater, f.watcher, f.gate, nil, f.promoter, nil)

	res := p.Run(context.Background())
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
}

func TestMultiRecorderFansOut(t *testing.T) {
	a, b := &fakeRecorder{}, &fakeRecorder{}

	assert.Nil(t, MultiRecorder())
	assert.Nil(t, MultiRecorder(nil, nil))
	assert.Equal(t, a, MultiRecorder(nil, a))

	f := newFixture()
	p := New(Config{BuildID: "42", ImageField: "image", BuildNumberField: "buildNumber"},
		f.publisher, f.updater, f.watcher, f.gate, nil, f.promoter, MultiRecorder(a, b))
	res := p.Run(context.Background())
	require.Equal(t, OutcomeSucceeded, res.Outcome)

	assert.Equal(t, a.stages, b.stages)
	assert.NotEmpty(t, a.stages)
	require.Len(t, a.results, 1)
	require.Len(t, b.results, 1)
}

func TestStageOrderRecorded(t *testing.T) {
	f := newFixture()
	f.pipeline().Run(context.Background())

	assert.Equal(t, []string{
		"publish",
		"manifest-update",
		"await-preview",
		"awaiting-approval",
		"promote",
		"await-promotion",
	}, f.recorder.stages)
}
