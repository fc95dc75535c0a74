package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"k8s-bluegreen/internal/gate"
	"k8s-bluegreen/internal/manifest"
	"k8s-bluegreen/internal/registry"
	"k8s-bluegreen/internal/rollout"
)

// Outcome is one of the four user-facing terminal states.
type Outcome string

const (
	OutcomeSucceeded       Outcome = "success"
	OutcomeAborted         Outcome = "aborted-by-user"
	OutcomeApprovalTimeout Outcome = "approval-timeout"
	OutcomeFailed          Outcome = "failure"
)

// Publisher is the build/publish stage.
type Publisher interface {
	Publish(ctx context.Context, buildID string) (registry.Artifact, error)
}

// ManifestUpdater mutates the deployment descriptor in the manifest
// repository. Returns whether a commit was made.
type ManifestUpdater interface {
	Update(ctx context.Context, buildID string, subs []manifest.FieldSub) (bool, error)
}

// Watcher polls the rollout resource until it reaches a target state.
// The preview wait demands a revision other than baseline, so the
// previous release's phase cannot satisfy it.
type Watcher interface {
	PodHash(ctx context.Context) (string, error)
	WaitForPreview(ctx context.Context, deadline time.Duration, baseline string) error
	WaitForPhase(ctx context.Context, deadline time.Duration, targets ...rollout.Phase) error
}

// Promoter issues the traffic-cutover command.
type Promoter interface {
	Promote(ctx context.Context) error
}

// Gate blocks until an authorized human resolves it or the deadline
// expires.
type Gate interface {
	Await(ctx context.Context, deadline time.Duration) gate.Decision
}

// Prompter is told when the preview is ready for inspection, so it can
// surface the approve/reject choice to humans. Errors are logged, not
// fatal: a failed prompt still leaves the gate resolvable (and the
// deadline fail-closes it).
type Prompter interface {
	PromptForApproval(runID, buildID string, deadline time.Duration) error
}

// Recorder persists run progress and decision provenance. All methods
// are best-effort from the pipeline's point of view.
type Recorder interface {
	RecordStage(ctx context.Context, runID, stage string) error
	RecordDecision(ctx context.Context, runID string, d gate.Decision) error
	RecordResult(ctx context.Context, res Result) error
}

type multiRecorder []Recorder

func (m multiRecorder) RecordStage(ctx context.Context, runID, stage string) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordStage(ctx, runID, stage))
	}
	return errors.Join(errs...)
}

func (m multiRecorder) RecordDecision(ctx context.Context, runID string, d gate.Decision) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordDecision(ctx, runID, d))
	}
	return errors.Join(errs...)
}

func (m multiRecorder) RecordResult(ctx context.Context, res Result) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordResult(ctx, res))
	}
	return errors.Join(errs...)
}

// MultiRecorder fans bookkeeping out to every non-nil recorder. With
// none it returns nil, which the pipeline treats as recording
// disabled.
func MultiRecorder(recorders ...Recorder) Recorder {
	var m multiRecorder
	for _, r := range recorders {
		if r != nil {
			m = append(m, r)
		}
	}
	if len(m) == 0 {
		return nil
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

// Config carries the per-run parameters every stage reads. It is
// passed explicitly at construction; there are no ambient globals.
type Config struct {
	BuildID string

	ImageField       string // manifest key holding the image reference
	BuildNumberField string // manifest key holding the build number

	PreviewDeadline   time.Duration // first watch: preview healthy
	ApprovalDeadline  time.Duration // human gate
	PromotionDeadline time.Duration // second watch: fully promoted
}

// Result is everything the reporter needs about a finished run.
type Result struct {
	RunID   string
	BuildID string

	Outcome Outcome
	Failure FailureKind
	Err     error

	Artifact        registry.Artifact
	ManifestChanged bool
	Approver        string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Pipeline executes the blue-green release stages strictly forward:
// publish, manifest update, preview wait, approval, promote, verify.
// Any failure is terminal for the run; reruns start from the top.
// Concurrent runs against the same rollout are not coordinated here;
// invocations must be serialized by the caller (CI job concurrency).
type Pipeline struct {
	cfg       Config
	publisher Publisher
	updater   ManifestUpdater
	watcher   Watcher
	gate      Gate
	prompter  Prompter
	promoter  Promoter
	recorder  Recorder
}

func New(cfg Config, publisher Publisher, updater ManifestUpdater, watcher Watcher, g Gate, prompter Prompter, promoter Promoter, recorder Recorder) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		publisher: publisher,
		updater:   updater,
		watcher:   watcher,
		gate:      g,
		prompter:  prompter,
		promoter:  promoter,
		recorder:  recorder,
	}
}

// Run drives the run to one of the four terminal outcomes. The
// returned Result always carries a usable outcome, even on error.
func (p *Pipeline) Run(ctx context.Context) Result {
	res := Result{
		RunID:     uuid.New().String(),
		BuildID:   p.cfg.BuildID,
		StartedAt: time.Now(),
	}
	log := logrus.WithFields(logrus.Fields{"run_id": res.RunID, "build": res.BuildID})
	log.Info("pipeline run starting")

	err := p.run(ctx, log, &res)
	res.FinishedAt = time.Now()
	if err != nil {
		res.Err = err
		res.Failure = KindOf(err)
		res.Outcome = outcomeFor(res.Failure)
		log.Errorf("pipeline terminal state %s (%s): %v", res.Outcome, res.Failure, err)
	} else {
		res.Outcome = OutcomeSucceeded
		log.Info("pipeline run succeeded")
	}
	p.record(ctx, func(r Recorder) error { return r.RecordResult(ctx, res) })
	return res
}

func (p *Pipeline) run(ctx context.Context, log *logrus.Entry, res *Result) error {
	// Stage 1: publish.
	p.stage(ctx, res.RunID, "publish")
	art, err := p.publisher.Publish(ctx, p.cfg.BuildID)
	res.Artifact = art
	if err != nil {
		if registry.IsAuthError(err) {
			return failed(FailurePublishAuth, err)
		}
		return failed(FailureBuild, err)
	}

	// Stage 2: manifest update. The revision hash is captured first:
	// right after the commit the controller still reports the previous
	// release, and the preview wait must be able to tell the two apart.
	p.stage(ctx, res.RunID, "manifest-update")
	baseline, err := p.watcher.PodHash(ctx)
	if err != nil {
		log.Warnf("could not read rollout revision before update: %v", err)
		baseline = ""
	}
	subs := []manifest.FieldSub{
		{Key: p.cfg.ImageField, Value: art.Ref()},
		{Key: p.cfg.BuildNumberField, Value: fmt.Sprintf("%q", p.cfg.BuildID)},
	}
	changed, err := p.updater.Update(ctx, p.cfg.BuildID, subs)
	res.ManifestChanged = changed
	if err != nil {
		if errors.Is(err, manifest.ErrFieldNotFound) {
			return failed(FailureManifestField, err)
		}
		// Push rejections, auth failures and everything else in the
		// manifest stage are fatal write failures.
		return failed(FailureManifestConflict, err)
	}
	if !changed {
		log.Info("manifest unchanged, continuing without commit")
	}

	// Stage 3: wait for the preview environment. On timeout the gate
	// is never entered: no point gating on something that never
	// stabilized. When nothing was committed the manifest already
	// referenced this build, so the running revision is the one under
	// review and its current phase counts.
	p.stage(ctx, res.RunID, "await-preview")
	if changed {
		err = p.watcher.WaitForPreview(ctx, p.cfg.PreviewDeadline, baseline)
	} else {
		err = p.watcher.WaitForPhase(ctx, p.cfg.PreviewDeadline, rollout.PhasePaused, rollout.PhaseHealthy)
	}
	if err != nil {
		return failed(FailureRolloutTimeout, err)
	}

	// Stage 4: human approval.
	p.stage(ctx, res.RunID, "awaiting-approval")
	if p.prompter != nil {
		if err := p.prompter.PromptForApproval(res.RunID, res.BuildID, p.cfg.ApprovalDeadline); err != nil {
			log.Warnf("failed to send approval prompt: %v", err)
		}
	}
	decision := p.gate.Await(ctx, p.cfg.ApprovalDeadline)
	res.Approver = decision.Actor
	p.record(ctx, func(r Recorder) error { return r.RecordDecision(ctx, res.RunID, decision) })
	switch decision.Outcome {
	case gate.Approved:
		log.Infof("deployment approved by %s", decision.Actor)
	case gate.Rejected:
		return failed(FailureApprovalRejected, fmt.Errorf("rejected by %q", decision.Actor))
	case gate.TimedOut:
		return failed(FailureApprovalTimeout, fmt.Errorf("no decision within %s", p.cfg.ApprovalDeadline))
	default:
		return failed(FailureApprovalRejected, fmt.Errorf("unexpected gate outcome %q", decision.Outcome))
	}

	// Stage 5: promote, then confirm the cutover completes. A timeout
	// here is reported distinctly: traffic may be partially shifted
	// and an operator has to look.
	p.stage(ctx, res.RunID, "promote")
	if err := p.promoter.Promote(ctx); err != nil {
		return failed(FailurePromotionCmd, err)
	}
	p.stage(ctx, res.RunID, "await-promotion")
	if err := p.watcher.WaitForPhase(ctx, p.cfg.PromotionDeadline, rollout.PhaseHealthy); err != nil {
		return failed(FailurePromotionTimeout, err)
	}

	return nil
}

func (p *Pipeline) stage(ctx context.Context, runID, stage string) {
	logrus.WithField("run_id", runID).Infof("stage: %s", stage)
	p.record(ctx, func(r Recorder) error { return r.RecordStage(ctx, runID, stage) })
}

// record runs a bookkeeping call; persistence errors never fail the
// run.
func (p *Pipeline) record(ctx context.Context, fn func(Recorder) error) {
	if p.recorder == nil {
		return
	}
	if err := fn(p.recorder); err != nil {
		logrus.Warnf("run bookkeeping failed: %v", err)
	}
}

func outcomeFor(kind FailureKind) Outcome {
	switch kind {
	case FailureApprovalRejected:
		return OutcomeAborted
	case FailureApprovalTimeout:
		return OutcomeApprovalTimeout
	default:
		return OutcomeFailed
	}
}
