package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
)

// Phase mirrors the rollout controller's status.phase values.
type Phase string

const (
	PhaseProgressing Phase = "Progressing"
	PhasePaused      Phase = "Paused"
	PhaseHealthy     Phase = "Healthy"
	PhaseDegraded    Phase = "Degraded"
	PhaseAborted     Phase = "Aborted"
)

var rolloutGVR = schema.GroupVersionResource{
	Group:    "argoproj.io",
	Version:  "v1alpha1",
	Resource: "rollouts",
}

// promotePatch is the same status patch the rollout CLI applies for a
// non-full promote: clearing pause conditions resumes the rollout.
const promotePatch = `{"status":{"pauseConditions":null}}`

// ErrDeadlineExpired is returned when a phase wait runs out of time.
// It is never retried automatically; the run fails with a distinct
// terminal outcome.
var ErrDeadlineExpired = errors.New("rollout wait deadline expired")

// ErrDegraded is returned when the rollout reaches Degraded or Aborted
// while we are waiting for something else; polling further would just
// burn the deadline.
var ErrDegraded = errors.New("rollout degraded")

// Status is the controller-reported state the waits inspect: the
// phase plus the pod hash of the newest revision. The hash is what
// tells a fresh preview apart from the previous release, whose phase
// can still read Healthy right after a manifest commit.
type Status struct {
	Phase   Phase
	PodHash string
}

// StatusGetter is the read side of the rollout resource. Interface so
// the watcher can be tested against a scripted sequence of statuses.
type StatusGetter interface {
	Status(ctx context.Context) (Status, error)
}

// Client addresses one pre-existing rollout resource by name and
// namespace. The pipeline only ever reads its status and issues the
// promote patch; it never creates or deletes the resource.
type Client struct {
	dyn       dynamic.Interface
	name      string
	namespace string
}

func NewClient(dyn dynamic.Interface, name, namespace string) *Client {
	return &Client{dyn: dyn, name: name, namespace: namespace}
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	obj, err := c.dyn.Resource(rolloutGVR).Namespace(c.namespace).Get(ctx, c.name, metav1.GetOptions{})
	if err != nil {
		return Status{}, fmt.Errorf("getting rollout %s/%s: %w", c.namespace, c.name, err)
	}
	phase, _, err := unstructured.NestedString(obj.Object, "status", "phase")
	if err != nil {
		return Status{}, fmt.Errorf("reading status.phase of rollout %s/%s: %w", c.namespace, c.name, err)
	}
	hash, _, err := unstructured.NestedString(obj.Object, "status", "currentPodHash")
	if err != nil {
		return Status{}, fmt.Errorf("reading status.currentPodHash of rollout %s/%s: %w", c.namespace, c.name, err)
	}
	return Status{Phase: Phase(phase), PodHash: hash}, nil
}

// Promote issues the single advance command. The patch is idempotent:
// re-clearing already-empty pause conditions changes nothing.
func (c *Client) Promote(ctx context.Context) error {
	_, err := c.dyn.Resource(rolloutGVR).Namespace(c.namespace).Patch(
		ctx, c.name, types.MergePatchType, []byte(promotePatch), metav1.PatchOptions{}, "status")
	if err != nil {
		return fmt.Errorf("promoting rollout %s/%s: %w", c.namespace, c.name, err)
	}
	logrus.Infof("promote issued for rollout %s/%s", c.namespace, c.name)
	return nil
}

// Watcher polls a rollout's status at a fixed interval until a
// condition is met or a bounded deadline elapses.
type Watcher struct {
	src      StatusGetter
	interval time.Duration
}

func NewWatcher(src StatusGetter, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{src: src, interval: interval}
}

// PodHash reads the current revision hash, for use as a baseline
// before a manifest change.
func (w *Watcher) PodHash(ctx context.Context) (string, error) {
	st, err := w.src.Status(ctx)
	return st.PodHash, err
}

// WaitForPreview blocks until the controller reports a revision other
// than baseline in an inspectable phase (Paused, or Healthy for
// rollouts that promote automatically). The previous release's phase
// never satisfies it: without a revision change a Healthy or Paused
// report belongs to the old release. With an empty baseline only
// Paused is accepted, since Healthy then cannot be attributed.
func (w *Watcher) WaitForPreview(ctx context.Context, deadline time.Duration, baseline string) error {
	var last Status
	err := wait.PollUntilContextTimeout(ctx, w.interval, deadline, true,
		func(ctx context.Context) (bool, error) {
			st, err := w.src.Status(ctx)
			if err != nil {
				logrus.Warnf("rollout status check failed: %v", err)
				return false, nil
			}
			if st != last {
				logrus.Infof("rollout phase: %s (revision %s)", st.Phase, st.PodHash)
				last = st
			}
			newRevision := st.PodHash != baseline
			switch st.Phase {
			case PhasePaused:
				if baseline == "" || newRevision {
					return true, nil
				}
			case PhaseHealthy:
				if baseline != "" && newRevision {
					return true, nil
				}
			case PhaseDegraded, PhaseAborted:
				return false, fmt.Errorf("%w: phase %s", ErrDegraded, st.Phase)
			}
			return false, nil
		})
	return w.finish(ctx, err, deadline, last.Phase)
}

// WaitForPhase blocks until the rollout reports one of targets, the
// rollout degrades, or deadline expires.
func (w *Watcher) WaitForPhase(ctx context.Context, deadline time.Duration, targets ...Phase) error {
	var lastPhase Phase
	err := wait.PollUntilContextTimeout(ctx, w.interval, deadline, true,
		func(ctx context.Context) (bool, error) {
			st, err := w.src.Status(ctx)
			if err != nil {
				// Transient read errors shouldn't abort the wait;
				// the deadline bounds how long we keep trying.
				logrus.Warnf("rollout status check failed: %v", err)
				return false, nil
			}
			if st.Phase != lastPhase {
				logrus.Infof("rollout phase: %s", st.Phase)
				lastPhase = st.Phase
			}
			for _, t := range targets {
				if st.Phase == t {
					return true, nil
				}
			}
			if st.Phase == PhaseDegraded || st.Phase == PhaseAborted {
				return false, fmt.Errorf("%w: phase %s", ErrDegraded, st.Phase)
			}
			return false, nil
		})
	return w.finish(ctx, err, deadline, lastPhase)
}

// finish classifies the poll loop's error. Caller cancellation is not
// a deadline expiry and must not be reported as one.
func (w *Watcher) finish(ctx context.Context, err error, deadline time.Duration, lastPhase Phase) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDegraded) {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("rollout wait cancelled (last phase %q): %w", lastPhase, ctx.Err())
	}
	if wait.Interrupted(err) {
		return fmt.Errorf("%w after %s (last phase %q)", ErrDeadlineExpired, deadline, lastPhase)
	}
	return err
}
