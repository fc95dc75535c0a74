package report

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"k8s-bluegreen/internal/pipeline"
)

// Input is everything the reporter knows about a finished run.
type Input struct {
	Result pipeline.Result

	RolloutName string
	Namespace   string
	PreviewURL  string
	ActiveURL   string
}

func (in Input) statusCmd() string {
	return fmt.Sprintf("kubectl argo rollouts get rollout %s -n %s", in.RolloutName, in.Namespace)
}

func (in Input) abortCmd() string {
	return fmt.Sprintf("kubectl argo rollouts abort %s -n %s", in.RolloutName, in.Namespace)
}

func (in Input) undoCmd() string {
	return fmt.Sprintf("kubectl argo rollouts undo %s -n %s", in.RolloutName, in.Namespace)
}

func (in Input) promoteCmd() string {
	return fmt.Sprintf("kubectl argo rollouts promote %s -n %s", in.RolloutName, in.Namespace)
}

// Summary renders the terminal outcome as plain text with the exact
// remediation commands for that outcome. Pure function: no side
// effects beyond the returned string.
func Summary(in Input) string {
	res := in.Result
	var b strings.Builder

	fmt.Fprintf(&b, "Build %s (run %s): %s\n", res.BuildID, res.RunID, res.Outcome)
	if res.Artifact.Digest != "" {
		fmt.Fprintf(&b, "Artifact: %s (alias %s) @ %s\n", res.Artifact.Ref(), res.Artifact.AliasRef(), res.Artifact.Digest)
	}

	switch res.Outcome {
	case pipeline.OutcomeSucceeded:
		fmt.Fprintf(&b, "Approved by: %s\n", res.Approver)
		if in.ActiveURL != "" {
			fmt.Fprintf(&b, "Live traffic now serves build %s: %s\n", res.BuildID, in.ActiveURL)
		}
		b.WriteString("Next steps:\n")
		fmt.Fprintf(&b, "  Verify:   %s\n", in.statusCmd())
		fmt.Fprintf(&b, "  Rollback: %s\n", in.undoCmd())

	case pipeline.OutcomeAborted:
		fmt.Fprintf(&b, "Rejected by: %s\n", res.Approver)
		b.WriteString("Live traffic was never shifted; the previous version still serves.\n")
		b.WriteString("Next steps:\n")
		fmt.Fprintf(&b, "  Discard preview: %s\n", in.abortCmd())
		fmt.Fprintf(&b, "  Inspect:         %s\n", in.statusCmd())

	case pipeline.OutcomeApprovalTimeout:
		b.WriteString("No authorized decision arrived before the deadline; treated as rejection.\n")
		b.WriteString("Live traffic was never shifted; the previous version still serves.\n")
		b.WriteString("Next steps:\n")
		fmt.Fprintf(&b, "  Discard preview:    %s\n", in.abortCmd())
		fmt.Fprintf(&b, "  Or promote by hand: %s\n", in.promoteCmd())

	case pipeline.OutcomeFailed:
		fmt.Fprintf(&b, "Failure: %s\n", res.Failure)
		if res.Err != nil {
			fmt.Fprintf(&b, "Cause: %v\n", res.Err)
		}
		b.WriteString(remediation(in))
	}

	if in.PreviewURL != "" && res.Outcome != pipeline.OutcomeSucceeded {
		fmt.Fprintf(&b, "Preview endpoint: %s\n", in.PreviewURL)
	}
	return b.String()
}

func remediation(in Input) string {
	var b strings.Builder
	b.WriteString("Next steps:\n")
	switch in.Result.Failure {
	case pipeline.FailureBuild:
		fmt.Fprintf(&b, "  Check the image exists: docker manifest inspect %s\n", in.Result.Artifact.Ref())
		b.WriteString("  Rerun the pipeline once the build tag is pushed.\n")
	case pipeline.FailurePublishAuth:
		fmt.Fprintf(&b, "  Refresh registry credentials for %s, then rerun.\n", in.Result.Artifact.Repository)
	case pipeline.FailureManifestField:
		b.WriteString("  The field matcher found nothing. Fix the manifest path/field names in the config, then rerun.\n")
	case pipeline.FailureManifestConflict:
		b.WriteString("  The manifest repository rejected the write (conflict or credentials).\n")
		b.WriteString("  Inspect the manifest repo, resolve, then rerun from the top.\n")
	case pipeline.FailureRolloutTimeout:
		b.WriteString("  The preview never became healthy; nothing was promoted.\n")
		fmt.Fprintf(&b, "  Inspect: %s\n", in.statusCmd())
		fmt.Fprintf(&b, "  Abort:   %s\n", in.abortCmd())
	case pipeline.FailurePromotionCmd:
		b.WriteString("  The promote command failed; traffic was not shifted.\n")
		fmt.Fprintf(&b, "  Inspect: %s\n", in.statusCmd())
		fmt.Fprintf(&b, "  Retry by hand: %s\n", in.promoteCmd())
	case pipeline.FailurePromotionTimeout:
		b.WriteString("  ATTENTION: promote was issued but full health was not confirmed.\n")
		b.WriteString("  Traffic may be partially shifted; an operator must inspect now.\n")
		fmt.Fprintf(&b, "  Inspect:  %s\n", in.statusCmd())
		fmt.Fprintf(&b, "  Rollback: %s\n", in.undoCmd())
	default:
		fmt.Fprintf(&b, "  Inspect: %s\n", in.statusCmd())
	}
	return b.String()
}

// Render is Summary with a colored headline for terminals.
func Render(in Input) string {
	headline := func(s string) string { return s }
	switch in.Result.Outcome {
	case pipeline.OutcomeSucceeded:
		headline = func(s string) string { return color.GreenString("%s", s) }
	case pipeline.OutcomeAborted, pipeline.OutcomeApprovalTimeout:
		headline = func(s string) string { return color.YellowString("%s", s) }
	case pipeline.OutcomeFailed:
		headline = func(s string) string { return color.RedString("%s", s) }
	}

	lines := strings.SplitN(Summary(in), "\n", 2)
	if len(lines) == 2 {
		return headline(lines[0]) + "\n" + lines[1]
	}
	return headline(lines[0])
}
