package playbook

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// gatedStep has four required and two optional items plus a mandatory photo.
func gatedStep() *Template {
	items := make([]ActionItem, 6)
	for i := range items {
		items[i] = ActionItem{ID: fmt.Sprintf("item-%d", i), Label: fmt.Sprintf("Item %d", i), Required: i < 4}
	}
	return &Template{
		ID:      "gated",
		Version: "1.0.0",
		Title:   "Gated",
		Steps:   []StepDefinition{{StepNumber: 1, Title: "Only", ActionItems: items, PhotoRequired: true}},
	}
}

// Property: completion succeeds iff every required item is checked and a photo was taken.
func TestCompletionGating(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("complete accepted exactly when requirements are met", prop.ForAll(
		func(checks []bool, photo bool) bool {
			r := Start(gatedStep(), StartParams{ID: "p"}, WithClock(fixedClock()))
			requiredMet := true
			for i, c := range checks {
				if c {
					if err := r.ToggleActionItem(1, fmt.Sprintf("item-%d", i)); err != nil {
						return false
					}
				} else if i < 4 {
					requiredMet = false
				}
			}
			if photo {
				if err := r.CapturePhoto(1); err != nil {
					return false
				}
			}

			err := r.CompleteStep(1)
			if requiredMet && photo {
				return err == nil && r.Incident().Status == StatusCompleted
			}
			return CodeOf(err) == CodeIncompleteRequirements &&
				r.Incident().StepLogs[0].State == StepInProgress
		},
		gen.SliceOfN(6, gen.Bool()),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

const (
	opComplete = iota
	opSkip
	opNavigate
	opToggle
	opPause
	opTick
	opCount
)

// Property: under any operation sequence the frontier never moves backwards,
// resolved steps never return to an unresolved state, and each step is in
// exactly one state with completion and skip facts mutually exclusive.
func TestStepProgression(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 150
	properties := gopter.NewProperties(parameters)

	properties.Property("frontier is monotonic and states are exclusive", prop.ForAll(
		func(ops []int, targets []int) bool {
			r := startRunner(t, threeStepTemplate())
			prev := r.Incident()

			for i, op := range ops {
				target := 1
				if i < len(targets) {
					target = targets[i]
				}
				cur := r.Incident().CurrentStep
				switch op {
				case opComplete:
					_ = r.CompleteStep(cur)
				case opSkip:
					_ = r.SkipStep(cur, "not applicable")
				case opNavigate:
					_ = r.NavigateTo(target)
				case opToggle:
					_ = r.ToggleActionItem(cur, "a")
					_ = r.ToggleActionItem(cur, "seal")
					_ = r.CapturePhoto(cur)
				case opPause:
					_ = r.Pause()
				case opTick:
					_ = r.Resume()
					r.Tick(tick)
				}

				next := r.Incident()
				if next.FrontierStep < prev.FrontierStep {
					return false
				}
				if next.CurrentStep < 1 || next.CurrentStep > next.FrontierStep {
					return false
				}
				for n := range next.StepLogs {
					before, after := prev.StepLogs[n], next.StepLogs[n]
					if before.State.Resolved() && after.State != before.State {
						return false
					}
					if after.State == StepSkipped && after.SkipReason == "" {
						return false
					}
					if after.State == StepCompleted && after.SkipReason != "" {
						return false
					}
					if after.State == StepPending && n+1 <= next.FrontierStep-1 {
						return false
					}
				}
				if prev.Status.Terminal() && next.Status != prev.Status {
					return false
				}
				prev = next
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, opCount-1)),
		gen.SliceOf(gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}
