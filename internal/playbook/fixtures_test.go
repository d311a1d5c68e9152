package playbook

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	return func() time.Time { return testNow }
}

// threeStepTemplate: step 2 has one required item, a mandatory photo and a
// 5-minute escalation threshold.
func threeStepTemplate() *Template {
	return &Template{
		ID:              "walk-in-cooler-failure",
		Version:         "1.2.0",
		Title:           "Walk-in Cooler Failure",
		Severity:        SeverityHigh,
		Category:        "equipment",
		RegulatoryBasis: "FDA Food Code 3-501.16",
		Steps: []StepDefinition{
			{
				StepNumber: 1,
				Title:      "Secure the area",
				ActionItems: []ActionItem{
					{ID: "a", Label: "Close cooler door", Required: true},
					{ID: "b", Label: "Post signage"},
				},
			},
			{
				StepNumber:        2,
				Title:             "Seal affected stock",
				ActionItems:       []ActionItem{{ID: "seal", Label: "Seal and tag stock", Required: true}},
				PhotoRequired:     true,
				PhotoPrompt:       "Photograph the tagged stock",
				EscalationContact: "facilities-manager",
				EscalationMinutes: 5,
			},
			{
				StepNumber:  3,
				Title:       "Sign off",
				ActionItems: []ActionItem{{ID: "notify", Label: "Notify manager"}},
				NotePrompt:  "Summarize follow-up actions",
			},
		},
	}
}

// numberedTemplate builds n steps with no requirements.
func numberedTemplate(n int) *Template {
	tpl := &Template{ID: fmt.Sprintf("plain-%d", n), Version: "1.0.0", Title: "Plain", Severity: SeverityLow, Category: "drill"}
	for i := 1; i <= n; i++ {
		tpl.Steps = append(tpl.Steps, StepDefinition{StepNumber: i, Title: fmt.Sprintf("Step %d", i)})
	}
	return tpl
}

// dispositionTemplate has a food-evaluation step at step 2.
func dispositionTemplate() *Template {
	return &Template{
		ID:              "power-outage",
		Version:         "2.0.0",
		Title:           "Extended Power Outage",
		Severity:        SeverityCritical,
		Category:        "utilities",
		RegulatoryBasis: "21 CFR 117",
		Steps: []StepDefinition{
			{StepNumber: 1, Title: "Confirm outage scope"},
			{StepNumber: 2, Title: "Evaluate food", TriggersDisposition: true},
			{StepNumber: 3, Title: "Restore service"},
		},
	}
}

func startRunner(t *testing.T, tpl *Template) *Runner {
	t.Helper()
	r := Start(tpl, StartParams{ID: "inc-1", Location: "Store 42", InitiatedBy: "j.ortiz"}, WithClock(fixedClock()))
	require.NotNil(t, r)
	return r
}

func requireCode(t *testing.T, err error, code Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, CodeOf(err), "unexpected error: %v", err)
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
