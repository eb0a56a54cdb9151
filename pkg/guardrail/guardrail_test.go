package guardrail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputPattern(t *testing.T) {
	e, err := NewEngine([]Rule{
		{Name: "no-secrets", Type: RuleOutputPattern, Pattern: `(?i)api[_-]?key`, Action: ActionPauseSession},
	}, nil)
	require.NoError(t, err)

	violations := e.Evaluate(StepInfo{SessionID: "s-1", Output: "here is the API_KEY you asked for"})
	require.Len(t, violations, 1)
	assert.Equal(t, "no-secrets", violations[0].Rule)
	assert.Equal(t, ActionPauseSession, violations[0].Action)
	assert.Equal(t, "guardrail:no-secrets", violations[0].Reason())

	assert.Empty(t, e.Evaluate(StepInfo{SessionID: "s-1", Output: "nothing sensitive"}))
}

func TestInvalidPatternRejected(t *testing.T) {
	_, err := NewEngine([]Rule{{Name: "bad", Type: RuleOutputPattern, Pattern: "("}}, nil)
	assert.Error(t, err)

	_, err = NewEngine([]Rule{{Name: "empty", Type: RuleOutputPattern}}, nil)
	assert.Error(t, err)
}

func TestCostSpike(t *testing.T) {
	e, err := NewEngine([]Rule{
		{Name: "spike", Type: RuleCostSpike, Multiplier: 3, WindowSteps: 5, Action: ActionAlert},
	}, nil)
	require.NoError(t, err)

	// Build a baseline around 1.0.
	for range 5 {
		assert.Empty(t, e.Evaluate(StepInfo{SessionID: "s-1", StepCost: 1.0}))
	}

	violations := e.Evaluate(StepInfo{SessionID: "s-1", StepCost: 5.0})
	require.Len(t, violations, 1)
	assert.Equal(t, "spike", violations[0].Rule)

	// Another session has its own baseline; its first step never trips.
	assert.Empty(t, e.Evaluate(StepInfo{SessionID: "s-2", StepCost: 100}))
}

func TestFrequency(t *testing.T) {
	e, err := NewEngine([]Rule{
		{Name: "runaway", Type: RuleFrequency, MaxSteps: 3, Window: time.Minute, Action: ActionStopAgent},
	}, nil)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		assert.Empty(t, e.Evaluate(StepInfo{SessionID: "s-1", At: base.Add(time.Duration(i) * time.Second)}))
	}
	violations := e.Evaluate(StepInfo{SessionID: "s-1", At: base.Add(3 * time.Second)})
	require.Len(t, violations, 1)
	assert.Equal(t, ActionStopAgent, violations[0].Action)

	// Outside the window the counter drains.
	assert.Empty(t, e.Evaluate(StepInfo{SessionID: "s-1", At: base.Add(2 * time.Minute)}))
}

func TestOffDuty(t *testing.T) {
	e, err := NewEngine([]Rule{
		{Name: "office-hours", Type: RuleOffDuty, StartHour: 9, EndHour: 17, Action: ActionPauseSession},
	}, nil)
	require.NoError(t, err)

	at := func(hour int) time.Time { return time.Date(2026, 1, 1, hour, 30, 0, 0, time.UTC) }

	assert.Empty(t, e.Evaluate(StepInfo{SessionID: "s-1", At: at(10)}))
	assert.Len(t, e.Evaluate(StepInfo{SessionID: "s-1", At: at(3)}), 1)
	assert.Len(t, e.Evaluate(StepInfo{SessionID: "s-1", At: at(17)}), 1)
}

func TestOffDutyWrapsMidnight(t *testing.T) {
	e, err := NewEngine([]Rule{
		{Name: "night-shift", Type: RuleOffDuty, StartHour: 22, EndHour: 6, Action: ActionLog},
	}, nil)
	require.NoError(t, err)

	at := func(hour int) time.Time { return time.Date(2026, 1, 1, hour, 0, 0, 0, time.UTC) }
	assert.Empty(t, e.Evaluate(StepInfo{SessionID: "s-1", At: at(23)}))
	assert.Empty(t, e.Evaluate(StepInfo{SessionID: "s-1", At: at(2)}))
	assert.Len(t, e.Evaluate(StepInfo{SessionID: "s-1", At: at(12)}), 1)
}

type testAlerter struct {
	got []Violation
}

func (a *testAlerter) GuardrailAlert(_ string, v Violation) { a.got = append(a.got, v) }

func TestSeverityOrderingAndAlerts(t *testing.T) {
	alerter := &testAlerter{}
	e, err := NewEngine([]Rule{
		{Name: "notice", Type: RuleOutputPattern, Pattern: "danger", Action: ActionAlert},
		{Name: "halt", Type: RuleOutputPattern, Pattern: "danger", Action: ActionStopAgent},
	}, alerter)
	require.NoError(t, err)

	violations := e.Evaluate(StepInfo{SessionID: "s-1", Output: "danger"})
	require.Len(t, violations, 2)
	assert.Equal(t, ActionStopAgent, violations[0].Action, "most severe first")
	require.Len(t, alerter.got, 1)
	assert.Equal(t, "notice", alerter.got[0].Rule)
}

func TestForgetDropsWindow(t *testing.T) {
	e, err := NewEngine([]Rule{
		{Name: "spike", Type: RuleCostSpike, Multiplier: 2, Action: ActionAlert},
	}, nil)
	require.NoError(t, err)

	e.Evaluate(StepInfo{SessionID: "s-1", StepCost: 1})
	e.Forget("s-1")
	// Fresh window: no baseline, no trip.
	assert.Empty(t, e.Evaluate(StepInfo{SessionID: "s-1", StepCost: 100}))
}
