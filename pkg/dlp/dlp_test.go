package dlp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScanner(t *testing.T, rules []Rule) *Scanner {
	t.Helper()
	s, err := NewScanner(rules)
	require.NoError(t, err)
	return s
}

func TestBlockRule(t *testing.T) {
	s := newScanner(t, []Rule{
		{Name: "ssn", Pattern: `\d{3}-\d{2}-\d{4}`, Action: ActionBlock},
	})

	res := s.Scan(map[string]any{"text": "my ssn is 123-45-6789"})
	assert.True(t, res.Blocked)
	assert.Equal(t, "ssn", res.BlockedBy)

	res = s.Scan(map[string]any{"text": "nothing here"})
	assert.False(t, res.Blocked)
	assert.Empty(t, res.Violations)
}

func TestRedactRewritesCopyNotInput(t *testing.T) {
	s := newScanner(t, []Rule{
		{Name: "email", Pattern: `[\w.+-]+@[\w-]+\.[\w.]+`, Action: ActionRedact},
	})

	args := map[string]any{"to": "alice@example.com", "subject": "hi"}
	res := s.Scan(args)

	require.False(t, res.Blocked)
	assert.Equal(t, "[REDACTED]", res.Arguments["to"])
	assert.Equal(t, "hi", res.Arguments["subject"])
	assert.Equal(t, "alice@example.com", args["to"], "input must stay untouched")
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "to", res.Violations[0].Field)
}

func TestAlertProceedsUnchanged(t *testing.T) {
	s := newScanner(t, []Rule{
		{Name: "internal-host", Pattern: `\.corp\.internal`, Action: ActionAlert},
	})

	res := s.Scan(map[string]any{"url": "https://db.corp.internal/x"})
	assert.False(t, res.Blocked)
	assert.Equal(t, "https://db.corp.internal/x", res.Arguments["url"])
	require.Len(t, res.Violations, 1)
	assert.Equal(t, ActionAlert, res.Violations[0].Action)
}

func TestNestedArguments(t *testing.T) {
	s := newScanner(t, []Rule{
		{Name: "key", Pattern: `sk-[a-z0-9]{8,}`, Action: ActionRedact},
	})

	res := s.Scan(map[string]any{
		"headers": map[string]any{"authorization": "Bearer sk-abcdef123456"},
		"parts":   []any{"plain", "sk-deadbeef99"},
		"count":   3,
	})
	require.False(t, res.Blocked)
	headers := res.Arguments["headers"].(map[string]any)
	assert.Equal(t, "Bearer [REDACTED]", headers["authorization"])
	parts := res.Arguments["parts"].([]any)
	assert.Equal(t, "[REDACTED]", parts[1])
	assert.Equal(t, 3, res.Arguments["count"])
	assert.Len(t, res.Violations, 2)
}

func TestBlockWinsOverRedact(t *testing.T) {
	s := newScanner(t, []Rule{
		{Name: "redact-first", Pattern: `secret`, Action: ActionRedact},
		{Name: "hard-block", Pattern: `secret`, Action: ActionBlock},
	})

	res := s.Scan(map[string]any{"text": "a secret"})
	assert.True(t, res.Blocked)
	assert.Equal(t, "hard-block", res.BlockedBy)
}

func TestInvalidRulesRejected(t *testing.T) {
	_, err := NewScanner([]Rule{{Name: "bad-re", Pattern: "(", Action: ActionBlock}})
	assert.Error(t, err)

	_, err = NewScanner([]Rule{{Name: "no-pattern", Action: ActionBlock}})
	assert.Error(t, err)

	_, err = NewScanner([]Rule{{Name: "bad-action", Pattern: "x", Action: "drop"}})
	assert.Error(t, err)
}
