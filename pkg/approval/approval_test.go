package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/strand/pkg/model"
)

func testCall() model.ToolCall {
	return model.ToolCall{ID: "c1", Name: "execute_command", Arguments: map[string]any{"command": "rm -rf /tmp/x"}}
}

func receive(t *testing.T, waiter <-chan Resolution) Resolution {
	t.Helper()
	select {
	case res := <-waiter:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no resolution received")
		return Resolution{}
	}
}

func TestAnyPolicyResolvesOnFirstResponse(t *testing.T) {
	m := NewManager()

	req, waiter, err := m.Create("s-1", "a-1", testCall(), Spec{
		Approvers: []string{"alice", "bob"},
		Policy:    PolicyAny,
		Timeout:   time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, m.Respond(req.ID, "bob", true, "looks fine"))
	res := receive(t, waiter)
	assert.True(t, res.Approved)
	assert.Equal(t, "approved", res.Reason)
	assert.Equal(t, "looks fine", res.Comment)

	// Resolved requests disappear from the registry.
	_, err = m.Get(req.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	err = m.Respond(req.ID, "alice", true, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllPolicy(t *testing.T) {
	m := NewManager()

	req, waiter, err := m.Create("s-1", "a-1", testCall(), Spec{
		Approvers: []string{"alice", "bob"},
		Policy:    PolicyAll,
		Timeout:   time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, m.Respond(req.ID, "alice", true, ""))
	select {
	case <-waiter:
		t.Fatal("must not resolve before all approvers answered")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Respond(req.ID, "bob", true, ""))
	assert.True(t, receive(t, waiter).Approved)
}

func TestAllPolicyAnyRejectRejects(t *testing.T) {
	m := NewManager()

	req, waiter, err := m.Create("s-1", "a-1", testCall(), Spec{
		Approvers: []string{"alice", "bob", "carol"},
		Policy:    PolicyAll,
		Timeout:   time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, m.Respond(req.ID, "bob", false, "too risky"))
	res := receive(t, waiter)
	assert.False(t, res.Approved)
	assert.Equal(t, "rejected", res.Reason)
}

func TestChainPolicyEnforcesOrder(t *testing.T) {
	m := NewManager()

	req, waiter, err := m.Create("s-1", "a-1", testCall(), Spec{
		Approvers: []string{"lead", "manager"},
		Policy:    PolicyChain,
		Timeout:   time.Minute,
	})
	require.NoError(t, err)

	err = m.Respond(req.ID, "manager", true, "")
	assert.ErrorIs(t, err, ErrNotYourTurn)

	require.NoError(t, m.Respond(req.ID, "lead", true, ""))
	require.NoError(t, m.Respond(req.ID, "manager", true, ""))
	assert.True(t, receive(t, waiter).Approved)
}

func TestDeadlineAutoRejectsExactlyOnce(t *testing.T) {
	m := NewManager()

	req, waiter, err := m.Create("s-1", "a-1", testCall(), Spec{
		Approvers: []string{"alice"},
		Policy:    PolicyAny,
		Timeout:   30 * time.Millisecond,
	})
	require.NoError(t, err)

	res := receive(t, waiter)
	assert.False(t, res.Approved)
	assert.Equal(t, "expired", res.Reason)

	select {
	case extra, ok := <-waiter:
		if ok {
			t.Fatalf("second resolution delivered: %+v", extra)
		}
	case <-time.After(100 * time.Millisecond):
	}
	_ = req
}

func TestDeadlineEscalatesThenResolves(t *testing.T) {
	m := NewManager()

	req, waiter, err := m.Create("s-1", "a-1", testCall(), Spec{
		Approvers:  []string{"alice"},
		Policy:     PolicyAny,
		Timeout:    30 * time.Millisecond,
		EscalateTo: []string{"oncall"},
	})
	require.NoError(t, err)

	// After expiry the original approver is replaced, not augmented.
	require.Eventually(t, func() bool {
		got, err := m.Get(req.ID)
		return err == nil && len(got.Approvers) == 1 && got.Approvers[0] == "oncall"
	}, time.Second, 5*time.Millisecond)

	err = m.Respond(req.ID, "alice", true, "")
	assert.ErrorIs(t, err, ErrNotAnApprover)

	require.NoError(t, m.Respond(req.ID, "oncall", true, ""))
	assert.True(t, receive(t, waiter).Approved)
}

func TestEscalationExpiresOnlyOnce(t *testing.T) {
	m := NewManager()

	_, waiter, err := m.Create("s-1", "a-1", testCall(), Spec{
		Approvers:  []string{"alice"},
		Policy:     PolicyAny,
		Timeout:    20 * time.Millisecond,
		EscalateTo: []string{"oncall"},
	})
	require.NoError(t, err)

	// First expiry escalates; the second auto-rejects.
	res := receive(t, waiter)
	assert.False(t, res.Approved)
	assert.Equal(t, "expired", res.Reason)
}

func TestRespondValidation(t *testing.T) {
	m := NewManager()

	req, _, err := m.Create("s-1", "a-1", testCall(), Spec{
		Approvers: []string{"alice", "bob"},
		Policy:    PolicyAll,
		Timeout:   time.Minute,
	})
	require.NoError(t, err)

	err = m.Respond(req.ID, "mallory", true, "")
	assert.ErrorIs(t, err, ErrNotAnApprover)

	require.NoError(t, m.Respond(req.ID, "alice", true, ""))
	err = m.Respond(req.ID, "alice", true, "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestPendingAndCancel(t *testing.T) {
	m := NewManager()

	first, waiter, err := m.Create("s-1", "a-1", testCall(), Spec{Approvers: []string{"a"}, Timeout: time.Minute})
	require.NoError(t, err)
	_, _, err = m.Create("s-2", "a-1", testCall(), Spec{Approvers: []string{"a"}, Timeout: time.Minute})
	require.NoError(t, err)

	assert.Len(t, m.Pending(""), 2)
	assert.Len(t, m.Pending("s-1"), 1)

	m.Cancel(first.ID, "session_cancelled")
	res := receive(t, waiter)
	assert.False(t, res.Approved)
	assert.Equal(t, "session_cancelled", res.Reason)
	assert.Len(t, m.Pending(""), 1)
}

func TestWaitHonorsContext(t *testing.T) {
	m := NewManager()
	_, waiter, err := m.Create("s-1", "a-1", testCall(), Spec{Approvers: []string{"a"}, Timeout: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Wait(ctx, waiter)
	assert.ErrorIs(t, err, context.Canceled)
}
