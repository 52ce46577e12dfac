package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
)

// newTestEnv registers every activity under its production name so the
// name-based OnActivity mocks below resolve; the registered methods are
// never executed, each test mocks the ones its path reaches.
func newTestEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	a := &Activities{}
	env.RegisterActivityWithOptions(a.PickAndAssignActivity, activity.RegisterOptions{Name: PickAndAssignActivityName})
	env.RegisterActivityWithOptions(a.SubmitToAgentActivity, activity.RegisterOptions{Name: SubmitToAgentActivityName})
	env.RegisterActivityWithOptions(a.MarkRunningActivity, activity.RegisterOptions{Name: MarkRunningActivityName})
	env.RegisterActivityWithOptions(a.CompleteActivity, activity.RegisterOptions{Name: CompleteActivityName})
	env.RegisterActivityWithOptions(a.FailActivity, activity.RegisterOptions{Name: FailActivityName})
	env.RegisterActivityWithOptions(a.RequeueActivity, activity.RegisterOptions{Name: RequeueActivityName})
	env.RegisterActivityWithOptions(a.NotifyCancelActivity, activity.RegisterOptions{Name: NotifyCancelActivityName})
	env.RegisterActivityWithOptions(a.CancelActivity, activity.RegisterOptions{Name: CancelActivityName})
	return env
}

func TestComputeBackoff(t *testing.T) {
	base, capDur, floor := 2*time.Minute, 128*time.Minute, 5*time.Minute

	// First failure: floor plus the undoubled base.
	assert.Equal(t, 7*time.Minute, computeBackoff(base, capDur, floor, 0))
	assert.Equal(t, 9*time.Minute, computeBackoff(base, capDur, floor, 1))
	assert.Equal(t, 13*time.Minute, computeBackoff(base, capDur, floor, 2))
	assert.Equal(t, 21*time.Minute, computeBackoff(base, capDur, floor, 3))

	// The exponential term caps; the floor is always added on top.
	assert.Equal(t, floor+capDur, computeBackoff(base, capDur, floor, 50))
}

func testInput() Input {
	return Input{
		JobID:             "job-1",
		Kind:              "http_client",
		Priority:          "normal",
		MaxRetries:        3,
		RetryBackoffBase:  2 * time.Minute,
		RetryBackoffCap:   128 * time.Minute,
		RetryBackoffFloor: 5 * time.Minute,
		JobTimeout:        30 * time.Minute,
	}
}

func TestCrawlJobWorkflow_HappyPath(t *testing.T) {
	env := newTestEnv(t)

	env.OnActivity(PickAndAssignActivityName, mock.Anything, mock.Anything).
		Return(AssignOutput{AgentID: "agent-1"}, nil).Once()
	env.OnActivity(SubmitToAgentActivityName, mock.Anything, mock.Anything).Return(nil).Once()
	env.OnActivity(CompleteActivityName, mock.Anything, mock.Anything).Return(nil).Once()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalTerminal, TerminalSignal{Seq: 1, Success: true})
	}, time.Millisecond)

	env.ExecuteWorkflow(CrawlJobWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestCrawlJobWorkflow_AgentLostThenRetrySucceeds(t *testing.T) {
	env := newTestEnv(t)

	env.OnActivity(PickAndAssignActivityName, mock.Anything, mock.Anything).
		Return(AssignOutput{AgentID: "agent-1"}, nil).Once()
	env.OnActivity(SubmitToAgentActivityName, mock.Anything, mock.Anything).Return(nil).Once()
	env.OnActivity(FailActivityName, mock.Anything, mock.MatchedBy(func(in FailInput) bool {
		return in.WillRetry
	})).Return(nil).Once()
	env.OnActivity(RequeueActivityName, mock.Anything, mock.Anything).Return(nil).Once()

	env.OnActivity(PickAndAssignActivityName, mock.Anything, mock.Anything).
		Return(AssignOutput{AgentID: "agent-2"}, nil).Once()
	env.OnActivity(SubmitToAgentActivityName, mock.Anything, mock.Anything).Return(nil).Once()
	env.OnActivity(CompleteActivityName, mock.Anything, mock.Anything).Return(nil).Once()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalAgentLost, AgentLostSignal{})
	}, time.Millisecond)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalTerminal, TerminalSignal{Seq: 1, Success: true})
	}, 8*time.Minute)

	env.ExecuteWorkflow(CrawlJobWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestCrawlJobWorkflow_CancelWhileRunning(t *testing.T) {
	env := newTestEnv(t)

	env.OnActivity(PickAndAssignActivityName, mock.Anything, mock.Anything).
		Return(AssignOutput{AgentID: "agent-1"}, nil).Once()
	env.OnActivity(SubmitToAgentActivityName, mock.Anything, mock.Anything).Return(nil).Once()
	env.OnActivity(NotifyCancelActivityName, mock.Anything, mock.Anything).Return(nil).Once()
	env.OnActivity(CancelActivityName, mock.Anything, mock.Anything).Return(nil).Once()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalCancel, CancelSignal{})
	}, time.Millisecond)

	env.ExecuteWorkflow(CrawlJobWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestCrawlJobWorkflow_SubmissionRefusedExhaustsRetries(t *testing.T) {
	env := newTestEnv(t)

	in := testInput()
	in.MaxRetries = 0

	env.OnActivity(PickAndAssignActivityName, mock.Anything, mock.Anything).
		Return(AssignOutput{AgentID: "agent-1"}, nil).Once()
	env.OnActivity(SubmitToAgentActivityName, mock.Anything, mock.Anything).
		Return(assert.AnError).Once()
	env.OnActivity(FailActivityName, mock.Anything, mock.MatchedBy(func(in FailInput) bool {
		return !in.WillRetry
	})).Return(nil).Once()

	env.ExecuteWorkflow(CrawlJobWorkflow, in)

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}
