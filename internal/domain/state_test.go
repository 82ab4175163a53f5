package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogCoversEveryState(t *testing.T) {
	states := AllStates()
	require.Len(t, states, 17)
	for _, s := range states {
		info, ok := Info(s)
		require.True(t, ok, s)
		assert.NotEmpty(t, info.Label, s)
		assert.GreaterOrEqual(t, info.Progress, 0)
		assert.LessOrEqual(t, info.Progress, 100)
	}
}

func TestProgressFor(t *testing.T) {
	assert.Equal(t, 0, ProgressFor(StateDraft))
	assert.Equal(t, 40, ProgressFor(StateApproved))
	assert.Equal(t, 100, ProgressFor(StateCompleted))
	assert.Equal(t, 0, ProgressFor(State("UNKNOWN")))
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	terminal := []State{StateCompleted, StateRejected, StateCancelled, StateFailed, StateClosed}
	for _, s := range terminal {
		assert.True(t, IsTerminal(s), s)
		assert.Empty(t, LegalSuccessors(s), s)
	}
	assert.False(t, IsTerminal(StateOnHold))
	assert.False(t, IsTerminal(StateDraft))
}

func TestPredecessorsMirrorSuccessors(t *testing.T) {
	for _, from := range AllStates() {
		for _, to := range LegalSuccessors(from) {
			assert.Contains(t, LegalPredecessors(to), from, "%s -> %s", from, to)
			assert.True(t, IsLegalEdge(from, to))
		}
	}
}

func TestDraftOnlyReachesPendingOrCancelled(t *testing.T) {
	assert.ElementsMatch(t, []State{StatePending, StateCancelled}, LegalSuccessors(StateDraft))
	assert.Empty(t, LegalPredecessors(StateDraft))
}

func TestAuthorizationTable(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		classes []ActorClass
		want    bool
	}{
		{"requester submits draft", StateDraft, StatePending, []ActorClass{ClassRequester}, true},
		{"admin cannot submit draft", StateDraft, StatePending, []ActorClass{ClassAdmin}, false},
		{"admin approves pending", StatePending, StateApproved, []ActorClass{ClassAdmin}, true},
		{"developer cannot approve", StatePending, StateApproved, []ActorClass{ClassDeveloper}, false},
		{"developer starts work", StateApproved, StateInDevelopment, []ActorClass{ClassDeveloper}, true},
		{"developer pauses", StateInDevelopment, StateOnHold, []ActorClass{ClassDeveloper}, true},
		{"developer resumes", StateOnHold, StateInDevelopment, []ActorClass{ClassDeveloper}, true},
		{"admin holds review", StateInReview, StateOnHold, []ActorClass{ClassAdmin}, true},
		{"admin cancels deployment", StateInDeployment, StateCancelled, []ActorClass{ClassAdmin}, true},
		{"system completes testing", StateInTesting, StateCompleted, []ActorClass{ClassSystem}, true},
		{"system cannot approve", StatePending, StateApproved, []ActorClass{ClassSystem}, false},
		{"missing edge", StatePending, StateCompleted, []ActorClass{ClassAdmin}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Authorized(tt.from, tt.to, tt.classes))
		})
	}
}

func TestIsResponse(t *testing.T) {
	assert.True(t, IsResponse(StatePending, StateApproved))
	assert.True(t, IsResponse(StateInReview, StateRejected))
	assert.False(t, IsResponse(StatePending, StateInReview))
	assert.False(t, IsResponse(StateApproved, StateInDevelopment))
}

func TestRequirements(t *testing.T) {
	assert.Equal(t, []Requirement{RequireComment}, RequirementsFor(StateRejected))
	assert.Equal(t, []Requirement{RequirePlans}, RequirementsFor(StateReadyToImplement))
	assert.Empty(t, RequirementsFor(StateApproved))
}

func TestPlansMissingRequired(t *testing.T) {
	assert.Equal(t, []string{"rollout_plan", "backout_plan", "testing_plan"}, Plans{}.MissingRequired())
	assert.Empty(t, Plans{Rollout: "r", Backout: "b", Testing: "t"}.MissingRequired())
	assert.Equal(t, []string{"testing_plan"}, Plans{Rollout: "r", Backout: "b", Testing: "  "}.MissingRequired())
}

func TestClassesFor(t *testing.T) {
	dev := "dev-1"
	req := &ChangeRequest{RequesterID: "u-1", AssignedDeveloperID: &dev, State: StateApproved}

	assert.Equal(t, []ActorClass{ClassRequester}, ClassesFor(Actor{ID: "u-1", Role: RoleUser}, req))
	assert.Equal(t, []ActorClass{ClassAdmin}, ClassesFor(Actor{ID: "a-1", Role: RoleAdministrator}, req))
	assert.Equal(t, []ActorClass{ClassDeveloper}, ClassesFor(Actor{ID: dev, Role: RoleDeveloper}, req))
	assert.Equal(t, []ActorClass{ClassSystem}, ClassesFor(SystemActor(), req))
	assert.Empty(t, ClassesFor(Actor{ID: "u-2", Role: RoleUser}, req))
}

func TestDraftVisibility(t *testing.T) {
	req := &ChangeRequest{RequesterID: "u-1", State: StateDraft}
	assert.True(t, CanView(Actor{ID: "u-1", Role: RoleUser}, req))
	assert.False(t, CanView(Actor{ID: "a-1", Role: RoleAdministrator}, req))
}

func TestCanReadChannel(t *testing.T) {
	req := &ChangeRequest{RequesterID: "u-1", State: StatePending}
	requester := Actor{ID: "u-1", Role: RoleUser}
	admin := Actor{ID: "a-1", Role: RoleMaster}

	assert.True(t, CanReadChannel(requester, req, ChannelPublic))
	assert.False(t, CanReadChannel(requester, req, ChannelInternal))
	assert.True(t, CanReadChannel(admin, req, ChannelInternal))
	assert.True(t, CanReadChannel(admin, req, ChannelPlanApproval))
}

func TestCloneDoesNotAlias(t *testing.T) {
	dev := "dev-1"
	n := 7
	req := &ChangeRequest{AssignedDeveloperID: &dev, SourceControl: SourceControlLink{PRNumber: &n}}
	c := req.Clone()
	*c.AssignedDeveloperID = "other"
	*c.SourceControl.PRNumber = 9
	assert.Equal(t, "dev-1", *req.AssignedDeveloperID)
	assert.Equal(t, 7, *req.SourceControl.PRNumber)
}
