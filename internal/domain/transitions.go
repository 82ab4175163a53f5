package domain

// Requirement is a payload precondition of a target state.
type Requirement string

const (
	RequireComment Requirement = "comment"
	RequirePlans   Requirement = "plans"
)

// Transition is one edge of the lifecycle graph together with the actor classes
// allowed to trigger it. The table is the single source of authorization rules.
type Transition struct {
	From   State
	To     State
	Actors []ActorClass
}

type edge struct {
	from State
	to   State
}

var reviewStates = []State{
	StatePending,
	StateInReview,
	StatePendingTechnicalApproval,
	StatePendingBusinessApproval,
}

var transitionTable = buildTransitions()

var transitionIndex = indexTransitions(transitionTable)

var targetRequirements = map[State][]Requirement{
	StateRejected:             {RequireComment},
	StateFailed:               {RequireComment},
	StateOnHold:               {RequireComment},
	StatePlansPendingApproval: {RequirePlans},
	StateReadyToImplement:     {RequirePlans},
}

func buildTransitions() []Transition {
	var table []Transition
	add := func(class ActorClass, from []State, to ...State) {
		for _, f := range from {
			for _, t := range to {
				table = append(table, Transition{From: f, To: t, Actors: []ActorClass{class}})
			}
		}
	}
	one := func(s State) []State { return []State{s} }

	add(ClassRequester, one(StateDraft), StatePending, StateCancelled)

	add(ClassAdmin, one(StatePending), StateInReview)
	add(ClassAdmin, one(StateInReview), StatePendingTechnicalApproval, StatePendingBusinessApproval)
	add(ClassAdmin, one(StatePendingTechnicalApproval), StatePendingBusinessApproval)
	add(ClassAdmin, reviewStates, StateApproved, StateRejected)
	add(ClassAdmin, one(StateOnHold), StatePending, StateInReview, StateApproved, StateInDevelopment, StateClosed)
	add(ClassAdmin, one(StatePlansPendingApproval), StateReadyToImplement, StateInDevelopment)
	add(ClassAdmin, []State{StateReadyToImplement, StateInTesting}, StateInDeployment)
	add(ClassAdmin, []State{StateInTesting, StateInDeployment}, StateCompleted)
	add(ClassAdmin, []State{StateInDevelopment, StateInTesting, StateInDeployment}, StateFailed)
	for _, info := range stateTable {
		if info.Terminal || info.State == StateDraft {
			continue
		}
		if info.State != StateOnHold {
			add(ClassAdmin, one(info.State), StateOnHold)
		}
		add(ClassAdmin, one(info.State), StateCancelled)
	}

	add(ClassDeveloper, one(StateApproved), StateInDevelopment)
	add(ClassDeveloper, one(StateInDevelopment), StateOnHold, StateInTesting, StatePlansPendingApproval)
	add(ClassDeveloper, one(StateOnHold), StateInDevelopment)
	add(ClassDeveloper, one(StateInTesting), StateInDevelopment)
	add(ClassDeveloper, one(StateReadyToImplement), StateInTesting, StateInDeployment)

	add(ClassSystem, []State{
		StateInDevelopment,
		StatePlansPendingApproval,
		StateReadyToImplement,
		StateInTesting,
		StateInDeployment,
	}, StateCompleted)

	return mergeTransitions(table)
}

// mergeTransitions folds duplicate edges into one entry carrying every actor class.
func mergeTransitions(table []Transition) []Transition {
	out := make([]Transition, 0, len(table))
	pos := make(map[edge]int, len(table))
	for _, t := range table {
		key := edge{t.From, t.To}
		if i, ok := pos[key]; ok {
			for _, a := range t.Actors {
				if !hasClass(out[i].Actors, a) {
					out[i].Actors = append(out[i].Actors, a)
				}
			}
			continue
		}
		pos[key] = len(out)
		out = append(out, Transition{From: t.From, To: t.To, Actors: append([]ActorClass(nil), t.Actors...)})
	}
	return out
}

func indexTransitions(table []Transition) map[edge]Transition {
	idx := make(map[edge]Transition, len(table))
	for _, t := range table {
		idx[edge{t.From, t.To}] = t
	}
	return idx
}

func hasClass(list []ActorClass, c ActorClass) bool {
	for _, existing := range list {
		if existing == c {
			return true
		}
	}
	return false
}

// Transitions returns a copy of the full edge table.
func Transitions() []Transition {
	out := make([]Transition, 0, len(transitionTable))
	for _, t := range transitionTable {
		t.Actors = append([]ActorClass(nil), t.Actors...)
		out = append(out, t)
	}
	return out
}

// AllowedActors returns the actor classes allowed on from→to, or nil if the edge does not exist.
func AllowedActors(from, to State) []ActorClass {
	t, ok := transitionIndex[edge{from, to}]
	if !ok {
		return nil
	}
	return append([]ActorClass(nil), t.Actors...)
}

// Authorized reports whether any of the given classes may trigger from→to.
func Authorized(from, to State, classes []ActorClass) bool {
	t, ok := transitionIndex[edge{from, to}]
	if !ok {
		return false
	}
	for _, c := range classes {
		if hasClass(t.Actors, c) {
			return true
		}
	}
	return false
}

// RequirementsFor returns the payload requirements for entering s.
func RequirementsFor(s State) []Requirement {
	return append([]Requirement(nil), targetRequirements[s]...)
}

// IsReviewState reports whether s awaits an administrator's response.
func IsReviewState(s State) bool {
	for _, r := range reviewStates {
		if r == s {
			return true
		}
	}
	return false
}

// IsResponse reports whether from→to is the administrator's response to a request.
func IsResponse(from, to State) bool {
	return IsReviewState(from) && (to == StateApproved || to == StateRejected)
}

// IsAssignable reports whether a developer assignment may exist while in s.
func IsAssignable(s State) bool {
	switch s {
	case StateApproved, StateInDevelopment, StatePlansPendingApproval, StateReadyToImplement,
		StateInTesting, StateInDeployment, StateOnHold:
		return true
	}
	return false
}
