package domain

// State enumerates lifecycle states for change requests.
type State string

const (
	StateDraft                    State = "DRAFT"
	StatePending                  State = "PENDING"
	StateInReview                 State = "IN_REVIEW"
	StatePendingTechnicalApproval State = "PENDING_TECHNICAL_APPROVAL"
	StatePendingBusinessApproval  State = "PENDING_BUSINESS_APPROVAL"
	StateApproved                 State = "APPROVED"
	StateRejected                 State = "REJECTED"
	StateCancelled                State = "CANCELLED"
	StateInDevelopment            State = "IN_DEVELOPMENT"
	StatePlansPendingApproval     State = "PLANS_PENDING_APPROVAL"
	StateReadyToImplement         State = "READY_TO_IMPLEMENT"
	StateInTesting                State = "IN_TESTING"
	StateInDeployment             State = "IN_DEPLOYMENT"
	StateCompleted                State = "COMPLETED"
	StateFailed                   State = "FAILED"
	StateOnHold                   State = "ON_HOLD"
	StateClosed                   State = "CLOSED"
)

// Severity is the display color class for a state.
type Severity string

const (
	SeverityDefault Severity = "default"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeveritySuccess Severity = "success"
	SeverityDanger  Severity = "danger"
)

// StateInfo is one row of the state catalog.
type StateInfo struct {
	State        State
	Label        string
	Severity     Severity
	Progress     int
	Terminal     bool
	Predecessors []State
	Successors   []State
}

var stateTable = []StateInfo{
	{State: StateDraft, Label: "Draft", Severity: SeverityDefault, Progress: 0},
	{State: StatePending, Label: "Pending", Severity: SeverityWarning, Progress: 10},
	{State: StateInReview, Label: "In review", Severity: SeverityInfo, Progress: 20},
	{State: StatePendingTechnicalApproval, Label: "Pending technical approval", Severity: SeverityWarning, Progress: 25},
	{State: StatePendingBusinessApproval, Label: "Pending business approval", Severity: SeverityWarning, Progress: 30},
	{State: StateApproved, Label: "Approved", Severity: SeveritySuccess, Progress: 40},
	{State: StateInDevelopment, Label: "In development", Severity: SeverityInfo, Progress: 55},
	{State: StatePlansPendingApproval, Label: "Plans pending approval", Severity: SeverityWarning, Progress: 65},
	{State: StateReadyToImplement, Label: "Ready to implement", Severity: SeverityInfo, Progress: 75},
	{State: StateInTesting, Label: "In testing", Severity: SeverityInfo, Progress: 80},
	{State: StateInDeployment, Label: "In deployment", Severity: SeverityInfo, Progress: 90},
	{State: StateOnHold, Label: "On hold", Severity: SeverityWarning, Progress: 50},
	{State: StateCompleted, Label: "Completed", Severity: SeveritySuccess, Progress: 100, Terminal: true},
	{State: StateClosed, Label: "Closed", Severity: SeverityDefault, Progress: 100, Terminal: true},
	{State: StateRejected, Label: "Rejected", Severity: SeverityDanger, Progress: 100, Terminal: true},
	{State: StateCancelled, Label: "Cancelled", Severity: SeverityDefault, Progress: 100, Terminal: true},
	{State: StateFailed, Label: "Failed", Severity: SeverityDanger, Progress: 100, Terminal: true},
}

var stateIndex map[State]int

func init() {
	stateIndex = make(map[State]int, len(stateTable))
	for i := range stateTable {
		stateIndex[stateTable[i].State] = i
	}
	for _, t := range transitionTable {
		from := &stateTable[stateIndex[t.From]]
		to := &stateTable[stateIndex[t.To]]
		from.Successors = appendUnique(from.Successors, t.To)
		to.Predecessors = appendUnique(to.Predecessors, t.From)
	}
}

func appendUnique(list []State, s State) []State {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

// Valid reports whether s is a catalog state.
func (s State) Valid() bool {
	_, ok := stateIndex[s]
	return ok
}

// AllStates returns the states in catalog order.
func AllStates() []State {
	out := make([]State, 0, len(stateTable))
	for _, info := range stateTable {
		out = append(out, info.State)
	}
	return out
}

// Catalog returns a copy of the full state table.
func Catalog() []StateInfo {
	out := make([]StateInfo, 0, len(stateTable))
	for _, info := range stateTable {
		out = append(out, copyInfo(info))
	}
	return out
}

// Info returns the catalog row for s.
func Info(s State) (StateInfo, bool) {
	i, ok := stateIndex[s]
	if !ok {
		return StateInfo{}, false
	}
	return copyInfo(stateTable[i]), true
}

func copyInfo(info StateInfo) StateInfo {
	info.Predecessors = append([]State(nil), info.Predecessors...)
	info.Successors = append([]State(nil), info.Successors...)
	return info
}

// ProgressFor returns the 0..100 progress shown for s. Unknown states report 0.
func ProgressFor(s State) int {
	if i, ok := stateIndex[s]; ok {
		return stateTable[i].Progress
	}
	return 0
}

// IsTerminal reports whether no transition may leave s.
func IsTerminal(s State) bool {
	if i, ok := stateIndex[s]; ok {
		return stateTable[i].Terminal
	}
	return false
}

// LegalPredecessors returns the states that may transition into s.
func LegalPredecessors(s State) []State {
	if i, ok := stateIndex[s]; ok {
		return append([]State(nil), stateTable[i].Predecessors...)
	}
	return nil
}

// LegalSuccessors returns the states reachable from s in one transition.
func LegalSuccessors(s State) []State {
	if i, ok := stateIndex[s]; ok {
		return append([]State(nil), stateTable[i].Successors...)
	}
	return nil
}

// IsLegalEdge reports whether from→to exists in the lifecycle graph.
func IsLegalEdge(from, to State) bool {
	_, ok := transitionIndex[edge{from, to}]
	return ok
}
