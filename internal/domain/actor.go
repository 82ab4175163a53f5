package domain

// SystemActorID identifies automated writes performed by the synchronization poller.
const SystemActorID = "system"

// Actor is the caller of a workflow operation.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor returns the actor used for automated transitions.
func SystemActor() Actor {
	return Actor{ID: SystemActorID, Role: RoleSystem}
}

// IsAdmin reports administrator or master privilege.
func (a Actor) IsAdmin() bool {
	return a.Role.IsAdmin()
}

// IsSystem reports whether the actor is the synchronization process.
func (a Actor) IsSystem() bool {
	return a.Role == RoleSystem
}

// ActorClass is the relationship between an actor and a specific request.
type ActorClass string

const (
	ClassRequester ActorClass = "REQUESTER"
	ClassAdmin     ActorClass = "ADMIN"
	ClassDeveloper ActorClass = "DEVELOPER"
	ClassSystem    ActorClass = "SYSTEM"
)

// ClassesFor returns every class the actor holds with respect to the request.
// An administrator who also authored the request is both ADMIN and REQUESTER.
func ClassesFor(actor Actor, req *ChangeRequest) []ActorClass {
	if req == nil || actor.ID == "" {
		return nil
	}
	var classes []ActorClass
	if actor.IsSystem() {
		return []ActorClass{ClassSystem}
	}
	if req.RequesterID == actor.ID {
		classes = append(classes, ClassRequester)
	}
	if actor.IsAdmin() {
		classes = append(classes, ClassAdmin)
	}
	if req.AssignedDeveloperID != nil && *req.AssignedDeveloperID == actor.ID && actor.Role.CanDevelop() {
		classes = append(classes, ClassDeveloper)
	}
	return classes
}

// CanView reports whether the actor may see the request at all.
// Drafts are private to their requester.
func CanView(actor Actor, req *ChangeRequest) bool {
	if req == nil {
		return false
	}
	if req.State == StateDraft {
		return req.RequesterID == actor.ID
	}
	return len(ClassesFor(actor, req)) > 0
}
