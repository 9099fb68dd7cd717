// Package entity describes the open set of event-like entity kinds the sync
// engine can operate on: the two built-in kinds plus any number of generic
// activity kinds configured by the tenant.
package entity

const (
	KindMeeting = "Meeting"
	KindCall    = "Call"
)

// Kind describes one event-like entity kind. Built-in kinds carry attendee
// link tables and embed their calendar linkage directly on the entity table;
// generic kinds use the shared linkage table.
type Kind struct {
	Name       string
	Table      string
	Builtin    bool
	NameMaxLen int
}

// ACL gates sync work per user. The default allows everything; deployments
// plug in the CRM's permission layer.
type ACL interface {
	// CanSyncCalendar gates the sync feature as a whole.
	CanSyncCalendar(userID string) bool
	// CanReadKind gates one entity kind for one user.
	CanReadKind(userID, kind string) bool
}

// AllowAll is the permissive ACL.
type AllowAll struct{}

func (AllowAll) CanSyncCalendar(string) bool     { return true }
func (AllowAll) CanReadKind(string, string) bool { return true }

// Registry maps entity kind names to their descriptors. Kinds are resolved
// at startup from configuration; the engine never branches on hardcoded
// type names beyond the built-in pair.
type Registry struct {
	kinds map[string]*Kind
	order []string
}

// NewRegistry seeds the two built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]*Kind)}
	r.Register(&Kind{Name: KindMeeting, Table: "meeting", Builtin: true, NameMaxLen: 255})
	r.Register(&Kind{Name: KindCall, Table: "call", Builtin: true, NameMaxLen: 255})
	return r
}

// Register adds or replaces a kind descriptor.
func (r *Registry) Register(k *Kind) {
	if _, exists := r.kinds[k.Name]; !exists {
		r.order = append(r.order, k.Name)
	}
	r.kinds[k.Name] = k
}

// Kind returns the descriptor for a kind name.
func (r *Registry) Kind(name string) (*Kind, bool) {
	k, ok := r.kinds[name]
	return k, ok
}

// IsBuiltin reports whether the named kind is one of the two built-in event
// kinds. Attendee sync applies only to these.
func (r *Registry) IsBuiltin(name string) bool {
	k, ok := r.kinds[name]
	return ok && k.Builtin
}

// Names returns all registered kind names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
