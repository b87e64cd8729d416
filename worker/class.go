package worker

// Constructor builds the Application instance for one worker id once its
// owning broker has been decided.
type Constructor func(id string, attributes map[string]interface{}) Application

// AgentFactory builds a custom Agent wrapper for a class's remote handles,
// in place of the default NewAgent. Classes that don't need bespoke Agent
// behavior leave this nil.
type AgentFactory func(workerID string, broker BrokerHandle) *Agent

// Class describes one registered worker type: its name, default cluster,
// placement hints, and the constructor the broker calls on the winning
// peer once create has been resolved.
type Class struct {
	Name        string
	Cluster     string
	Static      bool
	Recoverable bool
	New         Constructor
	NewAgent    AgentFactory
}

// BuildAgent returns the class's custom Agent if one was declared,
// otherwise the default handle.
func (c Class) BuildAgent(workerID string, broker BrokerHandle) *Agent {
	if c.NewAgent != nil {
		return c.NewAgent(workerID, broker)
	}
	return NewAgent(workerID, broker)
}

// Registry is the broker's table of class constructors keyed by class
// name. Names may be supplied explicitly via Register, or default to the
// Class's own Name field.
type Registry struct {
	classes map[string]Class
}

// NewRegistry builds an empty class registry.
func NewRegistry() *Registry {
	return &Registry{classes: map[string]Class{}}
}

// Register adds class under name, or under class.Name if name is empty.
func (r *Registry) Register(name string, class Class) {
	if name == "" {
		name = class.Name
	}
	class.Name = name
	r.classes[name] = class
}

// Lookup returns the registered class for name, if any.
func (r *Registry) Lookup(name string) (Class, bool) {
	c, ok := r.classes[name]
	return c, ok
}
