// Package emit provides pluggable observability for workflow executions.
package emit

// Emitter receives observability events.
//
// Implementations must be safe for concurrent use: the engine emits from
// every background execution at once. Emit must not block for long and must
// not panic.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans each event out to several emitters in order.
type MultiEmitter []Emitter

// Emit forwards event to every non-nil emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
