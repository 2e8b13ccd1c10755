package emit

// Emitter receives observability events from run execution.
//
// Implementations must be safe for concurrent use, must not block the
// caller, and must swallow backend failures rather than panicking.
type Emitter interface {
	Emit(event Event)
}

// NullEmitter discards every event. The engine's default when no emitter
// is configured.
type NullEmitter struct{}

func (NullEmitter) Emit(Event) {}

// MultiEmitter fans events out to several backends.
type MultiEmitter struct {
	emitters []Emitter
}

func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
