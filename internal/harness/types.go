package harness

// Trace event types.
const (
	EventMount   = "mount"
	EventStep    = "step"
	EventRequest = "request"
	EventCycle   = "cycle"
	EventNotify  = "notify"
	EventDismiss = "dismiss"
	EventRender  = "render"
	EventState   = "state"
)

// TraceEvent is one entry of a scenario trace.
type TraceEvent struct {
	Step   int            `json:"step"`
	Type   string         `json:"type"`
	Engine string         `json:"engine,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// canonicalMap flattens the event for canonical JSON serialization: the
// detail fields sit next to step, type and engine.
func (e TraceEvent) canonicalMap() map[string]any {
	m := make(map[string]any, len(e.Detail)+3)
	for k, v := range e.Detail {
		m[k] = v
	}
	m["step"] = e.Step
	m["type"] = e.Type
	if e.Engine != "" {
		m["engine"] = e.Engine
	}
	return m
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every expect step and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains all events in step order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends an event to the trace.
func (r *Result) AddEvent(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}
