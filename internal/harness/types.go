package harness

// TraceEvent records one executed step and its observable outcome. Events
// carry scenario-time data only (versions, counts, paths), never wall-clock
// timestamps or generated ids, so traces compare byte-for-byte across runs.
type TraceEvent struct {
	Step       string   `json:"step"`
	Predicate  string   `json:"predicate,omitempty"`
	Files      []string `json:"files,omitempty"`
	Version    int64    `json:"version,omitempty"`
	Error      string   `json:"error,omitempty"`
	LiveCount  int      `json:"live_count"`
	Candidates []string `json:"candidates,omitempty"`
	Deleted    []string `json:"deleted,omitempty"`
	Pruned     int      `json:"pruned,omitempty"`
}

// Result is the outcome of one scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace lists executed steps in order, setup first.
	Trace []TraceEvent `json:"trace"`

	// Errors lists expect and assertion failures. Empty when Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result to accumulate into.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddStep appends a step outcome to the trace.
func (r *Result) AddStep(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// AddError records a validation failure and marks the result failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}
