package harness

import "strings"

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success. True if every expectation held.
	Pass bool `json:"pass"`

	// Frames are the raw frames the client sent, in order.
	Frames []string `json:"frames"`

	// Events are the lifecycle callbacks the engine fired, in order.
	Events []string `json:"events"`

	// Errors contains failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Frames: []string{},
		Events: []string{},
		Errors: []string{},
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Trace renders frames and events as the text stored in golden files.
func (r *Result) Trace() []byte {
	var buf strings.Builder
	buf.WriteString("# frames\n")
	for _, f := range r.Frames {
		buf.WriteString(f)
		buf.WriteByte('\n')
	}
	buf.WriteString("# events\n")
	for _, e := range r.Events {
		buf.WriteString(e)
		buf.WriteByte('\n')
	}
	return []byte(buf.String())
}
