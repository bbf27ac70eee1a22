package coral

import "strings"

// Span locates a region of shell source text. Spans only have meaning to
// the host's parser; plugins treat them as opaque positions to attach
// labels to.
type Span struct {
	Start int `cbor:"start" json:"start"`
	End   int `cbor:"end" json:"end"`
}

// ErrorLabel attaches a message to a span of source text.
type ErrorLabel struct {
	Text string `cbor:"text" json:"text"`
	Span *Span  `cbor:"span,omitempty" json:"span,omitempty"`
}

// LabeledError is the error payload that crosses the plugin boundary in
// both directions. A plugin's reported failure is carried to the original
// caller unchanged.
type LabeledError struct {
	Msg    string         `cbor:"msg" json:"msg"`
	Labels []ErrorLabel   `cbor:"labels,omitempty" json:"labels,omitempty"`
	Code   string         `cbor:"code,omitempty" json:"code,omitempty"`
	Help   string         `cbor:"help,omitempty" json:"help,omitempty"`
	Inner  []LabeledError `cbor:"inner,omitempty" json:"inner,omitempty"`
}

func (e *LabeledError) Error() string {
	if len(e.Labels) == 0 {
		return e.Msg
	}
	parts := make([]string, 0, len(e.Labels))
	for _, l := range e.Labels {
		if l.Text != "" {
			parts = append(parts, l.Text)
		}
	}
	if len(parts) == 0 {
		return e.Msg
	}
	return e.Msg + ": " + strings.Join(parts, "; ")
}

// NewLabeledError creates a LabeledError with just a message.
func NewLabeledError(msg string) *LabeledError {
	return &LabeledError{Msg: msg}
}

// WithLabel appends a labeled span and returns the error for chaining.
func (e *LabeledError) WithLabel(text string, span *Span) *LabeledError {
	e.Labels = append(e.Labels, ErrorLabel{Text: text, Span: span})
	return e
}

// WithHelp sets the help text and returns the error for chaining.
func (e *LabeledError) WithHelp(help string) *LabeledError {
	e.Help = help
	return e
}

// LabeledErrorFromGo converts any Go error into a LabeledError, passing
// an existing LabeledError through untouched.
func LabeledErrorFromGo(err error) *LabeledError {
	if err == nil {
		return nil
	}
	if le, ok := err.(*LabeledError); ok {
		return le
	}
	return &LabeledError{Msg: err.Error()}
}
