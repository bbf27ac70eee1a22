package coral

// EvaluatedCall is a command invocation after the host's evaluator has
// reduced every argument expression to a Value. This is the only form of
// call that crosses the plugin boundary; plugins never see unevaluated
// syntax.
type EvaluatedCall struct {
	Head       Span             `cbor:"head" json:"head"`
	Positional []Value          `cbor:"positional,omitempty" json:"positional,omitempty"`
	Named      map[string]Value `cbor:"named,omitempty" json:"named,omitempty"`
}

// Nth returns the positional argument at index i, if present.
func (c *EvaluatedCall) Nth(i int) (Value, bool) {
	if i < 0 || i >= len(c.Positional) {
		return Value{}, false
	}
	return c.Positional[i], true
}

// GetFlag returns the value of a named argument, if present.
func (c *EvaluatedCall) GetFlag(name string) (Value, bool) {
	v, ok := c.Named[name]
	return v, ok
}

// HasFlag reports whether a switch was passed and set to true. A flag
// carrying a non-bool value counts as present.
func (c *EvaluatedCall) HasFlag(name string) bool {
	v, ok := c.Named[name]
	if !ok {
		return false
	}
	if v.Type == BoolType {
		return v.Bool
	}
	return true
}
