package coral

// SyntaxShape names the syntactic type of an argument, as understood by
// the host's parser.
type SyntaxShape string

const (
	ShapeAny      SyntaxShape = "any"
	ShapeBool     SyntaxShape = "bool"
	ShapeInt      SyntaxShape = "int"
	ShapeFloat    SyntaxShape = "float"
	ShapeString   SyntaxShape = "string"
	ShapeBinary   SyntaxShape = "binary"
	ShapeList     SyntaxShape = "list"
	ShapeRecord   SyntaxShape = "record"
	ShapeClosure  SyntaxShape = "closure"
	ShapeFilepath SyntaxShape = "path"
	ShapeNothing  SyntaxShape = "nothing"
)

// PositionalArg describes one positional parameter of a command.
type PositionalArg struct {
	Name        string      `cbor:"name" json:"name"`
	Description string      `cbor:"description,omitempty" json:"description,omitempty"`
	Shape       SyntaxShape `cbor:"shape" json:"shape"`
}

// Flag describes one named parameter of a command. A Flag with an empty
// Arg is a switch.
type Flag struct {
	Long        string      `cbor:"long" json:"long"`
	Short       string      `cbor:"short,omitempty" json:"short,omitempty"`
	Arg         SyntaxShape `cbor:"arg,omitempty" json:"arg,omitempty"`
	Description string      `cbor:"description,omitempty" json:"description,omitempty"`
	Required    bool        `cbor:"required,omitempty" json:"required,omitempty"`
}

// Signature is the callable shape of a command: how the parser should
// match and type-check an invocation of it. Signatures are what the
// registry file persists so plugin commands can be resolved without
// spawning the plugin at startup.
type Signature struct {
	Name             string          `cbor:"name" json:"name"`
	Description      string          `cbor:"description,omitempty" json:"description,omitempty"`
	ExtraDescription string          `cbor:"extra_description,omitempty" json:"extra_description,omitempty"`
	Category         string          `cbor:"category,omitempty" json:"category,omitempty"`
	Required         []PositionalArg `cbor:"required,omitempty" json:"required,omitempty"`
	Optional         []PositionalArg `cbor:"optional,omitempty" json:"optional,omitempty"`
	Rest             *PositionalArg  `cbor:"rest,omitempty" json:"rest,omitempty"`
	Named            []Flag          `cbor:"named,omitempty" json:"named,omitempty"`
	SearchTerms      []string        `cbor:"search_terms,omitempty" json:"search_terms,omitempty"`
}

// NewSignature starts a signature with the given command name.
func NewSignature(name string) Signature {
	return Signature{Name: name}
}

// WithDescription sets the one-line description.
func (s Signature) WithDescription(desc string) Signature {
	s.Description = desc
	return s
}

// WithRequired appends a required positional parameter.
func (s Signature) WithRequired(name string, shape SyntaxShape, desc string) Signature {
	s.Required = append(s.Required, PositionalArg{Name: name, Shape: shape, Description: desc})
	return s
}

// WithOptional appends an optional positional parameter.
func (s Signature) WithOptional(name string, shape SyntaxShape, desc string) Signature {
	s.Optional = append(s.Optional, PositionalArg{Name: name, Shape: shape, Description: desc})
	return s
}

// WithNamed appends a named parameter.
func (s Signature) WithNamed(long, short string, arg SyntaxShape, desc string) Signature {
	s.Named = append(s.Named, Flag{Long: long, Short: short, Arg: arg, Description: desc})
	return s
}

// PluginMetadata identifies a plugin build. Reported by the Metadata call.
type PluginMetadata struct {
	Version string `cbor:"version,omitempty" json:"version,omitempty"`
}
