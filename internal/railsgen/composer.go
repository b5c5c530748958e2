// Package railsgen composes RemoteScript values: the L2 Rails Script
// Composer. Heads are built by string interpolation from a fixed set of
// named parameters only (no conditional logic); bodies are literal
// templates loaded from files shipped alongside the engine, one per
// supported ActiveRecord model.
package railsgen

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed templates/*.rb.tmpl
var templateFS embed.FS

// RemoteScript is a fully composed Ruby script ready to be copied to the
// remote host and loaded into the console session.
type RemoteScript struct {
	Text  string
	Model string
}

// HeadParams is the fixed set of named parameters the head may
// interpolate. No field here may carry conditional Ruby logic; it is
// pure data substitution.
type HeadParams struct {
	InputPath   string
	ResultPath  string
	Nonce       string
	Component   string
	BatchIndex  int
	DisableLint string // "true"/"false" literal, never evaluated
}

// Composer loads body templates once and composes RemoteScripts per call.
type Composer struct {
	bodies map[string]string
}

// NewComposer loads every templates/*.rb.tmpl body into memory.
func NewComposer() (*Composer, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("railsgen: read templates dir: %w", err)
	}

	bodies := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := templateFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("railsgen: read template %s: %w", entry.Name(), err)
		}
		model := strings.TrimSuffix(entry.Name(), ".rb.tmpl")
		bodies[model] = string(data)
	}

	return &Composer{bodies: bodies}, nil
}

// Compose builds a RemoteScript for model, interpolating params into the
// head and concatenating the model's literal body template.
func (c *Composer) Compose(model string, params HeadParams) (*RemoteScript, error) {
	body, ok := c.bodies[model]
	if !ok {
		return nil, fmt.Errorf("railsgen: no body template registered for model %q", model)
	}

	head := composeHead(params)
	return &RemoteScript{Text: head + "\n" + body, Model: model}, nil
}

// composeHead performs pure string interpolation, no branching on the
// values themselves, per spec.md §4.2's "must not contain any
// conditional logic" rule for the head.
func composeHead(p HeadParams) string {
	return fmt.Sprintf(`J2O_INPUT_PATH = %s
J2O_RESULT_PATH = %s
J2O_NONCE = %s
J2O_COMPONENT = %s
J2O_BATCH_INDEX = %d
J2O_DISABLE_VALIDATIONS = %s
`,
		RubyLiteral(p.InputPath),
		RubyLiteral(p.ResultPath),
		RubyLiteral(p.Nonce),
		RubyLiteral(p.Component),
		p.BatchIndex,
		p.DisableLint,
	)
}

// RubyLiteral renders s as a Ruby double-quoted string literal with every
// byte that could break out of the literal escaped. Any dynamic string
// destined for a Ruby body MUST pass through this function: direct
// interpolation into quoted Ruby strings is forbidden (spec.md §4.2).
func RubyLiteral(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '#':
			// Ruby interpolates "#{...}" and "#@ivar" inside double-quoted
			// strings; escaping the hash prevents any accidental
			// interpolation from attacker-controlled content.
			b.WriteString(`\#`)
		case 0:
			b.WriteString(`\0`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\x%02x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
