package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EnvError describes one malformed or out-of-range environment
// variable. Parser.Errors() accumulates every EnvError seen during a
// parse pass so misconfiguration is reported atomically, rather than
// failing on the first bad variable.
type EnvError struct {
	Var      string
	Expected string
	Value    string
}

func (e *EnvError) Error() string {
	return fmt.Sprintf("invalid value for %s: expected %s, got %q", e.Var, e.Expected, e.Value)
}

// Parser is a type-safe, error-collecting RCH_-prefixed environment
// variable reader.
type Parser struct {
	prefix string
	errors []error
}

// NewParser creates a parser using the stable "RCH_" namespace.
func NewParser() *Parser {
	return &Parser{prefix: "RCH_"}
}

// Errors returns every error accumulated so far.
func (p *Parser) Errors() []error { return p.errors }

// HasErrors reports whether any variable failed to parse.
func (p *Parser) HasErrors() bool { return len(p.errors) > 0 }

func (p *Parser) varName(name string) string {
	return p.prefix + name
}

func (p *Parser) addError(varName, expected, value string) {
	p.errors = append(p.errors, &EnvError{Var: varName, Expected: expected, Value: value})
}

// String reads a string value, falling back to def if unset.
func (p *Parser) String(name, def string) Sourced[string] {
	varName := p.varName(name)
	if v, ok := os.LookupEnv(varName); ok {
		return fromEnv(v, varName)
	}
	return fromDefault(def)
}

// Bool reads a boolean value. Accepts 1/true/yes/on and 0/false/no/off/""
// case-insensitively; anything else is a parse error and falls back to def.
func (p *Parser) Bool(name string, def bool) Sourced[bool] {
	varName := p.varName(name)
	v, ok := os.LookupEnv(varName)
	if !ok {
		return fromDefault(def)
	}

	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return fromEnv(true, varName)
	case "0", "false", "no", "off", "":
		return fromEnv(false, varName)
	default:
		p.addError(varName, "boolean (true/false/1/0/yes/no)", v)
		return fromEnv(def, varName)
	}
}

// IntRange reads an integer value bounded to [min, max]. Out-of-range or
// unparsable values are recorded as errors and the default is returned.
func (p *Parser) IntRange(name string, def, min, max int) Sourced[int] {
	varName := p.varName(name)
	v, ok := os.LookupEnv(varName)
	if !ok {
		return fromDefault(def)
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		p.addError(varName, "integer", v)
		return fromEnv(def, varName)
	}
	if n < min || n > max {
		p.addError(varName, fmt.Sprintf("integer in [%d, %d]", min, max), v)
		return fromEnv(def, varName)
	}
	return fromEnv(n, varName)
}

// FloatRange reads a float64 value bounded to [min, max].
func (p *Parser) FloatRange(name string, def, min, max float64) Sourced[float64] {
	varName := p.varName(name)
	v, ok := os.LookupEnv(varName)
	if !ok {
		return fromDefault(def)
	}

	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.addError(varName, "floating-point number", v)
		return fromEnv(def, varName)
	}
	if n < min || n > max {
		p.addError(varName, fmt.Sprintf("float in [%g, %g]", min, max), v)
		return fromEnv(def, varName)
	}
	return fromEnv(n, varName)
}

// LogLevel reads a log level value restricted to the stable level set.
func (p *Parser) LogLevel(name, def string) Sourced[string] {
	varName := p.varName(name)
	v, ok := os.LookupEnv(varName)
	if !ok {
		return fromDefault(def)
	}

	lower := strings.ToLower(v)
	switch lower {
	case "trace", "debug", "info", "warn", "error", "off":
		return fromEnv(lower, varName)
	default:
		p.addError(varName, "one of trace|debug|info|warn|error|off", v)
		return fromEnv(def, varName)
	}
}

// Path reads a path value, expanding a leading "~/" to the user's home
// directory. If mustExist is true and the expanded path does not exist,
// an error is recorded but the value is still returned — a missing
// identity file is reported, never a crash.
func (p *Parser) Path(name, def string, mustExist bool) Sourced[string] {
	varName := p.varName(name)
	value, source := def, SourceDefault
	if v, ok := os.LookupEnv(varName); ok {
		value, source = v, SourceEnvironment
	}

	expanded := expandHome(value)

	if mustExist {
		if _, err := os.Stat(expanded); err != nil {
			p.addError(varName, "existing path", expanded)
		}
	}

	if source == SourceEnvironment {
		return fromEnv(expanded, varName)
	}
	return fromDefault(expanded)
}

// OptionalString reads a string value that may be absent; an unset or
// empty variable yields nil.
func (p *Parser) OptionalString(name string) Sourced[*string] {
	varName := p.varName(name)
	v, ok := os.LookupEnv(varName)
	if !ok || v == "" {
		if ok {
			return fromEnv[*string](nil, varName)
		}
		return fromDefault[*string](nil)
	}
	value := v
	return fromEnv(&value, varName)
}

// StringList reads a comma-separated list of strings, trimming
// whitespace and dropping empty segments.
func (p *Parser) StringList(name string, def []string) Sourced[[]string] {
	varName := p.varName(name)
	v, ok := os.LookupEnv(varName)
	if !ok {
		return fromDefault(def)
	}
	if v == "" {
		return fromEnv([]string{}, varName)
	}

	parts := strings.Split(v, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return fromEnv(items, varName)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}
