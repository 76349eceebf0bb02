// Package classifier turns a raw shell command string into a
// CommandKind plus the toolchain it appears to require. Classification
// is a pure, deterministic, side-effect-free function of the command
// string alone — it never consults worker or pool state.
package classifier

import (
	"regexp"
	"strings"

	"github.com/rchdaemon/rchd/pkg/types"
)

// maxCommandLength bounds the amount of text classification will
// inspect. A command past this length is classified Unknown rather
// than scanned, standing in for the wall-clock budget a caller enforces
// around the hot path (see pkg/socketapi); keeping the bound structural
// rather than time-based keeps Classify deterministic.
const maxCommandLength = 8192

// Result is the outcome of classifying one command string.
type Result struct {
	Kind            types.CommandKind
	Confidence      float64
	RequiredRuntime types.RequiredRuntime
	Toolchain       string
}

type pattern struct {
	re        *regexp.Regexp
	kind      types.CommandKind
	toolchain string
	runtime   string
}

// patterns are checked in order; the first match wins. Test-runner
// patterns are listed before compilation patterns, so for toolchains
// that have both (cargo, go, mvn, gradle) a test subcommand is always
// classified as a test.
var patterns = []pattern{
	// Test runners — checked first.
	{regexp.MustCompile(`^(cargo)\s+test\b`), types.KindTest, "cargo", "rustc"},
	{regexp.MustCompile(`^(go)\s+test\b`), types.KindTest, "go", "go"},
	{regexp.MustCompile(`^(npm|yarn|pnpm)\s+(run\s+)?test\b`), types.KindTest, "node", "node"},
	{regexp.MustCompile(`^(pytest|python[0-9.]*\s+-m\s+pytest)\b`), types.KindTest, "pytest", "python"},
	{regexp.MustCompile(`^(mvn|mvnw)\s+test\b`), types.KindTest, "maven", "java"},
	{regexp.MustCompile(`^(gradle|gradlew)\s+test\b`), types.KindTest, "gradle", "java"},
	{regexp.MustCompile(`^jest\b`), types.KindTest, "jest", "node"},

	// Compilation / build invocations.
	{regexp.MustCompile(`^cargo\s+(build|check|clippy)\b`), types.KindCompilation, "cargo", "rustc"},
	{regexp.MustCompile(`^go\s+(build|install|vet)\b`), types.KindCompilation, "go", "go"},
	{regexp.MustCompile(`^(npm|yarn|pnpm)\s+(run\s+)?build\b`), types.KindCompilation, "node", "node"},
	{regexp.MustCompile(`^tsc\b`), types.KindCompilation, "tsc", "node"},
	{regexp.MustCompile(`^(mvn|mvnw)\s+(compile|package|install)\b`), types.KindCompilation, "maven", "java"},
	{regexp.MustCompile(`^(gradle|gradlew)\s+(build|assemble|compileJava)\b`), types.KindCompilation, "gradle", "java"},
	{regexp.MustCompile(`^make\b`), types.KindCompilation, "make", ""},
	{regexp.MustCompile(`^cmake\s+--build\b`), types.KindCompilation, "cmake", ""},
	{regexp.MustCompile(`^(gcc|clang|g\+\+|clang\+\+)\b`), types.KindCompilation, "cc", ""},
	{regexp.MustCompile(`^rustc\b`), types.KindCompilation, "rustc", "rustc"},

	// Recognised non-compilation commands.
	{regexp.MustCompile(`^(ls|cat|echo|pwd|cd|git|grep|find|less|more|head|tail)\b`), types.KindNonCompilation, "", ""},
}

// Classify maps a command string to a Result. Unrecognised or
// over-length commands yield Unknown so the caller falls back to
// local execution.
func Classify(command string) Result {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" || len(trimmed) > maxCommandLength {
		return Result{Kind: types.KindUnknown, Confidence: 0}
	}

	for _, p := range patterns {
		if p.re.MatchString(trimmed) {
			conf := 1.0
			if p.kind == types.KindNonCompilation {
				conf = 0.9
			}
			return Result{
				Kind:            p.kind,
				Confidence:      conf,
				RequiredRuntime: types.RequiredRuntime{Name: p.runtime},
				Toolchain:       p.toolchain,
			}
		}
	}

	return Result{Kind: types.KindUnknown, Confidence: 0}
}
