package scanner

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/codepal-dev/pluginhost/capability"
	"github.com/codepal-dev/pluginhost/plugin"
)

// Pattern maps a source construct to the capability it exercises. A pattern
// with Eval set flags dynamic code evaluation instead.
type Pattern struct {
	ID         string
	Regexp     *regexp.Regexp
	Capability capability.Capability
	Eval       bool
}

func capPattern(id, expr string, c capability.Capability) Pattern {
	return Pattern{ID: id, Regexp: regexp.MustCompile(expr), Capability: c}
}

func evalPattern(id, expr string) Pattern {
	return Pattern{ID: id, Regexp: regexp.MustCompile(expr), Eval: true}
}

// DefaultPatterns returns the static checks per script runtime.
func DefaultPatterns() map[string][]Pattern {
	return map[string][]Pattern{
		plugin.RuntimeJS: {
			capPattern("js-host-fetch", `\bcodepal\s*\.\s*fetch\b`, capability.Network),
			capPattern("js-global-fetch", `(^|[^.\w])fetch\s*\(`, capability.Network),
			capPattern("js-xhr", `\bXMLHttpRequest\b`, capability.Network),
			capPattern("js-websocket", `\bWebSocket\s*\(`, capability.Network),
			capPattern("js-host-read", `\bcodepal\s*\.\s*readFile\b`, capability.FilesystemRead),
			capPattern("js-require-fs", `require\s*\(\s*['"](node:)?fs['"]\s*\)`, capability.Filesystem),
			capPattern("js-host-write", `\bcodepal\s*\.\s*writeFile\b`, capability.FilesystemWrite),
			capPattern("js-host-spawn", `\bcodepal\s*\.\s*spawn\b`, capability.ProcessSpawn),
			capPattern("js-child-process", `\bchild_process\b`, capability.ProcessSpawn),
			capPattern("js-host-getenv", `\bcodepal\s*\.\s*getenv\b`, capability.EnvRead),
			capPattern("js-process-env", `\bprocess\s*\.\s*env\b`, capability.EnvRead),
			evalPattern("js-eval", `\beval\s*\(`),
			evalPattern("js-function-ctor", `\bnew\s+Function\s*\(`),
			evalPattern("js-string-timer", `\bset(Timeout|Interval)\s*\(\s*['"]`),
		},
		plugin.RuntimeLua: {
			capPattern("lua-host-http", `\bcodepal\s*\.\s*http_request\b`, capability.Network),
			capPattern("lua-socket", `\brequire\s*\(?\s*['"]socket`, capability.Network),
			capPattern("lua-host-read", `\bcodepal\s*\.\s*read_file\b`, capability.FilesystemRead),
			capPattern("lua-io-open", `\bio\s*\.\s*(open|lines|read)\b`, capability.Filesystem),
			capPattern("lua-host-write", `\bcodepal\s*\.\s*write_file\b`, capability.FilesystemWrite),
			capPattern("lua-io-write", `\bio\s*\.\s*(write|output)\b`, capability.FilesystemWrite),
			capPattern("lua-host-spawn", `\bcodepal\s*\.\s*spawn\b`, capability.ProcessSpawn),
			capPattern("lua-os-execute", `\bos\s*\.\s*execute\b`, capability.ProcessSpawn),
			capPattern("lua-io-popen", `\bio\s*\.\s*popen\b`, capability.ProcessSpawn),
			capPattern("lua-host-getenv", `\bcodepal\s*\.\s*getenv\b`, capability.EnvRead),
			capPattern("lua-os-getenv", `\bos\s*\.\s*getenv\b`, capability.EnvRead),
			evalPattern("lua-loadstring", `\bloadstring\s*\(`),
			evalPattern("lua-load", `(^|[^.\w])load\s*\(`),
			evalPattern("lua-dofile", `\bdofile\s*\(`),
		},
	}
}

// Match is one pattern hit.
type Match struct {
	Pattern Pattern
	Line    int
}

// MatchSource runs patterns over src and returns every hit with its 1-based
// line, in source order.
func MatchSource(patterns []Pattern, src []byte) []Match {
	var out []Match
	for i, line := range bytes.Split(src, []byte("\n")) {
		for _, p := range patterns {
			if p.Regexp.Match(line) {
				out = append(out, Match{Pattern: p, Line: i + 1})
			}
		}
	}
	return out
}

func (m Match) location(id string) string {
	return fmt.Sprintf("%s:%d", id, m.Line)
}
