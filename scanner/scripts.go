package scanner

import (
	"path/filepath"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/codepal-dev/pluginhost/capability"
)

var networkTools = map[string]bool{
	"curl": true, "wget": true, "nc": true, "ncat": true, "netcat": true,
	"ssh": true, "scp": true, "rsync": true, "ftp": true, "telnet": true,
}

// shellBuiltins never leave the shell process.
var shellBuiltins = map[string]bool{
	"echo": true, "printf": true, "cd": true, "export": true, "set": true,
	"unset": true, "true": true, "false": true, "test": true, "[": true,
	"read": true, "exit": true, "return": true, "shift": true, "local": true,
	":": true, "pwd": true, "type": true, "eval": true,
}

// safeRedirectTargets are absolute paths that are always fine to write.
var safeRedirectTargets = map[string]bool{
	"/dev/null": true, "/dev/stdout": true, "/dev/stderr": true,
}

// scriptAnalysis is what a manifest script reveals.
type scriptAnalysis struct {
	exercised capability.Set
	findings  []Finding
}

// analyzeScripts parses every manifest script and reports the capabilities it
// exercises. Absolute redirects outside root are High findings.
func analyzeScripts(scripts map[string]string, root string) scriptAnalysis {
	res := scriptAnalysis{exercised: capability.NewSet()}

	names := make([]string, 0, len(scripts))
	for name := range scripts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		file, err := syntax.NewParser().Parse(strings.NewReader(scripts[name]), name)
		if err != nil {
			res.findings = append(res.findings, Finding{
				Severity: Medium,
				Rule:     RuleScriptUnparsable,
				Category: CategoryScript,
				Message:  "script could not be parsed: " + err.Error(),
				Location: "scripts." + name,
			})
			continue
		}

		syntax.Walk(file, func(node syntax.Node) bool {
			switch n := node.(type) {
			case *syntax.CallExpr:
				if len(n.Args) == 0 {
					return true
				}
				cmd := n.Args[0].Lit()
				if cmd == "" {
					// Dynamic command names are treated as external commands.
					res.exercised[capability.ProcessSpawn] = struct{}{}
					return true
				}
				base := filepath.Base(cmd)
				if networkTools[base] {
					res.exercised[capability.Network] = struct{}{}
				}
				if !shellBuiltins[base] {
					res.exercised[capability.ProcessSpawn] = struct{}{}
				}
			case *syntax.Redirect:
				if n.Word == nil {
					return true
				}
				target := n.Word.Lit()
				if !filepath.IsAbs(target) || safeRedirectTargets[target] {
					return true
				}
				if isOutput(n.Op) && !underRoot(root, target) {
					res.findings = append(res.findings, Finding{
						Severity:   High,
						Rule:       RuleScriptRedirect,
						Category:   CategoryScript,
						Message:    "script writes to " + target + " outside the sandbox root",
						Location:   "scripts." + name + ":" + n.Pos().String(),
						Capability: capability.FilesystemWrite,
					})
				}
			}
			return true
		})
	}
	return res
}

func isOutput(op syntax.RedirOperator) bool {
	switch op {
	case syntax.RdrOut, syntax.AppOut, syntax.RdrAll, syntax.AppAll, syntax.ClbOut, syntax.RdrInOut:
		return true
	}
	return false
}

func underRoot(root, path string) bool {
	if root == "" {
		return false
	}
	_, ok := relWithin(root, filepath.Clean(path))
	return ok
}

func relWithin(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}
