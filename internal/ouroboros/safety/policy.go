package safety

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Policy is the static safety policy document loaded from disk (never
// inlined into code) and fed verbatim into both the fast-check and
// deep-check prompts.
type Policy struct {
	Version     int      `yaml:"version"`
	Rules       []string `yaml:"rules"`
	MutatingSet []string `yaml:"mutating_tools"`

	raw string
}

// DefaultMutatingTools is the set of tool names the gate applies to when
// the policy file doesn't override it.
var DefaultMutatingTools = []string{
	"run_shell", "code_edit", "repo_write_commit", "repo_commit", "drive_write",
}

// LoadPolicy reads and parses a YAML policy document from path.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, err
	}
	p.raw = string(data)
	if len(p.MutatingSet) == 0 {
		p.MutatingSet = DefaultMutatingTools
	}
	return p, nil
}

// DefaultPolicy is used when no policy file exists yet (fresh install);
// it is intentionally conservative.
func DefaultPolicy() Policy {
	return Policy{
		Version: 1,
		Rules: []string{
			"Deny any shell command that deletes, formats, or recursively removes paths outside a scratch directory.",
			"Deny any commit or write that touches credentials, secrets, or CI/CD configuration without explicit owner approval.",
			"Deny any command that exfiltrates repository contents to an external network destination.",
			"Allow routine edits, test runs, and commits confined to the managed repository's working tree.",
		},
		MutatingSet: DefaultMutatingTools,
	}
}

// MutatingToolSet returns the set of tool names this policy gates, as a
// lookup map.
func (p Policy) MutatingToolSet() map[string]struct{} {
	set := make(map[string]struct{}, len(p.MutatingSet))
	for _, name := range p.MutatingSet {
		set[name] = struct{}{}
	}
	return set
}

// Text returns the raw policy document text for prompt assembly.
func (p Policy) Text() string {
	if p.raw != "" {
		return p.raw
	}
	data, _ := yaml.Marshal(p)
	return string(data)
}
