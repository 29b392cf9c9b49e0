package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/guardrail-sh/dispatch/telemetry"
)

// Document is one policy file: a list of named policies.
type Document struct {
	Policies []Policy `yaml:"policies"`
}

// Loader resolves (policyFile, policyName) pairs against a policy
// directory. Definitions are read fresh per load; a dispatch is short
// enough that caching buys nothing and staleness costs correctness.
type Loader struct {
	dir    string
	logger *telemetry.Logger
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:    dir,
		logger: telemetry.NewLogger("policy-loader"),
	}
}

// Load returns the named policy from the named file.
func (l *Loader) Load(policyFile, policyName string) (*Policy, error) {
	doc, err := l.LoadFile(policyFile)
	if err != nil {
		return nil, err
	}

	for i := range doc.Policies {
		if doc.Policies[i].Name == policyName {
			return &doc.Policies[i], nil
		}
	}
	return nil, fmt.Errorf("%w: policy %q not found in %s", ErrPolicyLoad, policyName, policyFile)
}

// LoadFile parses and validates one policy file.
func (l *Loader) LoadFile(policyFile string) (*Document, error) {
	path, err := l.resolve(policyFile)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path validated against the policy dir
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyLoad, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPolicyLoad, policyFile, err)
	}

	for i := range doc.Policies {
		if err := doc.Policies[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPolicyLoad, policyFile, err)
		}
	}

	l.logger.Debug().
		Str("policy_file", policyFile).
		Int("policies", len(doc.Policies)).
		Msg("policy file loaded")

	return &doc, nil
}

// resolve confines policyFile inside the loader's directory.
func (l *Loader) resolve(policyFile string) (string, error) {
	if policyFile == "" {
		return "", fmt.Errorf("%w: empty policy file name", ErrPolicyLoad)
	}
	path := filepath.Clean(filepath.Join(l.dir, policyFile))
	rootPrefix := filepath.Clean(l.dir) + string(filepath.Separator)
	if !strings.HasPrefix(path, rootPrefix) {
		return "", fmt.Errorf("%w: policy file %q escapes policy directory", ErrPolicyLoad, policyFile)
	}
	return path, nil
}
