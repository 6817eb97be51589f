package registry

import (
	"fmt"
	"sync"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// Template is a reusable policy skeleton. Instantiation stamps tenant
// specifics onto a copy; the stored template is never mutated.
type Template struct {
	Name        string
	Description string
	Policy      contracts.Policy
}

// TemplateRegistry holds named policy templates.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateRegistry creates an empty template registry.
func NewTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{templates: make(map[string]Template)}
}

// Register adds or replaces a template.
func (t *TemplateRegistry) Register(tpl Template) error {
	if tpl.Name == "" {
		return fmt.Errorf("registry: template name is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.templates[tpl.Name] = tpl
	return nil
}

// Instantiate produces a fresh policy from a template with the given id and
// namespace, at version 1 and with no checksum; Activate computes the rest.
func (t *TemplateRegistry) Instantiate(name, policyID, namespace string) (contracts.Policy, error) {
	t.mu.RLock()
	tpl, ok := t.templates[name]
	t.mu.RUnlock()
	if !ok {
		return contracts.Policy{}, fmt.Errorf("registry: template %q not found", name)
	}
	if policyID == "" {
		return contracts.Policy{}, fmt.Errorf("registry: policy id is required")
	}

	p := tpl.Policy
	p.Rules = append([]contracts.PolicyRule(nil), tpl.Policy.Rules...)
	p.Escalations = append([]contracts.EscalationRule(nil), tpl.Policy.Escalations...)
	p.ID = policyID
	p.Namespace = namespace
	p.Version = 1
	p.Checksum = ""
	return p, nil
}

// Names lists registered template names.
func (t *TemplateRegistry) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.templates))
	for name := range t.templates {
		out = append(out, name)
	}
	return out
}
