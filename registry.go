package sandbox

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Registry holds tool descriptors keyed by name. Deployments describe
// their tool set in a YAML document loaded with LoadRegistryYAML, or
// register descriptors programmatically.
type Registry struct {
	descriptors map[string]ToolDescriptor
}

// NewRegistry builds an empty registry; use Register or LoadRegistryYAML
// to populate it.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]ToolDescriptor)}
}

// Register adds or replaces one descriptor. Unlike the YAML loader,
// Register applies no approval_required default; callers constructing
// descriptors programmatically set it themselves.
func (r *Registry) Register(d ToolDescriptor) {
	r.descriptors[d.Name] = d
}

// Get looks up a descriptor by name.
func (r *Registry) Get(name string) (ToolDescriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// yamlDescriptorFile is the on-disk shape: a list under `tools`.
type yamlDescriptorFile struct {
	Tools []yamlDescriptor `yaml:"tools"`
}

type yamlDescriptor struct {
	Name             string         `yaml:"name"`
	Description      string         `yaml:"description"`
	Parameters       map[string]any `yaml:"parameters"`
	ApprovalRequired *bool          `yaml:"approval_required"`
	TimeoutMs        int            `yaml:"timeout_ms"`
	Mutex            string         `yaml:"mutex"`
}

// LoadRegistryYAML parses a YAML document of tool descriptors and
// returns a populated Registry. approval_required defaults to true when
// the document omits it.
func LoadRegistryYAML(r io.Reader) (*Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read tool registry: %w", err)
	}

	var doc yamlDescriptorFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("sandbox: parse tool registry: %w", err)
	}

	reg := NewRegistry()
	for _, yd := range doc.Tools {
		if yd.Name == "" {
			return nil, fmt.Errorf("sandbox: tool descriptor missing name")
		}
		approval := true
		if yd.ApprovalRequired != nil {
			approval = *yd.ApprovalRequired
		}
		reg.Register(ToolDescriptor{
			Name:             yd.Name,
			Description:      yd.Description,
			Parameters:       yd.Parameters,
			ApprovalRequired: approval,
			TimeoutMs:        yd.TimeoutMs,
			Mutex:            yd.Mutex,
		})
	}
	return reg, nil
}

// BuiltinRegistry returns a registry carrying the standard tools and
// their mutex groups: console (single-threaded console), memory
// (ordered working-memory updates), and the unconstrained rest.
// Deployments with a richer tool set either add descriptors to this
// registry with Register, or build a separate registry from their own
// YAML document with LoadRegistryYAML (which does not merge into this
// one).
func BuiltinRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(ToolDescriptor{
		Name:             "msf_console",
		Description:      "Send a command to the Metasploit console",
		ApprovalRequired: true,
		Mutex:            "console",
	})
	reg.Register(ToolDescriptor{
		Name:             "shell",
		Description:      "Run a one-shot shell command in the container",
		ApprovalRequired: true,
		Mutex:            mutexNone,
	})
	reg.Register(ToolDescriptor{
		Name:             "memory_update",
		Description:      "Append to the track's working memory",
		ApprovalRequired: false,
		Mutex:            "memory",
	})
	reg.Register(ToolDescriptor{
		Name:             "query_database",
		Description:      "Run a read-only query against the security database",
		ApprovalRequired: false,
		Mutex:            mutexNone,
	})
	return reg
}
