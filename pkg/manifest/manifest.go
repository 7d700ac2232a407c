// Package manifest parses and validates module manifests: the declaration
// of what a module is, what it exports and which capabilities it needs.
package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

//go:embed schemas/manifest.schema.json
var manifestSchemaJSON string

const manifestSchemaURL = "https://esta-kernel.local/schemas/manifest.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("manifest schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(manifestSchemaURL)
	})
	return schema, schemaErr
}

// Manifest declares a module.
type Manifest struct {
	Name         string              `json:"name" yaml:"name"`
	Version      string              `json:"version" yaml:"version"`
	Tenant       string              `json:"tenant" yaml:"tenant"`
	Description  string              `json:"description,omitempty" yaml:"description,omitempty"`
	Budget       Budget              `json:"budget" yaml:"budget"`
	Capabilities []CapabilityRequest `json:"capabilities" yaml:"capabilities"`
	Exports      []Export            `json:"exports,omitempty" yaml:"exports,omitempty"`
	Wasm         *Wasm               `json:"wasm,omitempty" yaml:"wasm,omitempty"`
}

// Budget bounds a module's resources.
type Budget struct {
	MemoryBytes    int64 `json:"memoryBytes" yaml:"memoryBytes"`
	CPUTimeSliceMs int64 `json:"cpuTimeSliceMs" yaml:"cpuTimeSliceMs"`
}

// CPUTimeSlice returns the per-invocation CPU budget.
func (b Budget) CPUTimeSlice() time.Duration {
	return time.Duration(b.CPUTimeSliceMs) * time.Millisecond
}

// CapabilityRequest asks for one capability at load time.
type CapabilityRequest struct {
	ResourceType    string   `json:"resourceType" yaml:"resourceType"`
	ResourcePattern string   `json:"resourcePattern" yaml:"resourcePattern"`
	Rights          []string `json:"rights" yaml:"rights"`
	Reason          string   `json:"reason,omitempty" yaml:"reason,omitempty"`
	MaxUseCount     int      `json:"maxUseCount,omitempty" yaml:"maxUseCount,omitempty"`
	ExpiresInMs     int64    `json:"expiresInMs,omitempty" yaml:"expiresInMs,omitempty"`
}

// Export is an opcode the module accepts.
type Export struct {
	Opcode string `json:"opcode" yaml:"opcode"`
	// Right is the right a sender needs; empty means write for Commands and
	// Events, read for Queries.
	Right string `json:"right,omitempty" yaml:"right,omitempty"`
	// Guard is an optional CEL expression over the message that must hold.
	Guard string `json:"guard,omitempty" yaml:"guard,omitempty"`
}

// Wasm points at a sandboxed compute unit implementing the exports.
type Wasm struct {
	Path   string `json:"path" yaml:"path"`
	SHA256 string `json:"sha256,omitempty" yaml:"sha256,omitempty"`
}

// ID returns the instance identity name@version.
func (m *Manifest) ID() contracts.ModuleID {
	return contracts.ModuleID(m.Name + "@" + m.Version)
}

// Logical returns the routable module name.
func (m *Manifest) Logical() contracts.ModuleID {
	return contracts.ModuleID(m.Name)
}

// SemVer parses the version. Validate guarantees it succeeds.
func (m *Manifest) SemVer() (*semver.Version, error) {
	return semver.StrictNewVersion(m.Version)
}

// Parse decodes a YAML or JSON manifest and validates it.
func Parse(data []byte) (*Manifest, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &contracts.SchemaValidationError{Field: "manifest", Detail: err.Error()}
	}
	// Normalize YAML scalars to the JSON data model before schema checks.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, &contracts.SchemaValidationError{Field: "manifest", Detail: err.Error()}
	}
	return parseJSON(raw)
}

func parseJSON(raw []byte) (*Manifest, error) {
	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &contracts.SchemaValidationError{Field: "manifest", Detail: err.Error()}
	}
	if err := s.Validate(generic); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			for len(ve.Causes) > 0 {
				ve = ve.Causes[0]
			}
			return nil, &contracts.SchemaValidationError{Field: "manifest" + ve.InstanceLocation, Detail: ve.Message}
		}
		return nil, &contracts.SchemaValidationError{Field: "manifest", Detail: err.Error()}
	}
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, &contracts.SchemaValidationError{Field: "manifest", Detail: err.Error()}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the constraints the JSON schema cannot express.
func (m *Manifest) Validate() error {
	if _, err := m.SemVer(); err != nil {
		return &contracts.SchemaValidationError{Field: "manifest/version", Detail: err.Error()}
	}
	for i, c := range m.Capabilities {
		if err := capability.ValidatePattern(c.ResourcePattern); err != nil {
			return &contracts.SchemaValidationError{Field: fmt.Sprintf("manifest/capabilities/%d/resourcePattern", i), Detail: err.Error()}
		}
		if _, err := capability.ParseRights(c.Rights); err != nil {
			return &contracts.SchemaValidationError{Field: fmt.Sprintf("manifest/capabilities/%d/rights", i), Detail: err.Error()}
		}
	}
	seen := make(map[string]bool, len(m.Exports))
	for i, e := range m.Exports {
		if seen[e.Opcode] {
			return &contracts.SchemaValidationError{Field: fmt.Sprintf("manifest/exports/%d/opcode", i), Detail: fmt.Sprintf("duplicate opcode %q", e.Opcode)}
		}
		seen[e.Opcode] = true
	}
	return nil
}

// Grants translates the capability requests into grants issued at now.
func (m *Manifest) Grants(now contracts.LogicalTime) ([]capability.Grant, error) {
	out := make([]capability.Grant, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		rights, err := capability.ParseRights(c.Rights)
		if err != nil {
			return nil, err
		}
		g := capability.Grant{
			Resource: capability.Resource{
				Type:     c.ResourceType,
				Pattern:  c.ResourcePattern,
				TenantID: m.Tenant,
			},
			Rights:      rights,
			MaxUseCount: c.MaxUseCount,
			Reason:      c.Reason,
		}
		if g.MaxUseCount == 0 {
			g.MaxUseCount = capability.Unlimited
		}
		if c.ExpiresInMs > 0 {
			exp := now + contracts.LogicalTime(c.ExpiresInMs)
			g.ExpiresAt = &exp
		}
		out = append(out, g)
	}
	return out, nil
}

// LoadFile reads a manifest from disk. Signed manifests (.jws) are verified
// with verifier, which may be nil only for unsigned formats.
func LoadFile(path string, verifier *Verifier) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %q: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jws":
		if verifier == nil {
			return nil, fmt.Errorf("manifest %q is signed but no verification key is configured", path)
		}
		return verifier.Verify(strings.TrimSpace(string(data)))
	case ".yaml", ".yml", ".json":
		if verifier != nil && verifier.Required {
			return nil, fmt.Errorf("manifest %q is unsigned and signatures are required", path)
		}
		return Parse(data)
	default:
		return nil, fmt.Errorf("manifest %q: unsupported extension", path)
	}
}

// IsManifestFile reports whether path has a manifest extension.
func IsManifestFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".jws":
		return true
	}
	return false
}
