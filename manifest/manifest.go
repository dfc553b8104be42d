// Package manifest decodes and validates bundle manifests. A manifest is a
// property map carrying the bundle's identity (symbolic name and version)
// plus optional metadata, and may be written as JSON, YAML or TOML.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/osgi/props"
)

// Well-known manifest keys.
const (
	SymbolicName     = "bundle.symbolic_name"
	Version          = "bundle.version"
	Name             = "bundle.name"
	Description      = "bundle.description"
	Vendor           = "bundle.vendor"
	Category         = "bundle.category"
	Activator        = "bundle.activator"
	ActivationPolicy = "bundle.activation_policy"
	Requires         = "bundle.requires"
)

// Activation policies.
const (
	PolicyEager = "eager"
	PolicyLazy  = "lazy"
)

var (
	ErrMalformed   = errors.New("malformed manifest")
	ErrUnsupported = errors.New("unsupported manifest format")
	ErrNoSidecar   = errors.New("no manifest file found")
)

// Format is a manifest encoding.
type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
	TOML Format = "toml"
)

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return JSON, nil
	case ".yaml", ".yml":
		return YAML, nil
	case ".toml":
		return TOML, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, path)
}

// Manifest holds manifest headers. Values are normalized with
// props.Normalize.
type Manifest map[string]any

// Decode parses data in the given format.
func Decode(data []byte, format Format) (Manifest, error) {
	raw := map[string]any{}
	switch format {
	case JSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	case YAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	case TOML:
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, format)
	}
	return FromMap(raw), nil
}

// FromMap normalizes an in-memory header map.
func FromMap(m map[string]any) Manifest {
	out := make(Manifest, len(m))
	for k, v := range m {
		out[k] = props.Normalize(v)
	}
	return out
}

// Load reads and decodes the manifest file at path.
func Load(path string) (Manifest, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

var sidecarSuffixes = []string{".manifest.json", ".manifest.yaml", ".manifest.yml", ".manifest.toml"}

// FindSidecar returns the manifest file that sits next to a library, named
// after the library with a ".manifest.<ext>" suffix.
func FindSidecar(location string) (string, error) {
	base := strings.TrimSuffix(location, filepath.Ext(location))
	for _, candidate := range []string{location, base} {
		for _, suffix := range sidecarSuffixes {
			path := candidate + suffix
			if st, err := os.Stat(path); err == nil && !st.IsDir() {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("%w for %s", ErrNoSidecar, location)
}

// Validate checks the headers the framework depends on.
func (m Manifest) Validate() error {
	name, ok := m[SymbolicName].(string)
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: %s must be a non-empty string", ErrMalformed, SymbolicName)
	}
	if v, present := m[Version]; present {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: %s must be a string", ErrMalformed, Version)
		}
		if _, err := ParseVersion(s); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	}
	if v, present := m[Activator]; present {
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%w: %s must be a boolean", ErrMalformed, Activator)
		}
	}
	if v, present := m[ActivationPolicy]; present {
		if s, _ := v.(string); s != PolicyEager && s != PolicyLazy {
			return fmt.Errorf("%w: %s must be %q or %q", ErrMalformed, ActivationPolicy, PolicyEager, PolicyLazy)
		}
	}
	if v, present := m[Requires]; present {
		switch t := v.(type) {
		case string:
		case []any:
			for _, e := range t {
				if _, ok := e.(string); !ok {
					return fmt.Errorf("%w: %s entries must be strings", ErrMalformed, Requires)
				}
			}
		default:
			return fmt.Errorf("%w: %s must be a string or list of strings", ErrMalformed, Requires)
		}
	}
	return nil
}

// SymbolicName returns the bundle's symbolic name.
func (m Manifest) SymbolicName() string {
	s, _ := m[SymbolicName].(string)
	return s
}

// Version returns the declared version in canonical form, or "0.0.0".
func (m Manifest) Version() string {
	s, _ := m[Version].(string)
	v, err := ParseVersion(s)
	if err != nil {
		return "0.0.0"
	}
	return v
}

// HasActivator reports whether the bundle asks for its activator to run.
func (m Manifest) HasActivator() bool {
	b, _ := m[Activator].(bool)
	return b
}

// Lazy reports whether the bundle declares lazy activation.
func (m Manifest) Lazy() bool {
	s, _ := m[ActivationPolicy].(string)
	return s == PolicyLazy
}

// Requires lists the symbolic names the bundle needs installed before it
// can resolve.
func (m Manifest) Requires() []string {
	return props.Strings(m[Requires])
}

// Header returns a header as a string, or "".
func (m Manifest) Header(key string) string {
	s, _ := m[key].(string)
	return s
}

// Clone copies the top level of the manifest.
func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ParseVersion accepts "major[.minor[.micro[.qualifier]]]" or a semantic
// version, with or without a leading "v", and returns it without the "v"
// in semver form. The empty string is version 0.0.0.
func ParseVersion(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "0.0.0", nil
	}
	v := strings.TrimPrefix(s, "v")
	if !strings.ContainsAny(v, "-+") {
		parts := strings.SplitN(v, ".", 4)
		for len(parts) < 3 {
			parts = append(parts, "0")
		}
		v = strings.Join(parts[:3], ".")
		if len(parts) == 4 {
			v += "-" + parts[3]
		}
	}
	if !semver.IsValid("v" + v) {
		return "", fmt.Errorf("invalid version %q", s)
	}
	return strings.TrimPrefix(semver.Canonical("v"+v), "v"), nil
}

// CompareVersions orders two versions accepted by ParseVersion. Invalid
// versions sort before valid ones.
func CompareVersions(a, b string) int {
	va, _ := ParseVersion(a)
	vb, _ := ParseVersion(b)
	return semver.Compare("v"+va, "v"+vb)
}
