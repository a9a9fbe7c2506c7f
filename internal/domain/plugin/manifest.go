package plugin

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Manifest is the declarative YAML form of a plugin registration, used for
// offline validation and load-order inspection.
type Manifest struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Config  Config `yaml:",inline"`

	// Checksum is the optional blake3 hex digest the manifest file must
	// match, verified when non-empty via a sibling .checksums file.
	Checksum string `yaml:"-"`
}

// ValidateManifest checks a manifest's fields.
func ValidateManifest(m *Manifest) error {
	ve := &ValidationError{}

	if m.ID == "" {
		ve.Add("id is required. Example: id: word-count")
	} else if !pluginIDPattern.MatchString(m.ID) {
		ve.Addf("invalid id %q: must be lowercase alphanumeric with hyphens", m.ID)
	}
	if m.Name == "" {
		ve.Add("name is required. Example: name: Word Count")
	}
	if m.Version == "" {
		ve.Add("version is required. Example: version: 1.0.0")
	} else if err := ValidateSemver(m.Version); err != nil {
		ve.Add(err.Error())
	}

	seen := make(map[string]bool)
	for _, dep := range m.Config.Dependencies {
		if dep == m.ID {
			ve.Addf("plugin %q cannot depend on itself", m.ID)
		}
		if seen[dep] {
			ve.Addf("duplicate dependency %q", dep)
		}
		seen[dep] = true
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// LoadManifest reads and validates a single plugin.yaml file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if err := ValidateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// LoadManifestDir loads every *.yaml manifest directly under dir, sorted by
// id. A .checksums file in dir, when present, pins the blake3 digest of each
// manifest; a mismatch aborts the load.
func LoadManifestDir(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading manifest directory: %w", err)
	}

	checksums, err := loadChecksums(filepath.Join(dir, ".checksums"))
	if err != nil {
		return nil, err
	}

	var manifests []*Manifest
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		if expected, ok := checksums[entry.Name()]; ok {
			if err := verifyChecksum(path, expected); err != nil {
				return nil, err
			}
		}

		m, err := LoadManifest(path)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })
	return manifests, nil
}

// ComputeChecksum returns the blake3 hex digest of a file.
func ComputeChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func verifyChecksum(path, expected string) error {
	actual, err := ComputeChecksum(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return &ChecksumError{Path: path, Expected: expected, Actual: actual}
	}
	return nil
}

// loadChecksums parses a .checksums file of "<hex>  <filename>" lines.
// A missing file yields an empty map.
func loadChecksums(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checksums: %w", err)
	}

	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed checksums line %q", line)
		}
		out[fields[1]] = fields[0]
	}
	return out, nil
}
