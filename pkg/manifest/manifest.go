// Package manifest extracts package manifests from a checkout by running
// `swift package dump-package` at a given reference.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spindex/spindex/pkg/pipeline"
	"github.com/spindex/spindex/pkg/shell"
	"github.com/spindex/spindex/pkg/storage"
)

// FileName is the manifest descriptor that must exist at the checkout root.
const FileName = "Package.swift"

// ErrNoManifest is returned when the reference has no manifest at its root.
var ErrNoManifest = errors.New("no " + FileName + " at repository root")

// ProductType is the kind of a product. Libraries carry their linkage in
// the form "library:<automatic|dynamic|static>".
type ProductType string

const (
	ProductExecutable ProductType = "executable"
	ProductPlugin     ProductType = "plugin"
	ProductTest       ProductType = "test"
	ProductMacro      ProductType = "macro"
)

// UnmarshalJSON decodes the keyed union emitted by dump-package, e.g.
// {"library":["automatic"]} or {"executable":null}.
func (p *ProductType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = ProductType(s)
		return nil
	}
	var union map[string]json.RawMessage
	if err := json.Unmarshal(b, &union); err != nil {
		return fmt.Errorf("product type: %w", err)
	}
	if len(union) != 1 {
		return fmt.Errorf("product type: expected one key, got %d", len(union))
	}
	for key, raw := range union {
		if key != "library" {
			*p = ProductType(key)
			return nil
		}
		var linkage []string
		if err := json.Unmarshal(raw, &linkage); err != nil || len(linkage) == 0 {
			*p = "library:automatic"
			return nil
		}
		*p = ProductType("library:" + linkage[0])
	}
	return nil
}

// IsLibrary reports whether the product is a library of any linkage.
func (p ProductType) IsLibrary() bool {
	return strings.HasPrefix(string(p), "library")
}

type Product struct {
	Name    string      `json:"name"`
	Targets []string    `json:"targets"`
	Type    ProductType `json:"type"`
}

type Target struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Platform struct {
	PlatformName string `json:"platformName"`
	Version      string `json:"version"`
}

type ToolsVersion struct {
	Version string `json:"_version"`
}

// Manifest is the subset of the dump-package output the index keeps.
type Manifest struct {
	Name                  string        `json:"name"`
	Products              []Product     `json:"products"`
	Targets               []Target      `json:"targets"`
	Platforms             []Platform    `json:"platforms"`
	SwiftLanguageVersions []string      `json:"swiftLanguageVersions"`
	ToolsVersion          *ToolsVersion `json:"toolsVersion"`
}

// Decode parses dump-package output.
func Decode(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	if m.Name == "" {
		return Manifest{}, errors.New("manifest has no name")
	}
	return m, nil
}

// Apply copies the manifest fields onto v.
func (m Manifest) Apply(v *storage.Version) {
	v.PackageName = m.Name
	v.ToolsVersion = ""
	if m.ToolsVersion != nil {
		v.ToolsVersion = m.ToolsVersion.Version
	}
	v.SupportedPlatforms = nil
	for _, p := range m.Platforms {
		v.SupportedPlatforms = append(v.SupportedPlatforms, storage.SupportedPlatform{Name: p.PlatformName, Version: p.Version})
	}
	v.SwiftVersions = append([]string(nil), m.SwiftLanguageVersions...)
}

// StorageProducts converts the products for persistence. Test products are
// not indexed.
func (m Manifest) StorageProducts() []storage.Product {
	var out []storage.Product
	for _, p := range m.Products {
		if p.Type == ProductTest {
			continue
		}
		targets := append([]string(nil), p.Targets...)
		sort.Strings(targets)
		out = append(out, storage.Product{Name: p.Name, Type: string(p.Type), Targets: targets})
	}
	return out
}

func (m Manifest) StorageTargets() []storage.Target {
	out := make([]storage.Target, 0, len(m.Targets))
	for _, t := range m.Targets {
		out = append(out, storage.Target{Name: t.Name, Type: t.Type})
	}
	return out
}

// Extractor checks out versions and dumps their manifest. A checkout must
// not be shared between concurrent Extract calls.
type Extractor struct {
	Exec shell.Executor
	Tool string
}

// Extract checks out v in dir and dumps its manifest. Failures are tagged
// with the version id.
func (e *Extractor) Extract(ctx context.Context, dir string, v storage.Version) (Manifest, error) {
	for _, cmd := range []shell.Command{shell.GitReset(), shell.GitClean(), shell.GitCheckout(v.Reference.Name)} {
		if _, err := e.Exec.Run(ctx, cmd, dir); err != nil {
			return Manifest{}, pipeline.VersionError(pipeline.KindShellCommandFailed, v.ID, err)
		}
	}

	// without this check the tool walks up and dumps an ancestor manifest
	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		return Manifest{}, pipeline.VersionError(pipeline.KindInvalidRevision, v.ID, fmt.Errorf("%s: %w", v.Reference.Name, ErrNoManifest))
	}

	out, err := e.Exec.Run(ctx, shell.SwiftDumpPackage(e.Tool), dir)
	if err != nil {
		return Manifest{}, pipeline.VersionError(pipeline.KindShellCommandFailed, v.ID, err)
	}
	m, err := Decode([]byte(out))
	if err != nil {
		return Manifest{}, pipeline.VersionError(pipeline.KindInvalidRevision, v.ID, fmt.Errorf("decode manifest of %s: %w", v.Reference.Name, err))
	}
	return m, nil
}
