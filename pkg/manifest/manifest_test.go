package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindex/spindex/pkg/pipeline"
	"github.com/spindex/spindex/pkg/reference"
	"github.com/spindex/spindex/pkg/shell"
	"github.com/spindex/spindex/pkg/shell/shelltest"
	"github.com/spindex/spindex/pkg/storage"
)

const dump = `{
  "name": "SwiftNIO",
  "toolsVersion": {"_version": "5.7.0"},
  "platforms": [{"platformName": "macos", "version": "10.15", "options": []}, {"platformName": "ios", "version": "13.0"}],
  "products": [
    {"name": "NIO", "targets": ["NIOPosix", "NIO"], "type": {"library": ["automatic"]}},
    {"name": "NIOStatic", "targets": ["NIO"], "type": {"library": ["static"]}},
    {"name": "NIOEchoServer", "targets": ["NIOEchoServer"], "type": {"executable": null}},
    {"name": "NIOTests", "targets": ["NIOTests"], "type": {"test": null}}
  ],
  "targets": [{"name": "NIO", "type": "regular"}, {"name": "NIOTests", "type": "test"}],
  "swiftLanguageVersions": ["5"]
}`

func TestDecode(t *testing.T) {
	m, err := Decode([]byte(dump))
	require.NoError(t, err)
	assert.Equal(t, "SwiftNIO", m.Name)
	assert.Equal(t, "5.7.0", m.ToolsVersion.Version)
	require.Len(t, m.Products, 4)
	assert.Equal(t, ProductType("library:automatic"), m.Products[0].Type)
	assert.Equal(t, ProductType("library:static"), m.Products[1].Type)
	assert.True(t, m.Products[1].Type.IsLibrary())
	assert.Equal(t, ProductExecutable, m.Products[2].Type)
	assert.Equal(t, ProductTest, m.Products[3].Type)

	products := m.StorageProducts()
	require.Len(t, products, 3)
	assert.Equal(t, []string{"NIO", "NIOPosix"}, products[0].Targets)

	var v storage.Version
	m.Apply(&v)
	assert.Equal(t, "SwiftNIO", v.PackageName)
	assert.Equal(t, "5.7.0", v.ToolsVersion)
	assert.Equal(t, []storage.SupportedPlatform{{Name: "macos", Version: "10.15"}, {Name: "ios", Version: "13.0"}}, v.SupportedPlatforms)
	assert.Equal(t, []string{"5"}, v.SwiftVersions)

	_, err = Decode([]byte(`{"products": []}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"name": "X", "products": [{"name": "a", "type": {"library": [], "executable": null}}]}`))
	assert.Error(t, err)
}

func TestExtract(t *testing.T) {
	dir := t.TempDir()
	v := storage.Version{ID: "v1", Reference: reference.MustTag("1.0.0")}

	fake := shelltest.New().
		On(shell.GitCheckout("1.0.0"), shelltest.Response{Do: func(dir string) {
			_ = os.WriteFile(filepath.Join(dir, FileName), []byte("// swift-tools-version:5.7"), 0o644)
		}}).
		On(shell.SwiftDumpPackage("swift"), shelltest.Response{Out: dump})
	e := &Extractor{Exec: fake, Tool: "swift"}

	m, err := e.Extract(context.Background(), dir, v)
	require.NoError(t, err)
	assert.Equal(t, "SwiftNIO", m.Name)
	assert.Equal(t, []string{
		shell.GitReset().String(),
		shell.GitClean().String(),
		shell.GitCheckout("1.0.0").String(),
		shell.SwiftDumpPackage("swift").String(),
	}, fake.Commands())
}

func TestExtractWithoutManifest(t *testing.T) {
	fake := shelltest.New()
	e := &Extractor{Exec: fake}
	v := storage.Version{ID: "v2", Reference: reference.Branch("main")}

	_, err := e.Extract(context.Background(), t.TempDir(), v)
	require.ErrorIs(t, err, ErrNoManifest)
	assert.Equal(t, pipeline.KindInvalidRevision, pipeline.KindOf(err))
	var pe *pipeline.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "v2", pe.VersionID)
	assert.False(t, fake.Ran(shell.SwiftDumpPackage("")), "the dump tool must not run")
}

func TestExtractBadOutput(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), nil, 0o644))
	fake := shelltest.New().On(shell.SwiftDumpPackage(""), shelltest.Response{Out: "error: manifest parse error"})

	_, err := (&Extractor{Exec: fake}).Extract(context.Background(), dir, storage.Version{ID: "v3", Reference: reference.Branch("main")})
	assert.Equal(t, pipeline.KindInvalidRevision, pipeline.KindOf(err))
}
