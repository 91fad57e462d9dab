package aab

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "aapt2", cfg.Tools.Aapt2)
	assert.Equal(t, "AndroidKey", cfg.Signing.KeyAlias)
	assert.Equal(t, "android", cfg.Signing.StorePass)
	assert.Equal(t, 1024, cfg.Build.HeapMB)
	assert.Equal(t, "base", cfg.Build.ModuleName)
	assert.Equal(t, "strict", cfg.Build.Policy)
	assert.False(t, cfg.Publish.Enabled)
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aabuild.yaml")
	writeFile(t, path, `
tools:
  aapt2: /sdk/build-tools/34.0.0/aapt2
  android_jar: /sdk/platforms/android-34/android.jar
signing:
  keystore: /keys/release.keystore
  key_alias: release
build:
  heap_mb: 4096
  compile_batch_size: 100
  policy: lenient
  tool_timeout: 5m
  inspection_delay: 10s
  snapshot_on_failure: true
publish:
  enabled: true
  bucket: bundles
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/sdk/build-tools/34.0.0/aapt2", cfg.Tools.Aapt2)
	assert.Equal(t, "/sdk/platforms/android-34/android.jar", cfg.Tools.AndroidJar)
	assert.Equal(t, "jarsigner", cfg.Tools.Jarsigner, "unset keys keep their defaults")
	assert.Equal(t, "release", cfg.Signing.KeyAlias)
	assert.Equal(t, "android", cfg.Signing.StorePass)
	assert.Equal(t, 4096, cfg.Build.HeapMB)
	assert.Equal(t, 100, cfg.Build.CompileBatchSize)
	assert.Equal(t, "lenient", cfg.Build.Policy)
	assert.Equal(t, 5*time.Minute, cfg.Build.ToolTimeout)
	assert.Equal(t, 10*time.Second, cfg.Build.InspectionDelay)
	assert.True(t, cfg.Build.SnapshotOnFailure)
	assert.True(t, cfg.Publish.Enabled)
	assert.Equal(t, "bundles", cfg.Publish.Bucket)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aabuild.yaml")
	writeFile(t, path, "tools:\n  aapt2: /from/file\nbuild:\n  heap_mb: 512\n")

	t.Setenv("AABUILD_AAPT2", "/from/env")
	t.Setenv("AABUILD_HEAP_MB", "3072")
	t.Setenv("AABUILD_TOOL_TIMEOUT", "90s")
	t.Setenv("AABUILD_POLICY", "lenient,sign=abort")
	t.Setenv("AABUILD_DEBUG", "1")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Tools.Aapt2)
	assert.Equal(t, 3072, cfg.Build.HeapMB)
	assert.Equal(t, 90*time.Second, cfg.Build.ToolTimeout)
	assert.Equal(t, "lenient,sign=abort", cfg.Build.Policy)
	assert.True(t, cfg.Debug)
}

func TestLoadConfigErrors(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, bad, "build: [not, a, map]\n")
	_, err := LoadConfig(bad)
	assert.Error(t, err)

	t.Setenv("AABUILD_HEAP_MB", "lots")
	_, err = LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "AABUILD_HEAP_MB")
}

func TestConfigSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Signing.Keystore = "/keys/k.jks"
	cfg.Build.MaxJobs = 6

	path := filepath.Join(t.TempDir(), "etc", "aabuild.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadJobSpecResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs", "app.yaml")
	writeFile(t, path, `
manifest: out/AndroidManifest.xml
dex_dir: out/dex
res_dir: /abs/res
assets_dir: out/assets
build_dir: out/aab
deploy: dist/app.aab
`)

	js, err := LoadJobSpec(path)
	require.NoError(t, err)
	base := filepath.Join(dir, "jobs")
	assert.Equal(t, filepath.Join(base, "out/AndroidManifest.xml"), js.Manifest)
	assert.Equal(t, filepath.Join(base, "out/dex"), js.DexDir)
	assert.Equal(t, "/abs/res", js.ResDir)
	assert.Equal(t, "", js.LibsDir)
	assert.Equal(t, filepath.Join(base, "dist/app.aab"), js.Deploy)
}

func TestConfigBuildContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tools.AndroidJar = "/sdk/android.jar"
	cfg.Signing.Keystore = "/keys/k.jks"
	cfg.Build.CompileBatchSize = 50

	bc := cfg.BuildContext(JobSpec{
		Manifest:  "/src/AndroidManifest.xml",
		ResDir:    "/src/res",
		AssetsDir: "/src/assets",
		BuildDir:  "/out/build",
		Deploy:    "/out/app.aab",
	})
	require.NoError(t, bc.Validate())
	assert.Equal(t, 50, bc.CompileBatchSize)
	assert.Equal(t, "/sdk/android.jar", bc.AndroidRuntime)
	assert.Equal(t, "AndroidKey", bc.KeyAlias)
}
