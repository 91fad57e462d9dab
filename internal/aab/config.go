package aab

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the build server configuration: where the tools live, how to
// sign, and how builds are run.
type Config struct {
	Tools   ToolsConfig   `yaml:"tools"`
	Signing SigningConfig `yaml:"signing"`
	Build   BuildConfig   `yaml:"build"`
	Publish PublishConfig `yaml:"publish"`
	Debug   bool          `yaml:"debug"`
}

type ToolsConfig struct {
	Aapt2      string `yaml:"aapt2"`
	Bundletool string `yaml:"bundletool"`
	Jarsigner  string `yaml:"jarsigner"`
	Java       string `yaml:"java"`
	Keytool    string `yaml:"keytool"`
	AndroidJar string `yaml:"android_jar"`
}

type SigningConfig struct {
	Keystore  string `yaml:"keystore"`
	KeyAlias  string `yaml:"key_alias"`
	StorePass string `yaml:"store_pass"`
}

type BuildConfig struct {
	ModuleName        string        `yaml:"module_name"`
	HeapMB            int           `yaml:"heap_mb"`
	CompileBatchSize  int           `yaml:"compile_batch_size"`
	Policy            string        `yaml:"policy"`
	MaxJobs           int           `yaml:"max_jobs"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
	InspectionDelay   time.Duration `yaml:"inspection_delay"`
	SnapshotOnFailure bool          `yaml:"snapshot_on_failure"`
	IdlePriority      bool          `yaml:"idle_priority"`
}

// PublishConfig points at an R2 (or other S3-compatible) bucket. Publishing
// is skipped unless Enabled is set.
type PublishConfig struct {
	Enabled         bool   `yaml:"enabled"`
	AccountID       string `yaml:"account_id"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
}

// DefaultConfig returns the settings used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Tools: ToolsConfig{
			Aapt2:      "aapt2",
			Bundletool: "bundletool.jar",
			Jarsigner:  "jarsigner",
			Java:       defaultJavaBin(),
			Keytool:    "keytool",
		},
		Signing: SigningConfig{
			KeyAlias:  defaultKeyAlias,
			StorePass: defaultStorePass,
		},
		Build: BuildConfig{
			ModuleName: defaultModuleName,
			HeapMB:     defaultHeapMB,
			Policy:     "strict",
			MaxJobs:    2,
		},
	}
}

// LoadConfig reads a YAML config file on top of the defaults and applies
// AABUILD_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides merges AABUILD_* variables over the file values.
func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"AABUILD_AAPT2":         &c.Tools.Aapt2,
		"AABUILD_BUNDLETOOL":    &c.Tools.Bundletool,
		"AABUILD_JARSIGNER":     &c.Tools.Jarsigner,
		"AABUILD_JAVA":          &c.Tools.Java,
		"AABUILD_KEYTOOL":       &c.Tools.Keytool,
		"AABUILD_ANDROID_JAR":   &c.Tools.AndroidJar,
		"AABUILD_KEYSTORE":      &c.Signing.Keystore,
		"AABUILD_KEY_ALIAS":     &c.Signing.KeyAlias,
		"AABUILD_STORE_PASS":    &c.Signing.StorePass,
		"AABUILD_POLICY":        &c.Build.Policy,
		"AABUILD_R2_ACCOUNT_ID": &c.Publish.AccountID,
		"AABUILD_R2_ENDPOINT":   &c.Publish.Endpoint,
		"AABUILD_R2_ACCESS_KEY": &c.Publish.AccessKeyID,
		"AABUILD_R2_SECRET_KEY": &c.Publish.SecretAccessKey,
		"AABUILD_R2_BUCKET":     &c.Publish.Bucket,
		"AABUILD_R2_PREFIX":     &c.Publish.Prefix,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"AABUILD_HEAP_MB":            &c.Build.HeapMB,
		"AABUILD_COMPILE_BATCH_SIZE": &c.Build.CompileBatchSize,
		"AABUILD_MAX_JOBS":           &c.Build.MaxJobs,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v := os.Getenv("AABUILD_TOOL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AABUILD_TOOL_TIMEOUT: %w", err)
		}
		c.Build.ToolTimeout = d
	}
	if v := os.Getenv("AABUILD_DEBUG"); v == "1" || v == "true" {
		c.Debug = true
	}
	if v := os.Getenv("AABUILD_PUBLISH"); v == "1" || v == "true" {
		c.Publish.Enabled = true
	}
	return nil
}

// JobSpec names the compiler outputs and destinations of one build.
type JobSpec struct {
	Manifest  string `yaml:"manifest"`
	DexDir    string `yaml:"dex_dir"`
	ResDir    string `yaml:"res_dir"`
	AssetsDir string `yaml:"assets_dir"`
	LibsDir   string `yaml:"libs_dir"`
	BuildDir  string `yaml:"build_dir"`
	Deploy    string `yaml:"deploy"`
}

// LoadJobSpec reads a job file. Relative paths are resolved against the
// file's directory.
func LoadJobSpec(path string) (JobSpec, error) {
	var js JobSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return js, fmt.Errorf("failed to read job: %w", err)
	}
	if err := yaml.Unmarshal(data, &js); err != nil {
		return js, fmt.Errorf("failed to parse job %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for _, p := range []*string{&js.Manifest, &js.DexDir, &js.ResDir, &js.AssetsDir, &js.LibsDir, &js.BuildDir, &js.Deploy} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	return js, nil
}

// BuildContext combines the server configuration with a job.
func (c *Config) BuildContext(js JobSpec) BuildContext {
	return BuildContext{
		ManifestPath:     js.Manifest,
		DexDir:           js.DexDir,
		ResDir:           js.ResDir,
		AssetsDir:        js.AssetsDir,
		LibsDir:          js.LibsDir,
		Aapt2:            c.Tools.Aapt2,
		Bundletool:       c.Tools.Bundletool,
		Jarsigner:        c.Tools.Jarsigner,
		JavaBin:          c.Tools.Java,
		AndroidRuntime:   c.Tools.AndroidJar,
		BuildDir:         js.BuildDir,
		ModuleName:       c.Build.ModuleName,
		DeployPath:       js.Deploy,
		Keystore:         c.Signing.Keystore,
		KeyAlias:         c.Signing.KeyAlias,
		StorePass:        c.Signing.StorePass,
		HeapMB:           c.Build.HeapMB,
		CompileBatchSize: c.Build.CompileBatchSize,
	}
}

// Executor returns a tool runner configured from the build settings.
func (c *Config) Executor() *Executor {
	e := NewExecutor()
	e.Timeout = c.Build.ToolTimeout
	e.ApplyIdlePriority = c.Build.IdlePriority
	return e
}
