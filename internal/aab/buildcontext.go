package aab

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultModuleName = "base"
	defaultKeyAlias   = "AndroidKey"
	defaultStorePass  = "android"
	defaultHeapMB     = 1024
)

// Reporter receives the completion percentage of a run.
type Reporter interface {
	Report(percent int)
}

// ReporterFunc adapts a plain function to Reporter.
type ReporterFunc func(percent int)

func (f ReporterFunc) Report(percent int) { f(percent) }

// BuildContext is the configuration of a single bundle build. It is copied
// into the pipeline at construction and never modified afterwards.
type BuildContext struct {
	// Compiler outputs
	ManifestPath string
	DexDir       string
	ResDir       string
	AssetsDir    string
	LibsDir      string

	// External tools
	Aapt2          string
	Bundletool     string
	Jarsigner      string
	JavaBin        string
	AndroidRuntime string // platform android.jar passed to the linker

	// Output
	BuildDir   string // output directory root; the staged module lives below it
	ModuleName string // staged root directory name, "base" by default
	DeployPath string // final bundle

	// Signing
	Keystore  string
	KeyAlias  string
	StorePass string

	HeapMB           int
	CompileBatchSize int // zero compiles the whole resource directory in one call

	Reporter Reporter
	Start    time.Time // zero means the start time was not recorded

	// Sinks for tool output
	Stdout io.Writer
	Stderr io.Writer
}

// withDefaults fills in the optional fields.
func (bc BuildContext) withDefaults() BuildContext {
	if bc.ModuleName == "" {
		bc.ModuleName = defaultModuleName
	}
	if bc.KeyAlias == "" {
		bc.KeyAlias = defaultKeyAlias
	}
	if bc.StorePass == "" {
		bc.StorePass = defaultStorePass
	}
	if bc.HeapMB == 0 {
		bc.HeapMB = defaultHeapMB
	}
	if bc.JavaBin == "" {
		bc.JavaBin = defaultJavaBin()
	}
	if bc.Stdout == nil {
		bc.Stdout = os.Stdout
	}
	if bc.Stderr == nil {
		bc.Stderr = os.Stderr
	}
	return bc
}

// Validate reports every missing required field at once.
func (bc BuildContext) Validate() error {
	var errs []error
	required := []struct{ name, val string }{
		{"manifest", bc.ManifestPath},
		{"resource dir", bc.ResDir},
		{"assets dir", bc.AssetsDir},
		{"aapt2", bc.Aapt2},
		{"android runtime", bc.AndroidRuntime},
		{"bundletool", bc.Bundletool},
		{"jarsigner", bc.Jarsigner},
		{"build dir", bc.BuildDir},
		{"deploy path", bc.DeployPath},
		{"keystore", bc.Keystore},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			errs = append(errs, fmt.Errorf("%s is not set", r.name))
		}
	}
	if bc.HeapMB < 0 {
		errs = append(errs, fmt.Errorf("heap size must be positive, got %d", bc.HeapMB))
	}
	if bc.CompileBatchSize < 0 {
		errs = append(errs, fmt.Errorf("compile batch size must not be negative, got %d", bc.CompileBatchSize))
	}
	if strings.ContainsRune(bc.ModuleName, filepath.Separator) {
		errs = append(errs, fmt.Errorf("module name %q must not contain a path separator", bc.ModuleName))
	}
	return errors.Join(errs...)
}

// defaultJavaBin mirrors how a JVM launches a fresh interpreter of itself.
func defaultJavaBin() string {
	if home := os.Getenv("JAVA_HOME"); home != "" {
		return filepath.Join(home, "bin", "java")
	}
	return "java"
}
