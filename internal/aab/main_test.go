package aab

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

// When AABUILD_FAKE_TOOL is set the test binary stands in for aapt2, the
// bundletool JVM and jarsigner. The first argument selects the behavior.
const (
	fakeToolEnv = "AABUILD_FAKE_TOOL"
	fakeFailEnv = "AABUILD_FAKE_FAIL" // tool kind that should exit with status 3
	fakeLogEnv  = "AABUILD_FAKE_LOG"  // file receiving one line per invocation
)

func TestMain(m *testing.M) {
	if os.Getenv(fakeToolEnv) == "1" {
		os.Exit(fakeTool(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func fakeTool(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "fake tool: no arguments")
		return 2
	}

	kind := args[0]
	switch args[0] {
	case "-jar":
		kind = "bundletool"
	case "-sigalg":
		kind = "jarsigner"
	}

	if path := os.Getenv(fakeLogEnv); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%s %s\n", kind, strings.Join(args, " "))
			f.Close()
		}
	}
	if os.Getenv(fakeFailEnv) == kind {
		fmt.Fprintf(os.Stderr, "%s: injected failure\n", kind)
		return 3
	}

	var err error
	switch kind {
	case "echo":
		fmt.Println(strings.Join(args[1:], " "))
	case "stderr":
		fmt.Fprintln(os.Stderr, strings.Join(args[1:], " "))
	case "exit":
		code, _ := strconv.Atoi(args[1])
		return code
	case "sleep":
		time.Sleep(30 * time.Second)
	case "compile":
		err = fakeCompile(args[1:])
	case "link":
		err = fakeLink(args[1:])
	case "bundletool":
		err = fakeBundletool(args[1:])
	case "jarsigner":
		err = fakeJarsigner(args)
	default:
		err = fmt.Errorf("unknown command %q", kind)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", kind, err)
		return 1
	}
	return 0
}

// flagValue returns the argument following name, or the value of name=.
func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, name+"="); ok {
			return v
		}
	}
	return ""
}

// fakeCompile writes a zip of "res/<rel>" entries in directory mode and one
// .flat file per input in batched mode. A .flat holds its entry name on the
// first line followed by the resource bytes.
func fakeCompile(args []string) error {
	out := flagValue(args, "-o")
	if dir := flagValue(args, "--dir"); dir != "" {
		entries := map[string][]byte{}
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil || !info.Mode().IsRegular() {
				return err
			}
			rel, _ := filepath.Rel(dir, path)
			data, err := os.ReadFile(path)
			entries["res/"+filepath.ToSlash(rel)] = data
			return err
		})
		if err != nil {
			return err
		}
		return writeZipBytes(out, entries)
	}

	for _, a := range args {
		if strings.HasPrefix(a, "-") || a == out || a == "compile" {
			continue
		}
		data, err := os.ReadFile(a)
		if err != nil {
			return err
		}
		typ := filepath.Base(filepath.Dir(a))
		name := typ + "_" + filepath.Base(a) + ".flat"
		content := append([]byte("res/"+typ+"/"+filepath.Base(a)+"\n"), data...)
		if err := os.WriteFile(filepath.Join(out, name), content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func fakeLink(args []string) error {
	entries := map[string][]byte{
		"resources.pb":         []byte("resource table"),
		"META-INF/MANIFEST.MF": []byte("Manifest-Version: 1.0\n"),
	}

	manifest, err := os.ReadFile(flagValue(args, "--manifest"))
	if err != nil {
		return err
	}
	entries["AndroidManifest.xml"] = manifest

	for i, a := range args {
		if a != "-R" || i+1 >= len(args) {
			continue
		}
		input := args[i+1]
		if strings.HasSuffix(input, ".flat") {
			data, err := os.ReadFile(input)
			if err != nil {
				return err
			}
			name, body, _ := strings.Cut(string(data), "\n")
			entries[name] = []byte(body)
			continue
		}
		zipped, err := readZipBytes(input)
		if err != nil {
			return err
		}
		for name, data := range zipped {
			entries[name] = data
		}
	}

	if assets := flagValue(args, "-A"); assets != "" {
		err := filepath.Walk(assets, func(path string, info os.FileInfo, err error) error {
			if err != nil || !info.Mode().IsRegular() {
				return err
			}
			rel, _ := filepath.Rel(assets, path)
			data, err := os.ReadFile(path)
			entries["assets/"+filepath.ToSlash(rel)] = data
			return err
		})
		if err != nil {
			return err
		}
	}

	if ids := flagValue(args, "--emit-ids"); ids != "" {
		if err := os.WriteFile(ids, []byte("com.example:string/app_name = 0x7f010000\n"), 0o644); err != nil {
			return err
		}
	}
	return writeZipBytes(flagValue(args, "-o"), entries)
}

func fakeBundletool(args []string) error {
	out := flagValue(args, "--output")
	if _, err := os.Stat(out); err == nil {
		return fmt.Errorf("output %s already exists", out)
	}
	entries, err := readZipBytes(flagValue(args, "--modules"))
	if err != nil {
		return err
	}
	entries["BundleConfig.pb"] = []byte("bundle config")
	return writeZipBytes(out, entries)
}

func fakeJarsigner(args []string) error {
	keystore := flagValue(args, "-keystore")
	if _, err := os.Stat(keystore); err != nil {
		return fmt.Errorf("keystore load: %w", err)
	}
	bundle, alias := args[len(args)-2], args[len(args)-1]
	entries, err := readZipBytes(bundle)
	if err != nil {
		return err
	}
	block := strings.ToUpper(alias)
	if len(block) > 8 {
		block = block[:8]
	}
	entries["META-INF/MANIFEST.MF"] = []byte("Manifest-Version: 1.0\n")
	entries["META-INF/"+block+".SF"] = []byte("Signature-Version: 1.0\n")
	entries["META-INF/"+block+".RSA"] = []byte("signature block")
	return writeZipBytes(bundle, entries)
}

func readZipBytes(path string) (map[string][]byte, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := map[string][]byte{}
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		out[f.Name] = data
	}
	return out, nil
}

// writeZipBytes writes entries in sorted name order.
func writeZipBytes(path string, entries map[string][]byte) error {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(entries[name]); err != nil {
			f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Helpers shared by the package tests.

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	b := make(map[string][]byte, len(entries))
	for k, v := range entries {
		b[k] = []byte(v)
	}
	require.NoError(t, writeZipBytes(path, b))
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// useFakeTools makes child processes started by this test act as fake tools
// and returns the path of their invocation log.
func useFakeTools(t *testing.T) string {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "invocations.log")
	t.Setenv(fakeToolEnv, "1")
	t.Setenv(fakeLogEnv, logPath)
	t.Setenv(fakeFailEnv, "")
	return logPath
}

// invokedKinds lists the tool kinds recorded in the invocation log.
func invokedKinds(t *testing.T, logPath string) []string {
	t.Helper()
	f, err := os.Open(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()
	var kinds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		kind, _, _ := strings.Cut(sc.Text(), " ")
		kinds = append(kinds, kind)
	}
	require.NoError(t, sc.Err())
	return kinds
}

func testBinary(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

// fixture is a compiled app on disk plus a BuildContext pointing at it.
type fixture struct {
	src string
	bc  BuildContext
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	src := t.TempDir()
	out := t.TempDir()

	writeFile(t, filepath.Join(src, "AndroidManifest.xml"), `<manifest package="com.example.app"/>`)
	writeFile(t, filepath.Join(src, "dex", "classes.dex"), "dex one")
	writeFile(t, filepath.Join(src, "dex", "classes2.dex"), "dex two")
	writeFile(t, filepath.Join(src, "dex", "nested", "ignored.dex"), "not moved")
	writeFile(t, filepath.Join(src, "res", "values", "strings.xml"), `<resources><string name="app_name">App</string></resources>`)
	writeFile(t, filepath.Join(src, "res", "layout", "main.xml"), `<LinearLayout/>`)
	writeFile(t, filepath.Join(src, "assets", "data.txt"), "asset bytes")
	writeFile(t, filepath.Join(src, "libs", "armeabi-v7a", "libfoo.so"), "ELF")
	writeFile(t, filepath.Join(src, "debug.keystore"), "keystore")

	exe := testBinary(t)
	return fixture{
		src: src,
		bc: BuildContext{
			ManifestPath:   filepath.Join(src, "AndroidManifest.xml"),
			DexDir:         filepath.Join(src, "dex"),
			ResDir:         filepath.Join(src, "res"),
			AssetsDir:      filepath.Join(src, "assets"),
			LibsDir:        filepath.Join(src, "libs"),
			Aapt2:          exe,
			Bundletool:     "bundletool.jar",
			Jarsigner:      exe,
			JavaBin:        exe,
			AndroidRuntime: "android.jar",
			BuildDir:       filepath.Join(out, "build"),
			DeployPath:     filepath.Join(out, "app.aab"),
			Keystore:       filepath.Join(src, "debug.keystore"),
			Stdout:         io.Discard,
			Stderr:         io.Discard,
		},
	}
}
