package aab

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

var (
	configPath string
	policyFlag string
	logger     *zap.Logger
	cfg        *Config
)

var rootCmd = &cobra.Command{
	Use:   "aabuild",
	Short: "Assemble and sign Android App Bundles from compiled app outputs",
	Long: `aabuild turns the outputs of an Android app compile (dex files, merged
resources, assets, native libraries and a manifest) into a signed .aab.

Stages: structure, compile, link, extract, archive, bundle, sign.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = LoadConfig(configPath)
		if err != nil {
			return err
		}
		if cfg.Debug {
			Debug = true
		}

		zcfg := zap.NewProductionConfig()
		if Verbose || Debug {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var buildJob JobSpec
var buildOpts struct {
	logFile    string
	publish    bool
	noBar      bool
	digestFile bool
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run the full pipeline for one app",
	Example: `  aabuild build --manifest out/AndroidManifest.xml --dex out/dex --res out/res \
    --assets out/assets --libs out/libs --build-dir out/aab-build --deploy out/app.aab`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

var batchCmd = &cobra.Command{
	Use:   "batch JOB.yaml...",
	Short: "Run several builds concurrently, one per job file",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBatch,
}

var extractPrefixRoot string

var extractCmd = &cobra.Command{
	Use:   "extract PROTO.apk",
	Short: "Route the entries of a protobuf-format package into a module tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		layout := LayoutAt(extractPrefixRoot)
		layout.ProtoApk = args[0]
		if err := os.MkdirAll(filepath.Dir(layout.Root), 0o755); err != nil {
			return err
		}
		if err := layout.Create(); err != nil {
			return err
		}
		if err := ExtractEntries(layout); err != nil {
			return err
		}
		arrowf(cmd.OutOrStdout(), colSuccess, "Extracted %s into %s\n", args[0], layout.Root)
		return nil
	},
}

var zipPrefix string

var zipCmd = &cobra.Command{
	Use:   "zip DIR OUT.zip",
	Short: "Archive a directory tree as a module zip",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := zipPrefix
		if !cmd.Flags().Changed("prefix") {
			prefix = filepath.Base(filepath.Clean(args[0])) + "/"
		}
		if err := ZipTree(args[0], args[1], prefix); err != nil {
			return err
		}
		arrowf(cmd.OutOrStdout(), colSuccess, "Wrote %s\n", args[1])
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect BUNDLE",
	Short: "List the entries of a bundle and check for a signature block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspectBundle(cmd.OutOrStdout(), args[0])
	},
}

var keystoreCmd = &cobra.Command{
	Use:   "keystore PATH",
	Short: "Generate a signing keystore with keytool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := GenerateKeystore(cmd.Context(), cfg.Executor(), KeystoreOptions{
			Keytool:   cfg.Tools.Keytool,
			Path:      args[0],
			Alias:     cfg.Signing.KeyAlias,
			StorePass: cfg.Signing.StorePass,
		})
		if err != nil {
			return err
		}
		arrowf(cmd.OutOrStdout(), colSuccess, "Keystore written to %s\n", args[0])
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "aabuild %s (%s) built %s\n", version, arch, buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ConfigFile, "Config file")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&Debug, "debug", false, "Print debug output")
	rootCmd.PersistentFlags().StringVar(&policyFlag, "policy", "", `Failure policy: "strict", "lenient", optionally with overrides like "strict,sign=continue"`)

	f := buildCmd.Flags()
	f.StringVar(&buildJob.Manifest, "manifest", "", "AndroidManifest.xml of the app")
	f.StringVar(&buildJob.DexDir, "dex", "", "Directory with compiled dex files")
	f.StringVar(&buildJob.ResDir, "res", "", "Merged resource directory")
	f.StringVar(&buildJob.AssetsDir, "assets", "", "Assets directory")
	f.StringVar(&buildJob.LibsDir, "libs", "", "Native library directory")
	f.StringVar(&buildJob.BuildDir, "build-dir", "", "Directory the module is staged in")
	f.StringVar(&buildJob.Deploy, "deploy", "", "Path of the signed bundle")
	f.StringVar(&buildOpts.logFile, "log-file", "", "Also write tool output here; compressed to .xz afterwards")
	f.BoolVar(&buildOpts.publish, "publish", false, "Upload the signed bundle to the configured bucket")
	f.BoolVar(&buildOpts.noBar, "no-bar", false, "Never draw a progress bar")
	f.BoolVar(&buildOpts.digestFile, "digest-file", false, "Write the bundle's BLAKE3 digest next to it as .b3")

	batchCmd.Flags().Int("jobs", 0, "Concurrent builds (default from config)")

	extractCmd.Flags().StringVarP(&extractPrefixRoot, "out", "o", ".", "Module root to extract into")
	zipCmd.Flags().StringVar(&zipPrefix, "prefix", "", "Entry name prefix (default: DIR's name and a slash)")

	rootCmd.AddCommand(buildCmd, batchCmd, extractCmd, zipCmd, inspectCmd, keystoreCmd, versionCmd)
}

// pipelineOptions turns the configuration into pipeline options.
func pipelineOptions(ctx context.Context, out io.Writer, publish bool) ([]Option, error) {
	name := cfg.Build.Policy
	if policyFlag != "" {
		name = policyFlag
	}
	policy, err := ParsePolicy(name)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithPolicy(policy),
		WithLogger(logger),
		WithOutput(out),
		WithInspectionDelay(cfg.Build.InspectionDelay),
		WithSnapshotOnFailure(cfg.Build.SnapshotOnFailure),
	}
	if publish || cfg.Publish.Enabled {
		pub, err := NewR2Client(ctx, cfg.Publish)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithPublisher(pub))
	}
	return opts, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	bc := cfg.BuildContext(buildJob)
	bc.Start = time.Now()

	var logFile *os.File
	if buildOpts.logFile != "" {
		var err error
		logFile, err = os.Create(buildOpts.logFile)
		if err != nil {
			return fmt.Errorf("failed to create log file: %w", err)
		}
		defer func() {
			if logFile != nil {
				logFile.Close()
			}
		}()
		bc.Stdout = io.MultiWriter(os.Stdout, logFile)
		bc.Stderr = io.MultiWriter(os.Stderr, logFile)
	}

	if !buildOpts.noBar && term.IsTerminal(int(os.Stdout.Fd())) {
		bc.Reporter = NewBarReporter(os.Stdout, "bundle")
	} else {
		bc.Reporter = LineReporter{W: out, Label: "Progress"}
	}

	opts, err := pipelineOptions(ctx, out, buildOpts.publish)
	if err != nil {
		return err
	}
	exec := cfg.Executor()
	exec.Stdout, exec.Stderr = bc.Stdout, bc.Stderr
	pl, err := NewPipeline(bc, append(opts, WithRunner(exec))...)
	if err != nil {
		return err
	}

	res := pl.Run(ctx)

	if logFile != nil {
		logFile.Close()
		logFile = nil
		if err := CompressLog(buildOpts.logFile, buildOpts.logFile+".xz"); err != nil {
			arrowf(out, colWarn, "Failed to compress log: %v\n", err)
		} else {
			_ = os.Remove(buildOpts.logFile)
		}
	}

	if !res.Success {
		return fmt.Errorf("build failed: %s", describeFailures(res))
	}
	if res.Digest != "" {
		arrowf(out, colSuccess, "%s  blake3:%s\n", bc.DeployPath, res.Digest)
	}
	if buildOpts.digestFile {
		if _, err := WriteDigestFile(bc.DeployPath); err != nil {
			return err
		}
	}
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	jobs, _ := cmd.Flags().GetInt("jobs")
	if jobs <= 0 {
		jobs = cfg.Build.MaxJobs
	}
	opts, err := pipelineOptions(ctx, out, false)
	if err != nil {
		return err
	}

	pipelines, err := loadBatch(out, args, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool := NewPool(ctx, jobs, logger)
	for i, pl := range pipelines {
		if _, err := pool.Submit(pl); err != nil {
			cancel()
			pool.Wait()
			return fmt.Errorf("%s: %w", args[i], err)
		}
	}

	failed := 0
	for _, jr := range pool.Wait() {
		if jr.Result.Success {
			arrowf(out, colSuccess, "%s ok (%s)\n", jr.BuildDir, jr.Duration.Round(time.Millisecond))
			continue
		}
		failed++
		arrowf(out, colError, "%s failed: %s\n", jr.BuildDir, describeFailures(jr.Result))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d builds failed", failed, len(args))
	}
	return nil
}

// loadBatch reads every job file and builds its pipeline. Nothing is started
// until all jobs are valid and no two share a build directory.
func loadBatch(out io.Writer, paths []string, opts []Option) ([]*Pipeline, error) {
	pipelines := make([]*Pipeline, 0, len(paths))
	owners := make(map[string]string, len(paths))
	for _, path := range paths {
		js, err := LoadJobSpec(path)
		if err != nil {
			return nil, err
		}
		bc := cfg.BuildContext(js)
		bc.Start = time.Now()
		bc.Reporter = LineReporter{W: out, Label: filepath.Base(path)}

		pl, err := NewPipeline(bc, append(opts, WithRunner(cfg.Executor()))...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		dir, err := filepath.Abs(pl.BuildDir())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if other, dup := owners[dir]; dup {
			return nil, fmt.Errorf("%s: build directory %s is also used by %s", path, dir, other)
		}
		owners[dir] = path
		pipelines = append(pipelines, pl)
	}
	return pipelines, nil
}

func describeFailures(res Result) string {
	var parts []string
	for _, o := range res.Failed() {
		parts = append(parts, o.Err.Error())
	}
	if len(parts) == 0 {
		return "no stage reported an error"
	}
	return strings.Join(parts, "; ")
}

func inspectBundle(w io.Writer, path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	for _, f := range r.File {
		fmt.Fprintf(w, "%10d  %s\n", f.UncompressedSize64, f.Name)
	}
	r.Close()

	sigs, err := SignatureEntries(path)
	if err != nil {
		return err
	}
	if len(sigs) == 0 {
		arrowf(w, colWarn, "No signature block found\n")
		return fmt.Errorf("%s is not signed", path)
	}
	arrowf(w, colSuccess, "Signed: %s\n", strings.Join(sigs, ", "))
	return nil
}

// Main is the command line entry point.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	// Register to receive SIGINT (Ctrl+C) and SIGTERM (kill command)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			fmt.Fprint(os.Stderr, colArrow.Sprint("\n-> "))
			fmt.Fprint(os.Stderr, colError.Sprintf("Received %v. Cancelling build\n", sig))
			cancel()
			// A second signal forces an immediate exit.
			select {
			case <-sigs:
				os.Exit(130)
			case <-time.After(5 * time.Second):
				os.Exit(130)
			}
		case <-ctx.Done():
		}
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprint(os.Stderr, colArrow.Sprint("-> "))
		fmt.Fprintln(os.Stderr, colError.Sprintf("%v", err))
		os.Exit(1)
	}
}
