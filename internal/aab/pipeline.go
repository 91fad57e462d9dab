package aab

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Stage names a pipeline step.
type Stage string

const (
	StageStructure Stage = "structure"
	StageCompile   Stage = "compile"
	StageLink      Stage = "link"
	StageExtract   Stage = "extract"
	StageArchive   Stage = "archive"
	StageBundle    Stage = "bundle"
	StageSign      Stage = "sign"
	StagePublish   Stage = "publish"
)

// Stages lists the steps in execution order. Publish only runs when a
// Publisher is configured.
var Stages = []Stage{
	StageStructure, StageCompile, StageLink, StageExtract,
	StageArchive, StageBundle, StageSign, StagePublish,
}

// Action is what the driver does when a stage fails.
type Action int

const (
	Abort Action = iota
	Continue
)

func (a Action) String() string {
	if a == Continue {
		return "continue"
	}
	return "abort"
}

// Policy maps stages to their failure action. Stages missing from the map
// abort.
type Policy map[Stage]Action

// StrictPolicy aborts on the first failure.
func StrictPolicy() Policy {
	p := Policy{}
	for _, s := range Stages {
		p[s] = Abort
	}
	return p
}

// LenientPolicy keeps going after link, extract, archive, bundle, sign and
// publish failures so the partial output stays around for inspection.
func LenientPolicy() Policy {
	p := StrictPolicy()
	for _, s := range []Stage{StageLink, StageExtract, StageArchive, StageBundle, StageSign, StagePublish} {
		p[s] = Continue
	}
	return p
}

// ParsePolicy resolves "strict" or "lenient", optionally followed by
// per-stage overrides such as "strict,sign=continue".
func ParsePolicy(s string) (Policy, error) {
	parts := strings.Split(s, ",")
	var p Policy
	switch strings.TrimSpace(parts[0]) {
	case "", "strict":
		p = StrictPolicy()
	case "lenient":
		p = LenientPolicy()
	default:
		return nil, fmt.Errorf("unknown policy %q (want strict or lenient)", parts[0])
	}
	for _, override := range parts[1:] {
		stage, action, ok := strings.Cut(strings.TrimSpace(override), "=")
		if !ok {
			return nil, fmt.Errorf("malformed policy override %q", override)
		}
		if !knownStage(Stage(stage)) {
			return nil, fmt.Errorf("unknown stage %q in policy", stage)
		}
		switch action {
		case "abort":
			p[Stage(stage)] = Abort
		case "continue":
			p[Stage(stage)] = Continue
		default:
			return nil, fmt.Errorf("unknown action %q for stage %s", action, stage)
		}
	}
	return p, nil
}

// ActionFor returns the failure action for s. Structure creation always
// aborts since nothing can run without a staged layout.
func (p Policy) ActionFor(s Stage) Action {
	if s == StageStructure {
		return Abort
	}
	if a, ok := p[s]; ok {
		return a
	}
	return Abort
}

func knownStage(s Stage) bool {
	for _, k := range Stages {
		if k == s {
			return true
		}
	}
	return false
}

// StageOutcome records how a single stage ended.
type StageOutcome struct {
	Stage     Stage
	Err       *StageError
	Tolerated bool
	Duration  time.Duration
}

// Result is the outcome of a run. Success is false when any stage with an
// Abort action failed.
type Result struct {
	Success  bool
	Outcomes []StageOutcome
	Digest   string // BLAKE3 of the signed bundle, set after a successful sign
	Key      string // object key, set after a successful publish
}

// Failed returns the outcomes that ended in an error.
func (r Result) Failed() []StageOutcome {
	var out []StageOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Ran reports whether stage s was started.
func (r Result) Ran(s Stage) bool {
	for _, o := range r.Outcomes {
		if o.Stage == s {
			return true
		}
	}
	return false
}

// Pipeline turns the outputs of an app compile into a signed bundle. A
// Pipeline owns its BuildContext and runs its stages on the calling
// goroutine.
type Pipeline struct {
	bc              BuildContext
	policy          Policy
	runner          Runner
	logger          *zap.Logger
	out             io.Writer
	publisher       Publisher
	inspectionDelay time.Duration
	snapshot        bool
	now             func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPolicy sets the per-stage failure policy. The default is StrictPolicy.
func WithPolicy(p Policy) Option { return func(pl *Pipeline) { pl.policy = p } }

// WithRunner replaces the tool runner used by the compile, link, bundle and sign stages.
func WithRunner(r Runner) Option { return func(pl *Pipeline) { pl.runner = r } }

// WithLogger sets the structured logger for stage events.
func WithLogger(l *zap.Logger) Option { return func(pl *Pipeline) { pl.logger = l } }

// WithOutput sets where stage banners and the summary are printed.
func WithOutput(w io.Writer) Option { return func(pl *Pipeline) { pl.out = w } }

// WithPublisher uploads the signed bundle after a successful run.
func WithPublisher(p Publisher) Option { return func(pl *Pipeline) { pl.publisher = p } }

// WithInspectionDelay holds the run for d before reporting completion,
// leaving the intermediate files in place for a look.
func WithInspectionDelay(d time.Duration) Option {
	return func(pl *Pipeline) { pl.inspectionDelay = d }
}

// WithSnapshotOnFailure archives the build directory when a stage fails.
func WithSnapshotOnFailure(on bool) Option {
	return func(pl *Pipeline) { pl.snapshot = on }
}

// NewPipeline validates bc and returns a pipeline using the strict policy
// and an Executor unless options say otherwise.
func NewPipeline(bc BuildContext, opts ...Option) (*Pipeline, error) {
	if err := bc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid build context: %w", err)
	}
	pl := &Pipeline{
		bc:     bc.withDefaults(),
		policy: StrictPolicy(),
		logger: zap.NewNop(),
		out:    os.Stdout,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(pl)
	}
	if pl.runner == nil {
		pl.runner = &Executor{Stdout: pl.bc.Stdout, Stderr: pl.bc.Stderr}
	}
	return pl, nil
}

// BuildDir is the output directory root the pipeline writes into.
func (p *Pipeline) BuildDir() string { return p.bc.BuildDir }

type step struct {
	stage Stage
	title string
	run   func(ctx context.Context, layout Layout) error
}

func (p *Pipeline) steps(res *Result) []step {
	steps := []step{
		{StageCompile, "Generating AAB resources", func(ctx context.Context, l Layout) error {
			return CompileResources(ctx, p.runner, p.bc, l)
		}},
		{StageLink, "Linking AAB resources", func(ctx context.Context, l Layout) error {
			return LinkResources(ctx, p.runner, p.bc, l)
		}},
		{StageExtract, "Extracting protobuf resources", func(_ context.Context, l Layout) error {
			return ExtractProtoApk(l)
		}},
		{StageArchive, "Archiving base module", func(_ context.Context, l Layout) error {
			return ArchiveModule(l)
		}},
		{StageBundle, "Running bundletool", func(ctx context.Context, l Layout) error {
			return BuildBundle(ctx, p.runner, p.bc, l)
		}},
		{StageSign, "Signing bundle", func(ctx context.Context, l Layout) error {
			if err := SignBundle(ctx, p.runner, p.bc, l); err != nil {
				return err
			}
			if sum, err := BundleDigest(l.Bundle); err == nil {
				res.Digest = sum
			} else {
				p.logger.Debug("bundle digest unavailable", zap.Error(err))
			}
			return nil
		}},
	}
	if p.publisher != nil {
		steps = append(steps, step{StagePublish, "Publishing bundle", func(ctx context.Context, l Layout) error {
			digest := res.Digest
			if digest == "" {
				sum, err := BundleDigest(l.Bundle)
				if err != nil {
					return &StageError{Kind: ErrPublish, Err: err}
				}
				digest = sum
			}
			key, err := p.publisher.Publish(ctx, l.Bundle, digest)
			if err != nil {
				return err
			}
			res.Key = key
			arrowf(p.out, colSuccess, "Published %s\n", key)
			return nil
		}})
	}
	return steps
}

// Run executes the stages in order and returns the outcome. The reporter is
// told 100 once, and only when the run succeeds.
func (p *Pipeline) Run(ctx context.Context) Result {
	var res Result
	log := p.logger.With(zap.String("build_dir", p.bc.BuildDir))

	p.title("Creating AAB structure")
	began := p.now()
	layout, err := StageLayout(p.bc)
	if !p.record(&res, log, StageStructure, err, began) {
		return p.finish(ctx, res, log)
	}

	for _, s := range p.steps(&res) {
		p.title(s.title)
		began := p.now()
		if !p.record(&res, log, s.stage, s.run(ctx, layout), began) {
			return p.finish(ctx, res, log)
		}
	}

	res.Success = true
	return p.finish(ctx, res, log)
}

// record appends the outcome of a stage and reports whether the run may go on.
func (p *Pipeline) record(res *Result, log *zap.Logger, stage Stage, err error, began time.Time) bool {
	o := StageOutcome{Stage: stage, Duration: p.now().Sub(began)}
	if err == nil {
		res.Outcomes = append(res.Outcomes, o)
		log.Debug("stage finished", zap.String("stage", string(stage)), zap.Duration("took", o.Duration))
		return true
	}

	o.Err = tagStage(stage, err)
	action := p.policy.ActionFor(stage)
	o.Tolerated = action == Continue
	res.Outcomes = append(res.Outcomes, o)

	log.Warn("stage failed",
		zap.String("stage", string(stage)),
		zap.Stringer("action", action),
		zap.Int("exit_code", o.Err.ExitCode),
		zap.Error(o.Err))
	if o.Tolerated {
		arrowf(p.out, colWarn, "%v (continuing)\n", o.Err)
		return true
	}
	arrowf(p.out, colError, "%v\n", o.Err)
	return false
}

func (p *Pipeline) finish(ctx context.Context, res Result, log *zap.Logger) Result {
	if p.snapshot && len(res.Failed()) > 0 {
		dest := strings.TrimRight(p.bc.BuildDir, string(os.PathSeparator)) + ".failed.tar.zst"
		if err := SnapshotBuildDir(p.bc.BuildDir, dest); err != nil {
			log.Warn("snapshot failed", zap.Error(err))
		} else {
			arrowf(p.out, colNote, "Build directory preserved in %s\n", dest)
		}
	}

	if !res.Success {
		log.Info("build failed", zap.Int("failed_stages", len(res.Failed())))
		return res
	}

	if p.inspectionDelay > 0 {
		select {
		case <-time.After(p.inspectionDelay):
		case <-ctx.Done():
		}
	}

	if p.bc.Reporter != nil {
		p.bc.Reporter.Report(100)
	}
	if !p.bc.Start.IsZero() {
		elapsed := p.now().Sub(p.bc.Start)
		arrowf(p.out, colSuccess, "Build finished in %.3f seconds\n", elapsed.Seconds())
		log.Info("build finished", zap.Duration("elapsed", elapsed), zap.String("bundle", p.bc.DeployPath))
	}
	return res
}

func (p *Pipeline) title(s string) {
	fmt.Fprintf(p.out, "________%s\n", s)
}
