// Package builder compiles on-chain programs with the Solana toolchain.
package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"soldeploy/internal/config"
	"soldeploy/internal/logging"
	"soldeploy/internal/tactile"
)

// toolCheckTimeout bounds a single "--version" probe.
const toolCheckTimeout = 30 * time.Second

// Builder runs cargo build-sbf through a tactile executor.
type Builder struct {
	exec tactile.Executor
	cfg  *config.Config
}

// New creates a builder. A nil cfg uses the defaults.
func New(exec tactile.Executor, cfg *config.Config) *Builder {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Builder{exec: exec, cfg: cfg}
}

// ToolStatus is the probe result for one required tool.
type ToolStatus struct {
	Name      string           `json:"name"`
	Label     string           `json:"label"`
	Command   string           `json:"command"`
	Installed bool             `json:"installed"`
	Code      config.ErrorCode `json:"errorCode,omitempty"`
}

// EnvironmentReport lists every required tool in config.RequiredTools order.
type EnvironmentReport struct {
	Tools []ToolStatus `json:"tools"`
}

// OK reports whether every tool is installed.
func (r EnvironmentReport) OK() bool {
	return len(r.Missing()) == 0
}

// Missing returns the tools that failed their probe.
func (r EnvironmentReport) Missing() []ToolStatus {
	var missing []ToolStatus
	for _, t := range r.Tools {
		if !t.Installed {
			missing = append(missing, t)
		}
	}
	return missing
}

// Err converts a failing report into an SDK error: E101 when the Solana CLI
// is among the missing tools, E102 otherwise. It returns nil when OK.
func (r EnvironmentReport) Err() error {
	missing := r.Missing()
	if len(missing) == 0 {
		return nil
	}
	code := config.ErrRustMissing
	labels := make([]string, len(missing))
	for i, t := range missing {
		labels[i] = t.Label
		if t.Code == config.ErrSolanaCLIMissing {
			code = config.ErrSolanaCLIMissing
		}
	}
	return config.Errorf(code, "Missing required tools: %s", strings.Join(labels, ", "))
}

// CheckTool runs a probe command line and reports whether it exited zero.
func (b *Builder) CheckTool(ctx context.Context, command string) bool {
	cmd := tactile.ParseCommand(command)
	if cmd.Binary == "" {
		return false
	}
	cmd.Timeout = toolCheckTimeout

	res, err := b.exec.Execute(ctx, cmd)
	if err != nil {
		logging.BuildDebug("tool check %q errored: %v", command, err)
		return false
	}
	return res.OK()
}

// ValidateEnvironment probes every required tool concurrently.
func (b *Builder) ValidateEnvironment(ctx context.Context) EnvironmentReport {
	report := EnvironmentReport{Tools: make([]ToolStatus, len(config.RequiredTools))}

	g, gctx := errgroup.WithContext(ctx)
	for i, tool := range config.RequiredTools {
		i, tool := i, tool
		g.Go(func() error {
			report.Tools[i] = ToolStatus{
				Name:      tool.Name,
				Label:     tool.Label,
				Command:   tool.Command,
				Installed: b.CheckTool(gctx, tool.Command),
				Code:      tool.Missing,
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, t := range report.Tools {
		logging.BuildDebug("tool %s installed=%v", t.Name, t.Installed)
	}
	return report
}

// Options controls a build.
type Options struct {
	// Verbose streams cargo output live to Stream (stderr when nil).
	Verbose bool
	Stream  io.Writer
	// OutputDir receives a copy of the artifact when set.
	OutputDir string
}

// Result describes a successful build.
type Result struct {
	ProgramPath string        `json:"programPath"`
	ProgramName string        `json:"programName"`
	Duration    time.Duration `json:"duration"`
}

// BuildContract compiles the program in programDir and locates its .so.
func (b *Builder) BuildContract(ctx context.Context, programDir string, opts Options) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryBuild, "BuildContract")
	defer timer.Stop()

	if err := b.ValidateEnvironment(ctx).Err(); err != nil {
		return nil, err
	}

	absDir, err := filepath.Abs(programDir)
	if err != nil {
		return nil, config.Errorf(config.ErrProgramPath, "Program directory does not exist: %s", programDir).Wrap(err)
	}
	if info, err := os.Stat(absDir); err != nil || !info.IsDir() {
		return nil, config.Errorf(config.ErrProgramPath, "Program directory does not exist: %s", absDir)
	}

	logging.Build("Building Solana program at %s...", absDir)

	cmd := tactile.Command{
		Binary:           "cargo",
		Arguments:        []string{"build-sbf"},
		WorkingDirectory: absDir,
		Timeout:          b.cfg.Execution.GetBuildTimeout(),
	}
	if opts.Verbose {
		cmd.Stream = opts.Stream
		if cmd.Stream == nil {
			cmd.Stream = os.Stderr
		}
	}

	start := time.Now()
	res, err := b.exec.Execute(ctx, cmd)
	if err != nil {
		return nil, config.NewError(config.ErrBuildFailed, "").Wrap(err)
	}
	if !res.OK() {
		return nil, buildFailure(res)
	}

	deployDir := filepath.Join(absDir, b.cfg.BuildOutputDir)
	name, err := findArtifact(deployDir)
	if err != nil {
		return nil, err
	}
	artifact := filepath.Join(deployDir, name)
	result := &Result{ProgramPath: artifact, ProgramName: name, Duration: time.Since(start)}

	if opts.OutputDir != "" {
		outDir, err := filepath.Abs(opts.OutputDir)
		if err != nil {
			return nil, config.Errorf(config.ErrBuildFailed, "invalid output directory: %s", opts.OutputDir).Wrap(err)
		}
		if outDir != deployDir {
			if err := exportArtifact(deployDir, outDir, name); err != nil {
				return nil, config.Errorf(config.ErrBuildFailed, "failed to copy artifact to %s", outDir).Wrap(err)
			}
			result.ProgramPath = filepath.Join(outDir, name)
		}
	}

	logging.Build("Built %s in %s", result.ProgramName, result.Duration)
	return result, nil
}

func buildFailure(res *tactile.ExecutionResult) error {
	details := res.Stderr
	if details == "" {
		details = "No error details available"
	}
	switch {
	case res.Killed:
		return config.Errorf(config.ErrBuildFailed, "Build killed: %s", res.KillReason).WithDetails(details)
	case !res.Success:
		return config.Errorf(config.ErrBuildFailed, "Build could not start: %s", res.Error).WithDetails(details)
	default:
		logging.BuildWarn("cargo build-sbf exited %d", res.ExitCode)
		return config.Errorf(config.ErrBuildFailed, "Build failed with code %d", res.ExitCode).WithDetails(details)
	}
}

// findArtifact returns the first .so in dir by name.
func findArtifact(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return "", config.Errorf(config.ErrBuildFailed, "cannot read %s", dir).Wrap(err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".so") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", config.Errorf(config.ErrBuildFailed, "Build completed but no .so file was found")
	}
	sort.Strings(names)
	return names[0], nil
}

// exportArtifact copies the program and, when present, its program keypair
// so a later deploy from outDir keeps the same program ID.
func exportArtifact(srcDir, outDir, name string) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	if err := copyFile(filepath.Join(srcDir, name), filepath.Join(outDir, name)); err != nil {
		return err
	}
	keypair := strings.TrimSuffix(name, ".so") + "-keypair.json"
	if _, err := os.Stat(filepath.Join(srcDir, keypair)); err == nil {
		return copyFile(filepath.Join(srcDir, keypair), filepath.Join(outDir, keypair))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
