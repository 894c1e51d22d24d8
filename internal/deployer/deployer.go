// Package deployer ships built programs to a Solana cluster and invokes them.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"soldeploy/internal/builder"
	"soldeploy/internal/config"
	"soldeploy/internal/logging"
	"soldeploy/internal/program"
	"soldeploy/internal/runtime"
	"soldeploy/internal/solana"
	"soldeploy/internal/store"
	"soldeploy/internal/tactile"
)

// LocalNetwork labels simulated invocations in the history.
const LocalNetwork = "local"

// ClientFactory creates an RPC client for an endpoint URL.
type ClientFactory func(endpoint string) *solana.Client

// Deployer drives the Solana CLI for deploys and the RPC API for invokes.
type Deployer struct {
	exec      tactile.Executor
	cfg       *config.Config
	builder   *builder.Builder
	history   *store.HistoryStore
	runtime   *runtime.Runtime
	newClient ClientFactory
}

// Option configures a Deployer.
type Option func(*Deployer)

// WithHistory records deploys and invokes in h.
func WithHistory(h *store.HistoryStore) Option {
	return func(d *Deployer) { d.history = h }
}

// WithRuntime sets the runtime used by Simulate.
func WithRuntime(rt *runtime.Runtime) Option {
	return func(d *Deployer) { d.runtime = rt }
}

// WithClientFactory overrides how RPC clients are built.
func WithClientFactory(f ClientFactory) Option {
	return func(d *Deployer) { d.newClient = f }
}

// New creates a deployer. A nil cfg uses the defaults.
func New(exec tactile.Executor, cfg *config.Config, opts ...Option) *Deployer {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	d := &Deployer{
		exec:    exec,
		cfg:     cfg,
		builder: builder.New(exec, cfg),
		newClient: func(endpoint string) *solana.Client {
			return solana.NewClient(endpoint)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.runtime == nil {
		d.runtime = runtime.NewWithBuiltins()
	}
	return d
}

// Builder returns the builder sharing this deployer's executor and config.
func (d *Deployer) Builder() *builder.Builder { return d.builder }

// Config returns the active configuration.
func (d *Deployer) Config() *config.Config { return d.cfg }

// History returns the configured history store, or nil.
func (d *Deployer) History() *store.HistoryStore { return d.history }

// Options controls a deploy.
type Options struct {
	Network     string
	KeypairPath string
	// Verbose streams CLI output live to Stream (stderr when nil).
	Verbose bool
	Stream  io.Writer
}

// DeployResult describes a successful deploy.
type DeployResult struct {
	ProgramID   string        `json:"programId"`
	Network     string        `json:"network"`
	ProgramPath string        `json:"programPath"`
	Duration    time.Duration `json:"duration"`
}

// Deploy uploads the program at programPath with `solana program deploy`.
func (d *Deployer) Deploy(ctx context.Context, programPath string, opts Options) (*DeployResult, error) {
	timer := logging.StartTimer(logging.CategoryDeploy, "Deploy")
	defer timer.Stop()

	if opts.Network == "" {
		opts.Network = d.cfg.Network
	}
	if opts.KeypairPath == "" {
		opts.KeypairPath = d.cfg.KeypairPath
	}

	if !d.builder.ValidateEnvironment(ctx).OK() {
		return nil, config.NewError(config.ErrSolanaCLIMissing, "")
	}
	network, err := d.cfg.ResolveNetwork(opts.Network)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(opts.KeypairPath); err != nil {
		return nil, config.NewError(config.ErrInvalidKeypair, opts.KeypairPath)
	}
	absPath, err := filepath.Abs(programPath)
	if err != nil {
		return nil, config.NewError(config.ErrProgramPath, programPath).Wrap(err)
	}
	if info, err := os.Stat(absPath); err != nil || info.IsDir() {
		return nil, config.NewError(config.ErrProgramPath, absPath)
	}

	logging.Deploy("Deploying program to %s...", network.Label)

	knownID := programKeypairID(absPath)

	cmd := tactile.Command{
		Binary:    "solana",
		Arguments: []string{"program", "deploy", "--keypair", opts.KeypairPath, "--url", network.URL, absPath},
		Timeout:   d.cfg.Execution.GetBuildTimeout(),
	}
	if opts.Verbose {
		cmd.Stream = opts.Stream
		if cmd.Stream == nil {
			cmd.Stream = os.Stderr
		}
	}

	start := time.Now()
	res, err := d.exec.Execute(ctx, cmd)
	if err != nil {
		return nil, config.NewError(config.ErrDeployFailed, "").Wrap(err)
	}
	if !res.OK() {
		return nil, deployFailure(res)
	}
	logging.DeployDebug("solana program deploy output:\n%s", res.Stdout)

	programID := knownID
	if programID == "" {
		programID, err = programIDFromOutput(res.Stdout)
		if err != nil {
			return nil, err
		}
	}

	result := &DeployResult{
		ProgramID:   programID,
		Network:     network.Name,
		ProgramPath: absPath,
		Duration:    time.Since(start),
	}
	logging.Deploy("Deployed %s to %s as %s", filepath.Base(absPath), network.Name, programID)

	if d.history != nil {
		rec := &store.Deployment{
			ProgramID:   result.ProgramID,
			ProgramName: filepath.Base(absPath),
			ProgramPath: absPath,
			Network:     network.Name,
			Duration:    result.Duration,
		}
		if err := d.history.RecordDeployment(ctx, rec); err != nil {
			logging.DeployWarn("failed to record deployment: %v", err)
		}
	}
	return result, nil
}

func deployFailure(res *tactile.ExecutionResult) error {
	details := res.Stderr
	if details == "" {
		details = "No error details available"
	}
	switch {
	case res.Killed:
		return config.Errorf(config.ErrDeployFailed, "Deployment killed: %s", res.KillReason).WithDetails(details)
	case !res.Success:
		return config.Errorf(config.ErrDeployFailed, "Deployment could not start: %s", res.Error).WithDetails(details)
	default:
		return config.Errorf(config.ErrDeployFailed, "Deployment failed with code %d", res.ExitCode).WithDetails(details)
	}
}

// programKeypairID returns the public key of <name>-keypair.json next to the
// program, or "" when there is no usable keypair.
func programKeypairID(programPath string) string {
	name := strings.TrimSuffix(filepath.Base(programPath), ".so")
	path := filepath.Join(filepath.Dir(programPath), name+"-keypair.json")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	kp, err := solana.LoadKeypair(path)
	if err != nil {
		logging.DeployWarn("Could not extract program ID from keypair file %s: %v", path, err)
		return ""
	}
	id := kp.PublicKey().String()
	logging.Deploy("Program ID from keypair: %s", id)
	return id
}

// Patterns tried in order against `solana program deploy` output.
var programIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Program Id: ([a-zA-Z0-9]{32,44})`),
	regexp.MustCompile(`Program ID: ([a-zA-Z0-9]{32,44})`),
	regexp.MustCompile(`(?i)Programm?\s*ID:?\s*([a-zA-Z0-9]{32,44})`),
	regexp.MustCompile(`([a-zA-Z0-9]{32,44})`),
}

// ExtractProgramID finds a program ID candidate in CLI output.
func ExtractProgramID(output string) (string, bool) {
	for _, re := range programIDPatterns {
		if m := re.FindStringSubmatch(output); len(m) > 1 && m[1] != "" {
			return m[1], true
		}
	}
	return "", false
}

func programIDFromOutput(output string) (string, error) {
	id, ok := ExtractProgramID(output)
	if !ok {
		return "", config.NewError(config.ErrProgramID, "").WithDetails(output)
	}
	if _, err := solana.ParsePublicKey(id); err != nil {
		return "", config.Errorf(config.ErrProgramID, "Invalid program ID extracted: %s", id).WithDetails(err.Error())
	}
	return id, nil
}

// LoadPayer reads a fee payer keypair, reporting failures as E106.
func LoadPayer(path string) (*solana.Keypair, error) {
	kp, err := solana.LoadKeypair(path)
	if err != nil {
		return nil, config.NewError(config.ErrInvalidKeypair, path).Wrap(err)
	}
	return kp, nil
}

// InvokeResult describes a confirmed invocation.
type InvokeResult struct {
	ProgramID   string   `json:"programId"`
	Network     string   `json:"network"`
	Endpoint    string   `json:"endpoint"`
	Signature   string   `json:"signature"`
	Logs        []string `json:"logs"`
	ExplorerURL string   `json:"explorerUrl"`
}

// InvokeError is returned when an invoke transaction was sent but did not
// succeed. Logs holds whatever the node recorded for it.
type InvokeError struct {
	ProgramID   string
	Signature   string
	ExplorerURL string
	Logs        []string
	Err         error
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.ProgramID, e.Err)
}

func (e *InvokeError) Unwrap() error { return e.Err }

// Invoke sends a transaction with one instruction to programID, carrying no
// accounts and empty data, and returns the confirmed transaction's logs.
func (d *Deployer) Invoke(ctx context.Context, programID string, payer *solana.Keypair, networkName string) (*InvokeResult, error) {
	timer := logging.StartTimer(logging.CategoryDeploy, "Invoke")
	defer timer.Stop()

	if networkName == "" {
		networkName = d.cfg.Network
	}
	network, err := d.cfg.ResolveNetwork(networkName)
	if err != nil {
		return nil, err
	}
	if payer == nil {
		return nil, config.NewError(config.ErrInvalidKeypair, "no fee payer")
	}
	pid, err := solana.ParsePublicKey(programID)
	if err != nil {
		return nil, config.Errorf(config.ErrProgramID, "Invalid program ID: %s", programID).Wrap(err)
	}

	client := d.newClient(network.URL)
	blockhash, err := client.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", programID, err)
	}

	tx, err := solana.NewTransaction([]solana.Instruction{{ProgramID: pid, Data: []byte{}}}, blockhash, payer.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", programID, err)
	}
	if err := tx.Sign(payer); err != nil {
		return nil, fmt.Errorf("invoke %s: %w", programID, err)
	}

	sig, err := client.SendTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", programID, err)
	}
	logging.DeployDebug("sent transaction %s to %s", sig, client.Endpoint())

	if err := client.ConfirmTransaction(ctx, sig); err != nil {
		ierr := &InvokeError{
			ProgramID:   programID,
			Signature:   sig.String(),
			ExplorerURL: config.ExplorerURL(sig.String(), network.Name),
			Err:         err,
		}
		var txErr *solana.TransactionError
		if errors.As(err, &txErr) {
			// A failed transaction still has logs; they say why it failed.
			logs, lerr := client.GetTransactionLogs(ctx, sig)
			if lerr != nil {
				logging.DeployWarn("failed to fetch logs of %s: %v", sig, lerr)
			}
			ierr.Logs = logs
		}
		d.recordInvocation(ctx, &store.Invocation{
			ProgramID:   programID,
			Network:     network.Name,
			Signature:   ierr.Signature,
			Logs:        ierr.Logs,
			ExplorerURL: ierr.ExplorerURL,
		})
		return nil, ierr
	}

	logs, err := client.GetTransactionLogs(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", programID, err)
	}

	result := &InvokeResult{
		ProgramID:   programID,
		Network:     network.Name,
		Endpoint:    client.Endpoint(),
		Signature:   sig.String(),
		Logs:        logs,
		ExplorerURL: config.ExplorerURL(sig.String(), network.Name),
	}
	logging.Deploy("Program invoked successfully! Transaction signature: %s", result.Signature)

	d.recordInvocation(ctx, &store.Invocation{
		ProgramID:   programID,
		Network:     network.Name,
		Signature:   result.Signature,
		Logs:        logs,
		Success:     true,
		ExplorerURL: result.ExplorerURL,
	})
	return result, nil
}

func (d *Deployer) recordInvocation(ctx context.Context, inv *store.Invocation) {
	if d.history == nil {
		return
	}
	if err := d.history.RecordInvocation(ctx, inv); err != nil {
		logging.DeployWarn("failed to record invocation: %v", err)
	}
}

// LatestProgramID returns the most recently deployed program on network.
func (d *Deployer) LatestProgramID(ctx context.Context, network string) (string, error) {
	if network == "" {
		network = d.cfg.Network
	}
	if d.history == nil {
		return "", fmt.Errorf("no deployment history configured")
	}
	dep, err := d.history.LatestDeployment(ctx, network)
	if err != nil {
		return "", fmt.Errorf("no deployed program on %s: %w", network, err)
	}
	return dep.ProgramID, nil
}

// Balance returns account's balance in SOL.
func (d *Deployer) Balance(ctx context.Context, account solana.PublicKey, networkName string) (float64, error) {
	if networkName == "" {
		networkName = d.cfg.Network
	}
	network, err := d.cfg.ResolveNetwork(networkName)
	if err != nil {
		return 0, err
	}
	lamports, err := d.newClient(network.URL).GetBalance(ctx, account)
	if err != nil {
		return 0, err
	}
	return float64(lamports) / solana.LamportsPerSOL, nil
}

// ProgramLogs keeps only the lines a program emitted itself.
func ProgramLogs(logs []string) []string {
	out := make([]string, 0, len(logs))
	for _, line := range logs {
		if strings.Contains(line, "Program log:") {
			out = append(out, line)
		}
	}
	return out
}

// LocalPrograms lists the programs Simulate can run.
func (d *Deployer) LocalPrograms() []string { return d.runtime.Programs() }

// SimulateOptions selects what Simulate runs.
type SimulateOptions struct {
	// Program is a registered program name; empty means add_numbers.
	Program  string
	Accounts []program.AccountInfo
	Data     []byte
}

// Simulate runs a built-in program on the local runtime. No cluster, keypair
// or toolchain is involved.
func (d *Deployer) Simulate(ctx context.Context, opts SimulateOptions) (*runtime.Result, error) {
	name := opts.Program
	if name == "" {
		name = program.AddNumbersName
	}
	id, ok := d.runtime.Lookup(name)
	if !ok {
		return nil, config.Errorf(config.ErrProgramID, "Unknown local program: %s", name).
			WithDetails("available: " + strings.Join(d.LocalPrograms(), ", "))
	}

	res, err := d.runtime.Invoke(ctx, runtime.Instruction{ProgramID: id, Accounts: opts.Accounts, Data: opts.Data})
	if err != nil {
		return nil, err
	}
	logging.Runtime("Simulated %s in %s", name, res.Duration)

	d.recordInvocation(ctx, &store.Invocation{
		ProgramID: id.String(),
		Network:   LocalNetwork,
		Logs:      res.Logs,
		Success:   res.Success(),
		Simulated: true,
	})
	return res, nil
}
