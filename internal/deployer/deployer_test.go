package deployer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soldeploy/internal/config"
	"soldeploy/internal/program"
	"soldeploy/internal/runtime"
	"soldeploy/internal/solana"
	"soldeploy/internal/solana/solanatest"
	"soldeploy/internal/store"
	"soldeploy/internal/tactile/tactiletest"
)

const deployedID = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

type fixture struct {
	cfg      *config.Config
	exec     *tactiletest.Executor
	payer    *solana.Keypair
	program  string
	history  *store.HistoryStore
	deployer *Deployer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	payer, err := solana.NewKeypair()
	require.NoError(t, err)
	keypairPath := filepath.Join(dir, "id.json")
	require.NoError(t, payer.Save(keypairPath))

	programPath := filepath.Join(dir, "add_numbers.so")
	require.NoError(t, os.WriteFile(programPath, []byte("\x7fELF"), 0644))

	cfg := config.DefaultConfig()
	cfg.KeypairPath = keypairPath

	history, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	exec := tactiletest.New().
		On("solana --version", tactiletest.Response{}).
		On("rustc --version", tactiletest.Response{}).
		On("cargo --version", tactiletest.Response{})

	return &fixture{
		cfg:      cfg,
		exec:     exec,
		payer:    payer,
		program:  programPath,
		history:  history,
		deployer: New(exec, cfg, WithHistory(history)),
	}
}

func (f *fixture) deployLine(network string) string {
	return strings.Join([]string{
		"solana", "program", "deploy",
		"--keypair", f.cfg.KeypairPath,
		"--url", f.cfg.Networks[network].URL,
		f.program,
	}, " ")
}

func TestDeploy_ExtractsProgramID(t *testing.T) {
	f := newFixture(t)
	f.exec.On(f.deployLine("devnet"), tactiletest.Response{Stdout: "Program Id: " + deployedID + "\n"})

	res, err := f.deployer.Deploy(context.Background(), f.program, Options{Network: "devnet"})
	require.NoError(t, err)
	assert.Equal(t, deployedID, res.ProgramID)
	assert.Equal(t, "devnet", res.Network)

	latest, err := f.history.LatestDeployment(context.Background(), "devnet")
	require.NoError(t, err)
	assert.Equal(t, deployedID, latest.ProgramID)
	assert.Equal(t, "add_numbers.so", latest.ProgramName)
}

func TestDeploy_UsesProgramKeypair(t *testing.T) {
	f := newFixture(t)
	programKey, err := solana.NewKeypair()
	require.NoError(t, err)
	require.NoError(t, programKey.Save(filepath.Join(filepath.Dir(f.program), "add_numbers-keypair.json")))

	f.exec.On(f.deployLine("devnet"), tactiletest.Response{Stdout: "Program Id: " + deployedID})

	res, err := f.deployer.Deploy(context.Background(), f.program, Options{})
	require.NoError(t, err)
	assert.Equal(t, programKey.PublicKey().String(), res.ProgramID)
}

func TestDeploy_DefaultsFromConfig(t *testing.T) {
	f := newFixture(t)
	f.cfg.Network = config.Localhost
	f.exec.On(f.deployLine(config.Localhost), tactiletest.Response{Stdout: "Program Id: " + deployedID})

	res, err := f.deployer.Deploy(context.Background(), f.program, Options{})
	require.NoError(t, err)
	assert.Equal(t, config.Localhost, res.Network)
	assert.Contains(t, f.exec.CallLines(), f.deployLine(config.Localhost))
}

func TestDeploy_Validation(t *testing.T) {
	tests := []struct {
		name string
		mut  func(f *fixture) (string, Options)
		code config.ErrorCode
	}{
		{
			name: "toolchain missing",
			mut: func(f *fixture) (string, Options) {
				f.deployer = New(tactiletest.New(), f.cfg)
				return f.program, Options{}
			},
			code: config.ErrSolanaCLIMissing,
		},
		{
			name: "unknown network",
			mut:  func(f *fixture) (string, Options) { return f.program, Options{Network: "moonnet"} },
			code: config.ErrInvalidNetwork,
		},
		{
			name: "missing keypair",
			mut: func(f *fixture) (string, Options) {
				return f.program, Options{KeypairPath: filepath.Join(t.TempDir(), "none.json")}
			},
			code: config.ErrInvalidKeypair,
		},
		{
			name: "missing program",
			mut: func(f *fixture) (string, Options) {
				return filepath.Join(filepath.Dir(f.program), "other.so"), Options{}
			},
			code: config.ErrProgramPath,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			path, opts := tt.mut(f)
			_, err := f.deployer.Deploy(context.Background(), path, opts)
			require.Error(t, err)
			assert.Equal(t, tt.code, config.CodeOf(err))
		})
	}
}

func TestDeploy_CLIFailure(t *testing.T) {
	f := newFixture(t)
	f.exec.On(f.deployLine("devnet"), tactiletest.Response{ExitCode: 1, Stderr: "Error: Account has insufficient funds"})

	_, err := f.deployer.Deploy(context.Background(), f.program, Options{})
	require.Error(t, err)
	assert.Equal(t, config.ErrDeployFailed, config.CodeOf(err))
	assert.Equal(t, "Deployment failed with code 1", config.MessageOf(err))
	assert.Contains(t, config.DetailsOf(err), "insufficient funds")

	_, err = f.history.LatestDeployment(context.Background(), "devnet")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeploy_NoProgramID(t *testing.T) {
	f := newFixture(t)
	f.exec.On(f.deployLine("devnet"), tactiletest.Response{Stdout: "Deploy complete\n"})

	_, err := f.deployer.Deploy(context.Background(), f.program, Options{})
	require.Error(t, err)
	assert.Equal(t, config.ErrProgramID, config.CodeOf(err))
	assert.Equal(t, "Deploy complete\n", config.DetailsOf(err))
}

func TestDeploy_InvalidProgramID(t *testing.T) {
	f := newFixture(t)
	// 0, O, I and l are not in the base58 alphabet.
	f.exec.On(f.deployLine("devnet"), tactiletest.Response{Stdout: "Program Id: 0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl"})

	_, err := f.deployer.Deploy(context.Background(), f.program, Options{})
	require.Error(t, err)
	assert.Equal(t, config.ErrProgramID, config.CodeOf(err))
	assert.Contains(t, config.MessageOf(err), "Invalid program ID extracted")
}

func TestExtractProgramID(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"standard", "Program Id: " + deployedID, deployedID},
		{"upper", "Program ID: " + deployedID, deployedID},
		{"loose", "programm id " + deployedID, deployedID},
		{"bare token", "deployed " + deployedID + " ok", deployedID},
		{"prefers labelled", "Signature: 5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW\nProgram Id: " + deployedID, deployedID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractProgramID(tt.output)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := ExtractProgramID("nothing useful")
	assert.False(t, ok)
}

func (f *fixture) withNode(t *testing.T, network string) *solanatest.Node {
	t.Helper()
	node := solanatest.NewNode(nil)
	n := f.cfg.Networks[network]
	n.URL = node.Start(t)
	f.cfg.Networks[network] = n
	f.deployer = New(f.exec, f.cfg, WithHistory(f.history), WithClientFactory(solanatest.NewClient))
	return node
}

func TestInvoke_AddNumbers(t *testing.T) {
	f := newFixture(t)
	node := f.withNode(t, "devnet")
	programID := runtime.ProgramIDFor(program.AddNumbersName).String()

	res, err := f.deployer.Invoke(context.Background(), programID, f.payer, "devnet")
	require.NoError(t, err)

	want := []string{
		"Program log: Add predefined numbers program started.",
		"Program log: Number 1: 5",
		"Program log: Number 2: 7",
		"Program log: Sum: 12",
	}
	assert.Equal(t, want, ProgramLogs(res.Logs))
	assert.Equal(t, "https://explorer.solana.com/tx/"+res.Signature+"?cluster=devnet", res.ExplorerURL)
	assert.Equal(t, f.cfg.Networks["devnet"].URL, res.Endpoint)
	assert.Equal(t, []string{"getLatestBlockhash", "sendTransaction", "getSignatureStatuses", "getTransaction"}, node.Calls())

	invs, err := f.history.ListInvocations(context.Background(), programID, 0)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, res.Signature, invs[0].Signature)
	assert.True(t, invs[0].Success)
}

func TestInvoke_FailedKeepsLogs(t *testing.T) {
	f := newFixture(t)
	rt := runtime.New()
	failing := solana.PublicKey{9, 9, 9}
	require.NoError(t, rt.Register(failing, "failing", func(ctx program.Context) error {
		ctx.Msg("checking accounts")
		return errors.New("not enough account keys")
	}))
	node := solanatest.NewNode(rt)
	n := f.cfg.Networks["devnet"]
	n.URL = node.Start(t)
	f.cfg.Networks["devnet"] = n
	f.deployer = New(f.exec, f.cfg, WithHistory(f.history), WithClientFactory(solanatest.NewClient))

	_, err := f.deployer.Invoke(context.Background(), failing.String(), f.payer, "devnet")
	require.Error(t, err)

	var ierr *InvokeError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, []string{"Program log: checking accounts"}, ProgramLogs(ierr.Logs))
	assert.NotEmpty(t, ierr.Signature)
	var txErr *solana.TransactionError
	assert.ErrorAs(t, err, &txErr)
	assert.Contains(t, node.Calls(), "getTransaction")

	invs, err := f.history.ListInvocations(context.Background(), failing.String(), 0)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.False(t, invs[0].Success)
	assert.Equal(t, ierr.Logs, invs[0].Logs)
}

func TestInvoke_MainnetExplorerURL(t *testing.T) {
	f := newFixture(t)
	f.withNode(t, config.MainnetBeta)

	res, err := f.deployer.Invoke(context.Background(), runtime.ProgramIDFor(program.AddNumbersName).String(), f.payer, config.MainnetBeta)
	require.NoError(t, err)
	assert.Equal(t, "https://explorer.solana.com/tx/"+res.Signature, res.ExplorerURL)
}

func TestInvoke_UnknownProgram(t *testing.T) {
	f := newFixture(t)
	f.withNode(t, "devnet")

	_, err := f.deployer.Invoke(context.Background(), deployedID, f.payer, "devnet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestInvoke_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.deployer.Invoke(context.Background(), deployedID, f.payer, "moonnet")
	assert.Equal(t, config.ErrInvalidNetwork, config.CodeOf(err))

	_, err = f.deployer.Invoke(context.Background(), "not-a-key", f.payer, "devnet")
	assert.Equal(t, config.ErrProgramID, config.CodeOf(err))

	_, err = f.deployer.Invoke(context.Background(), deployedID, nil, "devnet")
	assert.Equal(t, config.ErrInvalidKeypair, config.CodeOf(err))
}

func TestBalance(t *testing.T) {
	f := newFixture(t)
	node := f.withNode(t, "devnet")
	node.SetBalance(f.payer.PublicKey(), 2_500_000_000)

	sol, err := f.deployer.Balance(context.Background(), f.payer.PublicKey(), "devnet")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, sol, 1e-9)

	_, err = f.deployer.Balance(context.Background(), f.payer.PublicKey(), "moonnet")
	assert.Equal(t, config.ErrInvalidNetwork, config.CodeOf(err))
}

func TestLoadPayer(t *testing.T) {
	f := newFixture(t)
	kp, err := LoadPayer(f.cfg.KeypairPath)
	require.NoError(t, err)
	assert.Equal(t, f.payer.PublicKey(), kp.PublicKey())

	_, err = LoadPayer(filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, config.ErrInvalidKeypair, config.CodeOf(err))
}

func TestLatestProgramID(t *testing.T) {
	f := newFixture(t)
	_, err := f.deployer.LatestProgramID(context.Background(), "devnet")
	assert.Error(t, err)

	f.exec.On(f.deployLine("devnet"), tactiletest.Response{Stdout: "Program Id: " + deployedID})
	_, err = f.deployer.Deploy(context.Background(), f.program, Options{})
	require.NoError(t, err)

	id, err := f.deployer.LatestProgramID(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, deployedID, id)
}

func TestProgramLogs(t *testing.T) {
	logs := []string{
		"Program abc invoke [1]",
		"Program log: Sum: 12",
		"Program abc consumed 500 of 200000 compute units",
		"Program abc success",
	}
	assert.Equal(t, []string{"Program log: Sum: 12"}, ProgramLogs(logs))
	assert.Empty(t, ProgramLogs(nil))
}

func TestSimulate(t *testing.T) {
	f := newFixture(t)

	res, err := f.deployer.Simulate(context.Background(), SimulateOptions{Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, program.AddNumbersLogs(), res.ProgramLogs())

	invs, err := f.history.ListInvocations(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.True(t, invs[0].Simulated)
	assert.Equal(t, LocalNetwork, invs[0].Network)

	_, err = f.deployer.Simulate(context.Background(), SimulateOptions{Program: "missing"})
	assert.Equal(t, config.ErrProgramID, config.CodeOf(err))
	assert.Equal(t, "available: "+program.AddNumbersName, config.DetailsOf(err))
}

func TestLocalPrograms(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{program.AddNumbersName}, f.deployer.LocalPrograms())

	rt := runtime.New()
	require.NoError(t, rt.Register(solana.PublicKey{1}, "zeta", program.AddNumbers))
	require.NoError(t, rt.Register(solana.PublicKey{2}, "alpha", program.AddNumbers))
	d := New(f.exec, f.cfg, WithRuntime(rt))
	assert.Equal(t, []string{"alpha", "zeta"}, d.LocalPrograms())
}
