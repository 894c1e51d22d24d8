package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"soldeploy/internal/builder"
	"soldeploy/internal/deployer"
	"soldeploy/internal/server"
	"soldeploy/internal/solana"
	"soldeploy/internal/store"
	"soldeploy/internal/watch"
)

// failedError prefixes an error with the step that failed.
type failedError struct {
	step string
	err  error
}

func (e *failedError) Error() string { return e.step + " failed: " + e.err.Error() }
func (e *failedError) Unwrap() error { return e.err }

func failed(step string, err error) error {
	return &failedError{step: step, err: err}
}

var buildCmd = &cobra.Command{
	Use:   "build <program-dir>",
	Short: "Build a Solana program with cargo build-sbf",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuild,
}

var deployCmd = &cobra.Command{
	Use:   "deploy <program-path>",
	Short: "Deploy a compiled .so program",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeploy,
}

var buildAndDeployCmd = &cobra.Command{
	Use:   "build-and-deploy <program-dir>",
	Short: "Build and deploy a program in one step",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuildAndDeploy,
}

var checkEnvironmentCmd = &cobra.Command{
	Use:   "check-environment",
	Short: "Check that the Solana CLI, Rust and Cargo are installed",
	Args:  cobra.NoArgs,
	RunE:  runCheckEnvironment,
}

var invokeCmd = &cobra.Command{
	Use:   "invoke [program-id]",
	Short: "Invoke a deployed program",
	Long: `Invoke sends one instruction with no accounts and empty data to the
program. Without a program ID the latest deployment on the network is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInvoke,
}

var buildDeployInvokeCmd = &cobra.Command{
	Use:   "build-deploy-invoke <program-dir>",
	Short: "Build, deploy and invoke a program in one step",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuildDeployInvoke,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a built-in program on the local runtime",
	Args:  cobra.NoArgs,
	RunE:  runSimulate,
}

var balanceCmd = &cobra.Command{
	Use:   "balance [pubkey]",
	Short: "Show an account balance in SOL",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBalance,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent deployments and invocations",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var explorerCmd = &cobra.Command{
	Use:     "explorer-ui",
	Aliases: []string{"web-ui"},
	Short:   "Start the contract explorer server",
	Args:    cobra.NoArgs,
	RunE:    runExplorer,
}

func buildOptions(cmd *cobra.Command) builder.Options {
	return builder.Options{
		Verbose:   verbose,
		Stream:    cmd.ErrOrStderr(),
		OutputDir: stringFlag(cmd, "output"),
	}
}

func deployOptions(cmd *cobra.Command) deployer.Options {
	return deployer.Options{
		Network:     networkFlag(cmd),
		KeypairPath: keypairFlag(cmd),
		Verbose:     verbose,
		Stream:      cmd.ErrOrStderr(),
	}
}

func build(cmd *cobra.Command, d *deployer.Deployer, dir string) (*builder.Result, error) {
	res, err := d.Builder().BuildContract(cmd.Context(), dir, buildOptions(cmd))
	if err != nil {
		return nil, failed("Build", err)
	}
	out := cmd.OutOrStdout()
	printSuccess(out, "Build successful!")
	printField(out, "Program", res.ProgramName)
	printField(out, "Path", res.ProgramPath)
	if info, err := os.Stat(res.ProgramPath); err == nil {
		printField(out, "Size", humanize.Bytes(uint64(info.Size())))
	}
	return res, nil
}

func deploy(cmd *cobra.Command, d *deployer.Deployer, programPath string) (*deployer.DeployResult, error) {
	res, err := d.Deploy(cmd.Context(), programPath, deployOptions(cmd))
	if err != nil {
		return nil, failed("Deployment", err)
	}
	out := cmd.OutOrStdout()
	printSuccess(out, "Deployment successful!")
	label := res.Network
	if n, err := cfg.ResolveNetwork(res.Network); err == nil {
		label = n.Label
	}
	printField(out, "Network", label)
	printField(out, "Program ID", res.ProgramID)
	return res, nil
}

func invoke(cmd *cobra.Command, d *deployer.Deployer, programID string) error {
	network := networkFlag(cmd)
	payer, err := deployer.LoadPayer(keypairFlag(cmd))
	if err != nil {
		return failed("Program invocation", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Invoking program %s on %s...\n", programID, network)
	res, err := d.Invoke(cmd.Context(), programID, payer, network)
	if err != nil {
		var ierr *deployer.InvokeError
		if errors.As(err, &ierr) && len(ierr.Logs) > 0 {
			printField(out, "Transaction signature", ierr.Signature)
			printHeader(out, "Program Logs:")
			for _, line := range deployer.ProgramLogs(ierr.Logs) {
				fmt.Fprintf(out, "  %s\n", line)
			}
		}
		return failed("Program invocation", err)
	}

	printSuccess(out, "Program invoked successfully!")
	printField(out, "Transaction signature", res.Signature)
	printField(out, "View in Explorer", res.ExplorerURL)
	fmt.Fprintln(out)
	printHeader(out, "Program Logs:")
	for _, line := range deployer.ProgramLogs(res.Logs) {
		fmt.Fprintf(out, "  %s\n", line)
	}
	return nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	d := newDeployer()
	dir := args[0]
	if _, err := build(cmd, d, dir); err != nil {
		return err
	}

	watchMode, _ := cmd.Flags().GetBool("watch")
	if !watchMode {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return watchAndRebuild(ctx, cmd, d, dir)
}

// watchAndRebuild rebuilds dir after every settled burst of source changes
// until ctx is cancelled. Failed rebuilds are reported and watching continues.
func watchAndRebuild(ctx context.Context, cmd *cobra.Command, d *deployer.Deployer, dir string) error {
	w, err := watch.New(dir, func(ctx context.Context, changed []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Change detected in %d file(s), rebuilding...\n", len(changed))
		if _, err := d.Builder().BuildContract(ctx, dir, buildOptions(cmd)); err != nil {
			printError(cmd.ErrOrStderr(), failed("Build", err))
			return
		}
		printSuccess(cmd.OutOrStdout(), "Rebuild successful!")
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for changes (Ctrl+C to stop)\n", dir)
	<-ctx.Done()
	return nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	_, err := deploy(cmd, newDeployer(), args[0])
	return err
}

func runBuildAndDeploy(cmd *cobra.Command, args []string) error {
	d := newDeployer()
	fmt.Fprintf(cmd.OutOrStdout(), "Building and deploying Solana program from %s...\n", args[0])
	res, err := build(cmd, d, args[0])
	if err != nil {
		return err
	}
	_, err = deploy(cmd, d, res.ProgramPath)
	return err
}

func runCheckEnvironment(cmd *cobra.Command, args []string) error {
	report := newDeployer().Builder().ValidateEnvironment(cmd.Context())
	out := cmd.OutOrStdout()
	if report.OK() {
		printSuccess(out, "All required tools are installed:")
		for _, t := range report.Tools {
			fmt.Fprintf(out, "  - %s\n", t.Label)
		}
		return nil
	}

	errOut := cmd.ErrOrStderr()
	fmt.Fprintln(errOut, errorStyle.Render("❌ Some required tools are missing:"))
	for _, t := range report.Missing() {
		fmt.Fprintf(errOut, "  - %s is not installed\n", t.Label)
	}
	fmt.Fprintln(errOut, "\nPlease install the missing tools before using soldeploy.")
	return report.Err()
}

func runInvoke(cmd *cobra.Command, args []string) error {
	d := newDeployer()
	var programID string
	if len(args) > 0 {
		programID = args[0]
	} else {
		id, err := d.LatestProgramID(cmd.Context(), networkFlag(cmd))
		if err != nil {
			return fmt.Errorf("no program ID given and no deployment found on %s: %w", networkFlag(cmd), err)
		}
		programID = id
	}
	return invoke(cmd, d, programID)
}

func runBuildDeployInvoke(cmd *cobra.Command, args []string) error {
	d := newDeployer()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Building, deploying, and invoking Solana program from %s...\n", args[0])

	built, err := build(cmd, d, args[0])
	if err != nil {
		return err
	}
	deployed, err := deploy(cmd, d, built.ProgramPath)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Waiting for deployment to confirm...")
	select {
	case <-time.After(cfg.GetConfirmDelay()):
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}

	return invoke(cmd, d, deployed.ProgramID)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	data, _ := cmd.Flags().GetBytesHex("data")
	res, err := newDeployer().Simulate(cmd.Context(), deployer.SimulateOptions{
		Program: stringFlag(cmd, "program"),
		Data:    data,
	})
	if err != nil {
		return failed("Simulation", err)
	}

	out := cmd.OutOrStdout()
	if !res.Success() {
		return failed("Simulation", res.Err)
	}
	printSuccess(out, "Simulation successful! (%s)", res.Duration)
	printField(out, "Program ID", res.ProgramID.String())
	fmt.Fprintln(out)
	printHeader(out, "Program Logs:")
	for _, line := range deployer.ProgramLogs(res.Logs) {
		fmt.Fprintf(out, "  %s\n", line)
	}
	return nil
}

func runBalance(cmd *cobra.Command, args []string) error {
	var account solana.PublicKey
	if len(args) > 0 {
		pk, err := solana.ParsePublicKey(args[0])
		if err != nil {
			return fmt.Errorf("invalid public key %q: %w", args[0], err)
		}
		account = pk
	} else {
		kp, err := deployer.LoadPayer(keypairFlag(cmd))
		if err != nil {
			return err
		}
		account = kp.PublicKey()
	}

	network := networkFlag(cmd)
	sol, err := newDeployer().Balance(cmd.Context(), account, network)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s SOL (%s)\n", account, strconv.FormatFloat(sol, 'f', -1, 64), network)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	if history == nil {
		return errors.New("deployment history is disabled (set history_path in the config)")
	}
	limit, _ := cmd.Flags().GetInt("limit")
	ctx := cmd.Context()

	deployments, err := history.ListDeployments(ctx, limit)
	if err != nil {
		return err
	}
	invocations, err := history.ListInvocations(ctx, stringFlag(cmd, "program-id"), limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printHeader(out, "Deployments:")
	if len(deployments) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("  (none)"))
	}
	for _, dep := range deployments {
		printDeployment(out, dep)
	}
	fmt.Fprintln(out)
	printHeader(out, "Invocations:")
	if len(invocations) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("  (none)"))
	}
	for _, inv := range invocations {
		printInvocation(out, inv)
	}
	return nil
}

func printDeployment(w io.Writer, d store.Deployment) {
	fmt.Fprintf(w, "  %-16s %-12s %s  %s\n",
		humanize.Time(d.DeployedAt), d.Network, d.ProgramID, d.ProgramName)
}

func printInvocation(w io.Writer, inv store.Invocation) {
	status := "ok"
	if !inv.Success {
		status = "failed"
	}
	ref := inv.Signature
	if inv.Simulated {
		ref = "(simulated)"
	}
	fmt.Fprintf(w, "  %-16s %-12s %s  %s  %s\n",
		humanize.Time(inv.InvokedAt), inv.Network, inv.ProgramID, status, ref)
	if len(inv.Logs) > 0 {
		fmt.Fprintf(w, "      %s\n", strings.Join(deployer.ProgramLogs(inv.Logs), " | "))
	}
}

func runExplorer(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = cfg.Server.Port
	}
	addr := fmt.Sprintf("localhost:%d", port)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Starting Solana Contract Explorer UI on port %d...\n", port)
	fmt.Fprintf(out, "Open http://%s in your browser\n", addr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.New(newDeployer()).ListenAndServe(ctx, addr)
}
