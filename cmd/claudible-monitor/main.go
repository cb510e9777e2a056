package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/olliecrow/claudible_monitor/internal/config"
	"github.com/olliecrow/claudible_monitor/internal/dashboard"
	"github.com/olliecrow/claudible_monitor/internal/logging"
	"github.com/olliecrow/claudible_monitor/internal/tui"
	"github.com/olliecrow/claudible_monitor/internal/vault"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runTUI(nil)
	}

	switch args[0] {
	case "tui":
		return runTUI(args[1:])
	case "status":
		return runStatus(args[1:])
	case "watch":
		return runWatch(args[1:])
	case "login":
		return runLogin(args[1:])
	case "logout":
		return runLogout(args[1:])
	case "doctor":
		return runDoctor(args[1:])
	case "mock-server":
		return runMockServer(args[1:])
	case "completion":
		return runCompletion(args[1:])
	case "-h", "--help", "help":
		printRootUsage()
		return 0
	default:
		// Treat bare flags as TUI flags for better UX.
		if strings.HasPrefix(args[0], "-") {
			return runTUI(args)
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printRootUsage()
		return 2
	}
}

type commonFlags struct {
	configPath string
	debug      bool
}

func newFlagSet(name string) (*pflag.FlagSet, *commonFlags) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := &commonFlags{}
	fs.StringVar(&common.configPath, "config", "", "config file (default $"+config.ConfigEnvVar+" or ~/.claudible-monitor/config.yaml)")
	fs.BoolVar(&common.debug, "debug", false, "enable debug logging")
	return fs, common
}

// parseFlags maps pflag results to an exit code; ok is false when the command
// should return that code immediately.
func parseFlags(fs *pflag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "error: unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return 2, false
	}
	return 0, true
}

// app is the wiring every command shares.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	logClose io.Closer
	vault    *vault.FileVault
	balance  *vault.BalanceCache
}

// setup loads config and builds the logger. Logs go to logTo when set and to
// the rotating log file otherwise.
func setup(common *commonFlags, logTo io.Writer) (*app, error) {
	var (
		cfg *config.Config
		err error
	)
	if common.configPath != "" {
		cfg, err = config.LoadFile(common.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not ensure monitor data dir: %v\n", err)
	}

	logger, closer, err := logging.New(loggingOptions(cfg, common.debug, logTo))
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		logClose: closer,
		vault:    vault.NewFileVault(cfg.CredentialPath()),
		balance:  vault.NewBalanceCache(cfg.BalancePath()),
	}, nil
}

func loggingOptions(cfg *config.Config, debug bool, logTo io.Writer) logging.Options {
	opts := logging.Options{
		Level: cfg.LogLevel,
		JSON:  cfg.LogFormat == config.LogFormatJSON,
	}
	if debug {
		opts.Level = log.DebugLevel.String()
	}
	if logTo != nil {
		opts.Writer = logTo
	} else {
		opts.File = cfg.LogPath()
	}
	return opts
}

func (a *app) Close() {
	_ = a.logClose.Close()
}

func (a *app) lookupClient() *dashboard.LookupClient {
	return dashboard.NewLookupClient(a.cfg.LookupURL, a.cfg.FetchTimeout)
}

func (a *app) streamTransport() *dashboard.WebSocketTransport {
	return dashboard.NewWebSocketTransport(a.cfg.StreamURL, a.cfg.FetchTimeout)
}

func (a *app) newMonitor() *dashboard.Monitor {
	return dashboard.NewMonitor(dashboard.MonitorOptions{
		Fetcher:        a.lookupClient(),
		Transport:      a.streamTransport(),
		Balance:        a.balance,
		ReconnectDelay: a.cfg.ReconnectDelay,
		FetchTimeout:   a.cfg.FetchTimeout,
		Logger:         a.logger,
	})
}

func (a *app) credential() (string, string, error) {
	credential, source, err := vault.Resolve(a.vault)
	if err != nil {
		return "", "", fmt.Errorf("resolve API key: %w", err)
	}
	return credential, source, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runTUI(args []string) int {
	fs, common := newFlagSet("tui")
	interval := fs.Duration("interval", 0, "full refresh interval (default from config, 0 in config disables)")
	noColor := fs.Bool("no-color", false, "disable color styling")
	noAltScreen := fs.Bool("no-alt-screen", false, "disable alternate screen mode")
	compact := fs.Bool("compact", false, "show only balance, runway and live status (default from display_mode)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *interval < 0 {
		fmt.Fprintln(os.Stderr, "error: --interval must be >= 0")
		return 2
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "error: interactive TUI requires a TTY")
		return 1
	}

	a, err := setup(common, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	credential, source, err := a.credential()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	a.logger.WithFields(log.Fields{
		"key":    dashboard.Fingerprint(credential),
		"source": source,
		"config": a.cfg.Path(),
	}).Info("starting dashboard")

	refreshInterval := a.cfg.RefreshInterval
	if fs.Changed("interval") {
		refreshInterval = *interval
	}

	opts := tui.Options{
		Credential:      credential,
		RefreshInterval: refreshInterval,
		Compact:         displayCompact(a.cfg, fs.Changed("compact"), *compact),
		NoColor:         *noColor,
		AltScreen:       !*noAltScreen,
	}
	if cached, at, ok, err := a.balance.Balance(); err != nil {
		a.logger.WithError(err).Warn("read cached balance")
	} else if ok {
		opts.CachedBalance = &cached
		opts.CachedBalanceAt = at
	}

	monitor := a.newMonitor()
	defer monitor.Close()
	opts.Monitor = monitor

	if err := tui.Run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// displayCompact lets an explicit --compact flag win over display_mode.
func displayCompact(cfg *config.Config, flagSet, flagValue bool) bool {
	if flagSet {
		return flagValue
	}
	return cfg.DisplayMode == config.DisplayCompact
}

func runStatus(args []string) int {
	fs, common := newFlagSet("status")
	jsonOutput := fs.Bool("json", false, "output the snapshot as JSON")
	limit := fs.Int("limit", 5, "recent usage rows to print")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *limit < 0 || *limit > dashboard.MaxUsageRecords {
		fmt.Fprintf(os.Stderr, "error: --limit must be between 0 and %d\n", dashboard.MaxUsageRecords)
		return 2
	}

	a, err := setup(common, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	credential, _, err := a.credential()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if credential == "" {
		fmt.Fprintf(os.Stderr, "error: %v\n", dashboard.ErrNoCredential)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()
	snapshot, err := a.lookupClient().Fetch(ctx, credential)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if err := a.balance.SetBalance(snapshot.Balance); err != nil {
		a.logger.WithError(err).Warn("persist balance")
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshot); err != nil {
			fmt.Fprintf(os.Stderr, "error: failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}
	printSnapshot(os.Stdout, snapshot, *limit, time.Now())
	return 0
}

func runWatch(args []string) int {
	fs, common := newFlagSet("watch")
	duration := fs.Duration("for", 0, "stop after this long (0 runs until interrupted)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *duration < 0 {
		fmt.Fprintln(os.Stderr, "error: --for must be >= 0")
		return 2
	}

	a, err := setup(common, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	credential, _, err := a.credential()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if credential == "" {
		fmt.Fprintf(os.Stderr, "error: %v\n", dashboard.ErrNoCredential)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()
	if *duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *duration)
		defer stop()
	}

	monitor := a.newMonitor()
	defer monitor.Close()
	updates, unsubscribe := monitor.Subscribe(64)
	defer unsubscribe()

	monitor.Refresh(credential)

	w := &watchPrinter{out: os.Stdout}
	for {
		select {
		case <-ctx.Done():
			return 0
		case n, ok := <-updates:
			if !ok {
				return 0
			}
			w.observe(n)
		}
	}
}

func runLogin(args []string) int {
	fs, common := newFlagSet("login")
	key := fs.String("key", "", "API key to store (read from stdin when omitted)")
	skipVerify := fs.Bool("skip-verify", false, "store the key without checking it against the lookup endpoint")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	credential := strings.TrimSpace(*key)
	if credential == "" {
		read, err := readCredential()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		credential = read
	}
	if credential == "" {
		fmt.Fprintln(os.Stderr, "error: empty API key")
		return 2
	}

	a, err := setup(common, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	if !*skipVerify {
		ctx, cancel := signalContext()
		defer cancel()
		snapshot, err := a.lookupClient().Fetch(ctx, credential)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: key check failed: %v\n", err)
			return 1
		}
		if err := a.balance.SetBalance(snapshot.Balance); err != nil {
			a.logger.WithError(err).Warn("persist balance")
		}
		fmt.Println(snapshot.WelcomeText())
	}

	if err := a.vault.Save(credential); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Printf("stored API key %s in %s\n", dashboard.Fingerprint(credential), a.vault.Path())
	return 0
}

// readCredential prompts without echo on a terminal and reads one line
// otherwise.
func readCredential() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "API key: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read API key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	b, err := io.ReadAll(io.LimitReader(os.Stdin, 4096))
	if err != nil {
		return "", fmt.Errorf("read API key: %w", err)
	}
	line, _, _ := strings.Cut(string(b), "\n")
	return strings.TrimSpace(line), nil
}

func runLogout(args []string) int {
	fs, common := newFlagSet("logout")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	a, err := setup(common, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	if err := a.vault.Delete(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if err := a.balance.ClearBalance(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println("removed stored API key and cached balance")
	if os.Getenv(vault.CredentialEnvVar) != "" {
		fmt.Fprintf(os.Stderr, "note: $%s is still set and takes precedence\n", vault.CredentialEnvVar)
	}
	return 0
}

func runDoctor(args []string) int {
	fs, common := newFlagSet("doctor")
	jsonOutput := fs.Bool("json", false, "output doctor report as JSON")
	timeout := fs.Duration("timeout", 20*time.Second, "doctor timeout")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *timeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --timeout must be > 0")
		return 2
	}

	a, err := setup(common, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	credential, source, err := a.credential()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report := dashboard.RunDoctor(ctx, dashboard.DoctorInput{
		ConfigPath:       a.cfg.Path(),
		LookupURL:        a.cfg.LookupURL,
		StreamURL:        a.cfg.StreamURL,
		Credential:       credential,
		CredentialSource: source,
		Fetcher:          a.lookupClient(),
		Transport:        a.streamTransport(),
		CheckTimeout:     a.cfg.FetchTimeout,
	})

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "error: failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		printDoctorHuman(report)
	}

	if !report.Healthy() {
		return 1
	}
	return 0
}

func runCompletion(args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "error: completion accepts zero or one shell argument (bash or zsh)")
		return 2
	}
	shell := "bash"
	if len(args) == 1 {
		shell = strings.TrimSpace(args[0])
	}
	script, err := completionScript(shell)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	fmt.Print(script)
	return 0
}

func printDoctorHuman(report dashboard.DoctorReport) {
	fmt.Println("claudible monitor doctor")
	fmt.Println()
	for _, c := range report.Checks {
		state := "FAIL"
		if c.OK {
			state = "PASS"
		}
		fmt.Printf("[%s] %s\n", state, c.Name)
		fmt.Printf("  %s\n", c.Details)
	}
}

func printRootUsage() {
	fmt.Println("claudible monitor")
	fmt.Println()
	fmt.Println("Watch a Claudible account's balance and usage live in a terminal user interface (TUI).")
	fmt.Println("The monitor is read-only and never changes account data.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  claudible-monitor                       Run terminal user interface (default)")
	fmt.Println("  claudible-monitor tui [flags]           Run terminal user interface explicitly")
	fmt.Println("  claudible-monitor status [flags]        Print a one-shot account snapshot")
	fmt.Println("  claudible-monitor watch [flags]         Print live updates as lines")
	fmt.Println("  claudible-monitor login [flags]         Store an API key")
	fmt.Println("  claudible-monitor logout                Remove the stored API key and cached balance")
	fmt.Println("  claudible-monitor doctor [flags]        Run setup and endpoint checks")
	fmt.Println("  claudible-monitor mock-server [flags]   Serve a local dashboard backend for testing")
	fmt.Println("  claudible-monitor completion [shell]    Print shell completion script")
	fmt.Println()
	fmt.Println("Completion:")
	fmt.Println("  claudible-monitor completion bash > ~/.local/share/bash-completion/completions/claudible-monitor")
	fmt.Println("  claudible-monitor completion zsh > ~/.zsh/completions/_claudible-monitor")
	fmt.Println()
	fmt.Println("Common flags:")
	fmt.Println("  --config PATH     Config file (default ~/.claudible-monitor/config.yaml)")
	fmt.Println("  --debug           Enable debug logging")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %-26s API key, takes precedence over the stored one\n", vault.CredentialEnvVar)
	fmt.Printf("  %-26s Config file path\n", config.ConfigEnvVar)
	fmt.Printf("  %-26s Lookup endpoint override\n", config.LookupURLEnvVar)
	fmt.Printf("  %-26s Stream endpoint override\n", config.StreamURLEnvVar)
	fmt.Println()
	fmt.Println("Terminal user interface flags:")
	fmt.Println("  --interval 5m     Full refresh interval (0 disables)")
	fmt.Println("  --no-color        Disable color styling")
	fmt.Println("  --no-alt-screen   Disable alternate screen mode")
	fmt.Println("  --compact         Show only balance, runway and live status (c toggles)")
}

func completionScript(shell string) (string, error) {
	switch shell {
	case "bash":
		return `# bash completion for claudible-monitor
_claudible_monitor_completion() {
  local cur prev words cword
  _init_completion || return
  local commands="tui status watch login logout doctor mock-server completion help"
  if [[ ${cword} -eq 1 ]]; then
    COMPREPLY=( $(compgen -W "${commands}" -- "${cur}") )
    return
  fi
  case "${words[1]}" in
    completion)
      COMPREPLY=( $(compgen -W "bash zsh" -- "${cur}") )
      ;;
    doctor)
      COMPREPLY=( $(compgen -W "--json --timeout --config --debug" -- "${cur}") )
      ;;
    status)
      COMPREPLY=( $(compgen -W "--json --limit --config --debug" -- "${cur}") )
      ;;
    watch)
      COMPREPLY=( $(compgen -W "--for --config --debug" -- "${cur}") )
      ;;
    login)
      COMPREPLY=( $(compgen -W "--key --skip-verify --config --debug" -- "${cur}") )
      ;;
    logout)
      COMPREPLY=( $(compgen -W "--config --debug" -- "${cur}") )
      ;;
    mock-server)
      COMPREPLY=( $(compgen -W "--addr --interval --heartbeat --drop-after --keys --user --balance --debug" -- "${cur}") )
      ;;
    tui)
      COMPREPLY=( $(compgen -W "--interval --no-color --no-alt-screen --compact --config --debug" -- "${cur}") )
      ;;
    *)
      COMPREPLY=( $(compgen -W "${commands}" -- "${cur}") )
      ;;
  esac
}
complete -F _claudible_monitor_completion claudible-monitor
`, nil
	case "zsh":
		return `#compdef claudible-monitor
_claudible_monitor() {
  local -a commands
  commands=(
    'tui:run terminal user interface'
    'status:print a one-shot account snapshot'
    'watch:print live updates as lines'
    'login:store an API key'
    'logout:remove the stored API key'
    'doctor:run setup and endpoint checks'
    'mock-server:serve a local dashboard backend'
    'completion:print shell completion script'
    'help:show help text'
  )
  if (( CURRENT == 2 )); then
    _describe 'command' commands
    return
  fi
  case "${words[2]}" in
    completion)
      _values 'shell' bash zsh
      ;;
    doctor)
      _values 'flag' --json --timeout --config --debug
      ;;
    status)
      _values 'flag' --json --limit --config --debug
      ;;
    watch)
      _values 'flag' --for --config --debug
      ;;
    login)
      _values 'flag' --key --skip-verify --config --debug
      ;;
    logout)
      _values 'flag' --config --debug
      ;;
    mock-server)
      _values 'flag' --addr --interval --heartbeat --drop-after --keys --user --balance --debug
      ;;
    tui)
      _values 'flag' --interval --no-color --no-alt-screen --compact --config --debug
      ;;
  esac
}
_claudible_monitor "$@"
`, nil
	default:
		return "", fmt.Errorf("unsupported shell %q (expected bash or zsh)", shell)
	}
}
