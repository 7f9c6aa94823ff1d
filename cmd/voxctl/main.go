// voxctl is the operator tool for Jensen-protocol voice recorders:
// inspect the device, list and fetch recordings, manage storage.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/voxlink/go-jensen/jensen"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

var (
	configPath = flag.String("config", "", "TOML config file")
	remote     = flag.String("remote", "", "drive a remote device: user@host:port (auth via SSH_PASSWORD)")
	bridgeCmd  = flag.String("bridge", "", "remote bridge command (default: voxbridge)")
	verbose    = flag.Bool("v", false, "verbose logging")
	quiet      = flag.Bool("q", false, "quiet mode")
	assumeYes  = flag.Bool("y", false, "skip confirmation prompts")
	outPath    = flag.String("o", "", "output path for get (default: the recording name)")
	forceList  = flag.Bool("force", false, "bypass the listing cache")
	help       = flag.Bool("h", false, "show help")
)

const versionString = "voxctl version 0.1.0"

func showUsage(exitCode int) {
	fmt.Fprintf(os.Stderr, `%s - recorder control tool

Usage: %s [options] <command> [args]

Commands:
  info              show device identity and storage
  list              list recordings
  get <name>        download one recording
  delete <name>     delete one recording
  format            erase device storage
  settime           sync the device clock to this host
  watch             stay connected and print device events

Options:
  -config string  TOML config file
  -remote string  drive a remote device: user@host:port (auth via SSH_PASSWORD)
  -bridge string  remote bridge command (default: voxbridge)
  -o string       output path for get
  -force          bypass the listing cache
  -y              skip confirmation prompts
  -v              verbose logging
  -q              quiet mode
  -h              show this help message

Examples:
  %s info
  %s list
  %s -o out.hda get 2025May12-09:23:56-Rec01.hda
  %s -remote me@lab:22 list
`, versionString, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitCode)
}

func main() {
	flag.Parse()
	if *help {
		showUsage(0)
	}
	if flag.NArg() == 0 {
		showUsage(1)
	}

	cfg := defaultCtlConfig()
	if *configPath != "" {
		var err error
		cfg, err = loadCtlConfig(*configPath)
		if err != nil {
			fatal(err)
		}
	}

	log := buildLogger(cfg.LogLevel)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()

	tr, cleanup, err := buildTransport(cfg, log)
	if err != nil {
		fatal(err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	sess := jensen.NewSession(tr,
		jensen.WithConfig(cfg.Session),
		jensen.WithLogger(log),
	)
	defer sess.Close()

	if err := sess.Connect(ctx); err != nil {
		fatal(err)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if err := runCommand(ctx, sess, cmd, args); err != nil {
		fatal(err)
	}
}

func runCommand(ctx context.Context, sess *jensen.Session, cmd string, args []string) error {
	switch cmd {
	case "info":
		return cmdInfo(ctx, sess)
	case "list":
		return cmdList(ctx, sess)
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("get: exactly one recording name required")
		}
		return cmdGet(ctx, sess, args[0])
	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("delete: exactly one recording name required")
		}
		return sess.DeleteRecording(ctx, args[0])
	case "format":
		return cmdFormat(ctx, sess)
	case "settime":
		return sess.SetDeviceTime(ctx, time.Now())
	case "watch":
		return cmdWatch(ctx, sess)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdInfo(ctx context.Context, sess *jensen.Session) error {
	info, err := sess.GetDeviceInfo(ctx)
	if err != nil {
		return err
	}
	card, err := sess.GetCardInfo(ctx)
	if err != nil {
		return err
	}
	count, err := sess.GetFileCount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Model:      %s\n", info.Model)
	fmt.Printf("Serial:     %s\n", info.Serial)
	fmt.Printf("Firmware:   %s\n", info.Firmware)
	fmt.Printf("Storage:    %d/%d MiB used (%.1f%% free)\n",
		card.UsedMiB(), card.CapacityMiB, card.FreePercent())
	fmt.Printf("Recordings: %d\n", count)
	return nil
}

func cmdList(ctx context.Context, sess *jensen.Session) error {
	records, err := sess.ListRecordings(ctx, *forceList, nil)
	if err != nil {
		return err
	}
	for _, r := range records {
		when := "-"
		if !r.Recorded.IsZero() {
			when = r.Recorded.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-44s %10d  %5ds  %s\n", r.Name, r.RawLength, r.DurationSeconds, when)
	}
	if !*quiet {
		fmt.Fprintf(os.Stderr, "%d recordings\n", len(records))
	}
	return nil
}

func cmdGet(ctx context.Context, sess *jensen.Session, name string) error {
	records, err := sess.ListRecordings(ctx, false, nil)
	if err != nil {
		return err
	}
	var size uint32
	found := false
	for _, r := range records {
		if r.Name == name {
			size = r.RawLength
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("recording %q not on device", name)
	}

	target := *outPath
	if target == "" {
		target = name
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}

	var onProgress func(jensen.Progress)
	if !*quiet && term.IsTerminal(int(os.Stderr.Fd())) {
		onProgress = renderProgress
	}

	if err := sess.DownloadRecording(ctx, name, size, out, nil, onProgress); err != nil {
		out.Close()
		os.Remove(target) // never leave a truncated file behind
		return err
	}
	if onProgress != nil {
		fmt.Fprintln(os.Stderr)
	}
	return out.Close()
}

// renderProgress draws a single-line progress bar sized to the
// terminal.
func renderProgress(p jensen.Progress) {
	width, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil || width < 30 {
		width = 80
	}
	barWidth := width - 30
	filled := 0
	if p.Total > 0 {
		filled = int(float64(barWidth) * float64(p.Received) / float64(p.Total))
	}
	if filled > barWidth {
		filled = barWidth
	}
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)
	fmt.Fprintf(os.Stderr, "\r[%s] %5.1f%% %8.0f B/s", bar, p.Percent(), p.Rate)
}

func cmdFormat(ctx context.Context, sess *jensen.Session) error {
	if !*assumeYes {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("format: refusing without -y on a non-interactive stdin")
		}
		fmt.Fprint(os.Stderr, "Erase ALL recordings on the device? [y/N] ")
		var answer string
		fmt.Fscanln(os.Stdin, &answer)
		if answer != "y" && answer != "Y" {
			return fmt.Errorf("format aborted")
		}
	}
	return sess.FormatStorage(ctx)
}

func cmdWatch(ctx context.Context, sess *jensen.Session) error {
	unsub := sess.OnActivity(func(e jensen.ActivityEntry) {
		fmt.Printf("%s [%s] %s\n", e.Time.Format("15:04:05"), e.Level, e.Message)
	})
	defer unsub()
	unsubConn := sess.OnConnectionChange(func(connected bool) {
		fmt.Printf("connection: %v\n", connected)
	})
	defer unsubConn()

	<-ctx.Done()
	return nil
}

// buildTransport picks the USB backend, or an SSH bridge when -remote
// (or the config file) names a host.
func buildTransport(cfg ctlConfig, log zerolog.Logger) (jensen.Transport, func(), error) {
	host := cfg.RemoteHost
	user := cfg.RemoteUser
	if *remote != "" {
		parsed := *remote
		if at := strings.IndexByte(parsed, '@'); at >= 0 {
			user = parsed[:at]
			parsed = parsed[at+1:]
		}
		host = parsed
	}
	if host == "" {
		return jensen.NewUSBTransport(jensen.WithUSBLogger(log)), nil, nil
	}

	pass := os.Getenv("SSH_PASSWORD")
	if user == "" || pass == "" {
		return nil, nil, fmt.Errorf("remote mode needs a user and the SSH_PASSWORD environment variable")
	}
	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(pass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	client, err := ssh.Dial("tcp", host, clientCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh dial %s: %w", host, err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	command := cfg.BridgeCommand
	if *bridgeCmd != "" {
		command = *bridgeCmd
	}
	tr, err := jensen.NewSSHTransport(session, command)
	if err != nil {
		session.Close()
		client.Close()
		return nil, nil, err
	}
	return tr, func() { client.Close() }, nil
}

func buildLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	if *verbose {
		lvl = zerolog.DebugLevel
	}
	if *quiet {
		lvl = zerolog.ErrorLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "voxctl: %v\n", err)
	os.Exit(1)
}
