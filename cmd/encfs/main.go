// Command encfs mounts an encryptfs volume as a FUSE filesystem.
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/WDXC/Learn-encfs"
	"github.com/absfs/osfs"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "encfs:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		opts       encryptfs.Opts
		verbose    bool
		noColor    bool
		allowOther bool
	)

	pflag.StringVar(&opts.RootDir, "rootdir", "", "ciphertext directory to mount")
	pflag.StringVar(&opts.MountPoint, "mountpoint", "", "plaintext mount point")
	pflag.BoolVar(&opts.ReverseEncryption, "reverse", false, "mount in reverse mode (present ciphertext view of a plaintext rootdir)")
	pflag.BoolVar(&opts.NoCache, "nocache", false, "disable the block read cache")
	pflag.BoolVar(&opts.ForceDecode, "forcedecode", false, "treat block MAC mismatches as warnings instead of read errors")
	pflag.BoolVar(&opts.MountOnDemand, "mountondemand", false, "remain resident after the idle timeout instead of unmounting")
	pflag.DurationVar(&opts.IdleTimeout, "idle", 0, "unmount automatically after this much time with no activity and no open files (0 disables)")
	pflag.BoolVar(&opts.Create, "create", false, "initialize a new .encfs6.xml in rootdir instead of opening an existing one")
	pflag.BoolVar(&opts.StdinPass, "stdinpass", false, "read the mount password from stdin instead of prompting on the TTY")
	pflag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	pflag.BoolVar(&noColor, "no-color", false, "disable colored log output")
	pflag.BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount (requires user_allow_other in /etc/fuse.conf)")
	pflag.Parse()

	if err := opts.Validate(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := encryptfs.NewLogger(os.Stderr, level, noColor)

	base, err := osfs.NewFS()
	if err != nil {
		return fmt.Errorf("initializing backing filesystem: %w", err)
	}

	password, err := readPassword(opts.StdinPass)
	if err != nil {
		return err
	}
	defer zeroBytes(password)

	kp := encryptfs.NewPasswordKeyProvider(password, encryptfs.Argon2idParams{})

	var e *encryptfs.EncFS
	if opts.Create {
		cfg := encryptfs.DefaultConfig(kp)
		cfg.Reverse = opts.ReverseEncryption
		e, err = encryptfs.CreateMount(base, opts.RootDir, cfg, &opts, log)
		if err != nil {
			return fmt.Errorf("creating mount: %w", err)
		}
		log.Info("initialized new encfs volume", "rootdir", opts.RootDir)
		if opts.MountPoint == "" {
			return nil
		}
	} else {
		e, err = encryptfs.OpenMount(base, opts.RootDir, kp, &opts, log)
		if err != nil {
			return fmt.Errorf("opening mount: %w", err)
		}
	}
	zeroBytes(password)

	server, err := encryptfs.Mount(e, opts.MountPoint, allowOther)
	if err != nil {
		return fmt.Errorf("mounting fuse filesystem: %w", err)
	}
	log.Info("mounted", "mountpoint", opts.MountPoint, "rootdir", opts.RootDir, "reverse", opts.ReverseEncryption)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("received shutdown signal, unmounting")
		if err := server.Unmount(); err != nil {
			log.Warn("unmount failed", "error", err)
		}
	}()

	server.Wait()
	return nil
}

// readPassword reads the mount password either from the first line of
// stdin (--stdinpass, for scripted/non-interactive use) or by prompting on
// the controlling terminal with input echo disabled. Grounded on
// noisefs's PromptPassword (pkg/util/password.go).
func readPassword(stdin bool) ([]byte, error) {
	if stdin {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && len(line) == 0 {
			return nil, fmt.Errorf("reading password from stdin: %w", err)
		}
		for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
			line = line[:len(line)-1]
		}
		return []byte(line), nil
	}

	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, fmt.Errorf("interactive password prompting requires a terminal; use --stdinpass")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	return pw, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
