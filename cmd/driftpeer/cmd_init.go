package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/oakmoss/driftpeer/internal/config"
	"github.com/oakmoss/driftpeer/internal/identity"
)

func runInit(args []string) {
	if err := doInit(args, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func doInit(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "config directory (default: ~/.config/driftpeer)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintln(stdout, "Welcome to driftpeer!")
	fmt.Fprintln(stdout)

	configDir := *dirFlag
	if configDir == "" {
		d, err := config.DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("cannot determine config directory: %w", err)
		}
		configDir = d
	}

	configFile := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config already exists: %s\nDelete it first if you want to reinitialize", configFile)
	}

	fmt.Fprintf(stdout, "Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	fmt.Fprintln(stdout)

	reader := bufio.NewReader(stdin)
	fmt.Fprintln(stdout, "Where should driftpeer keep its state?")
	fmt.Fprintf(stdout, "  (press enter for %s)\n", filepath.Join(configDir, "data"))
	fmt.Fprint(stdout, "> ")
	lnkHomeInput, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	lnkHome := strings.TrimSpace(lnkHomeInput)
	if lnkHome == "" {
		lnkHome = filepath.Join(configDir, "data")
	}
	if err := os.MkdirAll(lnkHome, 0700); err != nil {
		return fmt.Errorf("failed to create lnk_home: %w", err)
	}
	fmt.Fprintln(stdout)

	fmt.Fprintln(stdout, "Enter a bootstrap peer, peer-id@host:port (leave blank to run standalone)")
	fmt.Fprint(stdout, "> ")
	bootstrapInput, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	bootstrapInput = strings.TrimSpace(bootstrapInput)
	var bootstrap []string
	if bootstrapInput != "" {
		if _, _, err := config.ParseBootstrapPeer(bootstrapInput); err != nil {
			return fmt.Errorf("invalid bootstrap peer: %w", err)
		}
		bootstrap = []string{bootstrapInput}
	}
	fmt.Fprintln(stdout)

	keyFile := filepath.Join(configDir, "identity.key")
	fmt.Fprintln(stdout, "Generating identity...")
	peerID, err := identity.PeerIDFromKeyFile(keyFile)
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}
	fmt.Fprintf(stdout, "Your Peer ID: %s\n", peerID)
	fmt.Fprintln(stdout, "(Share this with peers who should bootstrap off you)")
	fmt.Fprintln(stdout)

	cfg := config.Default()
	cfg.LnkHome = lnkHome
	cfg.IdentityKey = keyFile
	cfg.Bootstrap = bootstrap

	raw, err := marshalConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if err := os.WriteFile(configFile, raw, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(stdout, "Config written to:   %s\n", configFile)
	fmt.Fprintf(stdout, "Identity saved to:   %s\n", keyFile)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Next steps:")
	fmt.Fprintf(stdout, "  1. Start the daemon:  driftpeerd --config %s\n", configFile)
	fmt.Fprintln(stdout, "  2. Check status:      driftpeer status")
	fmt.Fprintln(stdout, "  3. Replicate a repo:  driftpeer request start <urn>")
	return nil
}
