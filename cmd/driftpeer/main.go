package main

import (
	"fmt"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0" -o driftpeer ./cmd/driftpeer
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "track":
		runTrack(os.Args[2:])
	case "untrack":
		runUntrack(os.Args[2:])
	case "projects":
		runProjects(os.Args[2:])
	case "request":
		runRequest(os.Args[2:])
	case "source":
		runSource(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("driftpeer %s\n", version)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: driftpeer <command> [options]")
	fmt.Println()
	fmt.Println("Setup:")
	fmt.Println("  init                                   Generate identity + config")
	fmt.Println()
	fmt.Println("Daemon status:")
	fmt.Println("  status [--config path]                 Show projects and open requests")
	fmt.Println("  watch [--config path]                  Stream daemon notifications")
	fmt.Println()
	fmt.Println("Projects:")
	fmt.Println("  projects contributed [--config path]   List locally hosted projects")
	fmt.Println("  projects tracked [--config path]       List tracked projects")
	fmt.Println("  track <urn> <peer-id>                  Track a peer for a project")
	fmt.Println("  untrack <urn> <peer-id>                 Stop tracking a peer")
	fmt.Println()
	fmt.Println("Requests:")
	fmt.Println("  request start <urn>                    Start replicating a project")
	fmt.Println("  request cancel <urn>                   Cancel an outstanding request")
	fmt.Println("  request list                           List outstanding requests")
	fmt.Println()
	fmt.Println("Source browsing:")
	fmt.Println("  source branches <urn>")
	fmt.Println("  source commits <urn> [--revision ref]")
	fmt.Println("  source commit <urn> <oid>")
	fmt.Println("  source tree <urn> [--prefix path] [--revision ref]")
	fmt.Println("  source blob <urn> --path path [--revision ref]")
	fmt.Println()
	fmt.Println("All commands except init/version support --config <path>.")
	fmt.Println("version                                   Show version information")
}
