package main

import (
	"context"
	"fmt"

	"github.com/oakmoss/driftpeer/internal/daemon"
	"github.com/oakmoss/driftpeer/internal/urn"
)

func runTrack(args []string) {
	fs, configFlag := configFlagSet("track")
	fs.Parse(reorderArgs(args, nil))
	rest := fs.Args()
	if len(rest) != 2 {
		fail("usage: driftpeer track <urn> <peer-id> [--config path]")
	}

	u, err := urn.Parse(rest[0])
	if err != nil {
		fail("invalid urn %q: %v", rest[0], err)
	}

	client, err := dialDaemon(*configFlag)
	if err != nil {
		fail("driftpeer track: %v", err)
	}
	if err := client.TrackPeer(context.Background(), u, rest[1]); err != nil {
		fail("driftpeer track: %v", err)
	}
	fmt.Printf("tracking %s via %s\n", u.String(), rest[1])
}

func runUntrack(args []string) {
	fs, configFlag := configFlagSet("untrack")
	fs.Parse(reorderArgs(args, nil))
	rest := fs.Args()
	if len(rest) != 2 {
		fail("usage: driftpeer untrack <urn> <peer-id> [--config path]")
	}

	u, err := urn.Parse(rest[0])
	if err != nil {
		fail("invalid urn %q: %v", rest[0], err)
	}

	client, err := dialDaemon(*configFlag)
	if err != nil {
		fail("driftpeer untrack: %v", err)
	}
	if err := client.UntrackPeer(context.Background(), u, rest[1]); err != nil {
		fail("driftpeer untrack: %v", err)
	}
	fmt.Printf("untracked %s via %s\n", u.String(), rest[1])
}

func runProjects(args []string) {
	if len(args) < 1 {
		fail("usage: driftpeer projects <contributed|tracked> [--config path]")
	}
	sub := args[0]

	fs, configFlag := configFlagSet("projects " + sub)
	fs.Parse(reorderArgs(args[1:], nil))

	client, err := dialDaemon(*configFlag)
	if err != nil {
		fail("driftpeer projects: %v", err)
	}

	ctx := context.Background()
	switch sub {
	case "contributed":
		projects, err := client.Contributed(ctx)
		if err != nil {
			fail("driftpeer projects contributed: %v", err)
		}
		printProjects(projects)
	case "tracked":
		projects, err := client.Tracked(ctx)
		if err != nil {
			fail("driftpeer projects tracked: %v", err)
		}
		printProjects(projects)
	default:
		fail("unknown projects subcommand: %s", sub)
	}
}

func printProjects(projects []daemon.Project) {
	for _, p := range projects {
		line := p.Urn.String()
		if p.Metadata.DefaultBranch != "" {
			line += " (" + p.Metadata.DefaultBranch + ")"
		}
		fmt.Println(line)
	}
}
