package main

import (
	"context"
	"fmt"

	"github.com/oakmoss/driftpeer/internal/urn"
)

func runRequest(args []string) {
	if len(args) < 1 {
		fail("usage: driftpeer request <start|cancel|list> [urn] [--config path]")
	}
	sub := args[0]
	rest := args[1:]

	fs, configFlag := configFlagSet("request " + sub)
	fs.Parse(reorderArgs(rest, nil))
	positional := fs.Args()

	client, err := dialDaemon(*configFlag)
	if err != nil {
		fail("driftpeer request: %v", err)
	}
	ctx := context.Background()

	switch sub {
	case "start":
		if len(positional) != 1 {
			fail("usage: driftpeer request start <urn>")
		}
		u, err := urn.Parse(positional[0])
		if err != nil {
			fail("invalid urn %q: %v", positional[0], err)
		}
		req, err := client.StartRequest(ctx, u)
		if err != nil {
			fail("driftpeer request start: %v", err)
		}
		fmt.Printf("request started: %s (%s)\n", req.Urn.String(), req.State)
	case "cancel":
		if len(positional) != 1 {
			fail("usage: driftpeer request cancel <urn>")
		}
		u, err := urn.Parse(positional[0])
		if err != nil {
			fail("invalid urn %q: %v", positional[0], err)
		}
		if err := client.CancelRequest(ctx, u); err != nil {
			fail("driftpeer request cancel: %v", err)
		}
		fmt.Printf("request cancelled: %s\n", u.String())
	case "list":
		reqs, err := client.ListRequests(ctx)
		if err != nil {
			fail("driftpeer request list: %v", err)
		}
		for _, r := range reqs {
			fmt.Printf("%s  %s  queries=%d clones=%d\n", r.Urn.String(), r.State, r.Attempts.Queries, r.Attempts.Clones)
		}
	default:
		fail("unknown request subcommand: %s", sub)
	}
}
