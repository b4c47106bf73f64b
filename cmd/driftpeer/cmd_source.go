package main

import (
	"context"
	"fmt"
	"os"

	"github.com/oakmoss/driftpeer/internal/urn"
)

func runSource(args []string) {
	if len(args) < 2 {
		fail("usage: driftpeer source <branches|commits|commit|tree|blob> <urn> [options]")
	}
	sub := args[0]
	rest := args[1:]

	fs, configFlag := configFlagSet("source " + sub)
	prefixFlag := fs.String("prefix", "", "tree prefix")
	revisionFlag := fs.String("revision", "", "branch name or commit oid")
	pathFlag := fs.String("path", "", "blob path")
	fs.Parse(reorderArgs(rest, nil))
	positional := fs.Args()
	if len(positional) < 1 {
		fail("usage: driftpeer source %s <urn> [options]", sub)
	}

	u, err := urn.Parse(positional[0])
	if err != nil {
		fail("invalid urn %q: %v", positional[0], err)
	}

	client, err := dialDaemon(*configFlag)
	if err != nil {
		fail("driftpeer source: %v", err)
	}
	ctx := context.Background()

	switch sub {
	case "branches":
		branches, err := client.Branches(ctx, u)
		if err != nil {
			fail("driftpeer source branches: %v", err)
		}
		for _, b := range branches {
			fmt.Printf("%s  %s\n", b.Name, b.Head.String())
		}
	case "commits":
		commits, err := client.Commits(ctx, u, *revisionFlag)
		if err != nil {
			fail("driftpeer source commits: %v", err)
		}
		for _, c := range commits {
			fmt.Printf("%s  %s  %s\n", c.Oid.String(), c.Author, c.Message)
		}
	case "commit":
		if len(positional) != 2 {
			fail("usage: driftpeer source commit <urn> <oid>")
		}
		c, err := client.Commit(ctx, u, positional[1])
		if err != nil {
			fail("driftpeer source commit: %v", err)
		}
		fmt.Printf("oid:     %s\n", c.Oid.String())
		fmt.Printf("author:  %s\n", c.Author)
		fmt.Printf("when:    %s\n", c.When)
		fmt.Printf("message: %s\n", c.Message)
	case "tree":
		t, err := client.Tree(ctx, u, *prefixFlag, *revisionFlag)
		if err != nil {
			fail("driftpeer source tree: %v", err)
		}
		for _, e := range t.Entries {
			kind := "blob"
			if e.IsDir {
				kind = "tree"
			}
			fmt.Printf("%s  %s  %s\n", kind, e.Oid.String(), e.Name)
		}
	case "blob":
		if *pathFlag == "" {
			fail("--path is required for driftpeer source blob")
		}
		b, err := client.Blob(ctx, u, *pathFlag, *revisionFlag)
		if err != nil {
			fail("driftpeer source blob: %v", err)
		}
		os.Stdout.Write(b.Content)
	default:
		fail("unknown source subcommand: %s", sub)
	}
}
