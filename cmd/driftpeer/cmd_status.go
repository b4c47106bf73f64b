package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

func runStatus(args []string) {
	fs, configFlag := configFlagSet("status")
	fs.Parse(args)

	client, err := dialDaemon(*configFlag)
	if err != nil {
		fail("driftpeer status: %v", err)
	}

	ctx := context.Background()
	contributed, err := client.Contributed(ctx)
	if err != nil {
		fail("driftpeer status: %v", err)
	}
	tracked, err := client.Tracked(ctx)
	if err != nil {
		fail("driftpeer status: %v", err)
	}
	requests, err := client.ListRequests(ctx)
	if err != nil {
		fail("driftpeer status: %v", err)
	}

	fmt.Printf("Contributed projects: %d\n", len(contributed))
	for _, p := range contributed {
		fmt.Printf("  %s\n", p.Urn.String())
	}
	fmt.Printf("Tracked projects: %d\n", len(tracked))
	for _, p := range tracked {
		fmt.Printf("  %s\n", p.Urn.String())
	}
	fmt.Printf("Outstanding requests: %d\n", len(requests))
	for _, r := range requests {
		fmt.Printf("  %s\n", r.Urn.String())
	}
}

func runWatch(args []string) {
	fs, configFlag := configFlagSet("watch")
	fs.Parse(args)

	client, err := dialDaemon(*configFlag)
	if err != nil {
		fail("driftpeer watch: %v", err)
	}

	fmt.Fprintln(os.Stderr, "watching daemon notifications, ctrl-c to stop")
	err = client.Notifications(context.Background(), func(evt map[string]any) {
		line, err := json.Marshal(evt)
		if err != nil {
			return
		}
		fmt.Println(string(line))
	})
	if err != nil {
		fail("driftpeer watch: %v", err)
	}
}
