package main

// The demo client opens one conversation against a local convod server
// and bridges it to the terminal: stdin lines are sent as text
// messages, pushed messages render as they arrive.

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/taskvine/convo/convo"
	"github.com/taskvine/convo/rest"
	"github.com/taskvine/convo/transport"
)

var (
	serverAddr = flag.String("server-addr", "127.0.0.1:8000", "convod server address, ip:port")
	uid        = flag.String("uid", "", "own user id (doubles as the mock auth token)")
	peer       = flag.String("peer", "", "counterpart user id")
)

func main() {
	flag.Parse()

	if *uid == "" || *peer == "" {
		fmt.Fprintln(os.Stderr, "--uid and --peer are required")
		os.Exit(1)
	}

	session := transport.New("ws://"+*serverAddr+"/ws", *uid)
	defer session.Close()

	api := rest.NewClient("http://"+*serverAddr, *uid)

	ctrl := convo.NewController(
		convo.SessionContext{ViewerID: *uid, Token: *uid},
		session, api, *peer)
	defer ctrl.Close()

	rendered := 0
	ctrl.Notify = func() {
		entries := ctrl.Store().Entries()
		for ; rendered < len(entries); rendered++ {
			e := entries[rendered]
			fmt.Printf("[%s] %s: %s (%s)\n",
				e.Msg.CreatedAt.Local().Format("15:04:05"), e.From, e.Msg.Body, e.Msg.Delivery)
		}
	}

	if err := ctrl.Open(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "open conversation: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("connected as %s, chatting with %s. Type and press enter.\n", *uid, *peer)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" {
			return
		}
		if err := ctrl.Send(context.Background(), text); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
	}
}
