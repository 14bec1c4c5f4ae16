// Command client is a line-oriented terminal front-end for the relay. It
// consumes the client core only through its callback interface, standing in
// for the richer UI a desktop client would provide.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/parley-chat/parley/internal/client"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/protocol"
)

func main() {
	username := flag.String("username", "", "Display name to join with")
	host := flag.String("host", "127.0.0.1", "Relay host")
	port := flag.Int("port", 7891, "Relay port")
	logLevel := flag.String("log-level", "error", "Log level for client internals")
	flag.Parse()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "usage: client -username <name> [-host h] [-port p]")
		os.Exit(2)
	}

	logger, err := logging.NewLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	done := make(chan struct{})
	c := client.New(logger, client.Callbacks{
		OnMessage:       renderEnvelope,
		OnTypingChanged: renderTyping,
		OnStatusChanged: func(status client.Status) {
			color.Gray.Printf("* %s\n", status)
			if status == client.StatusDisconnected {
				select {
				case <-done:
				default:
					close(done)
				}
			}
		},
		OnError: func(title, message string) {
			color.Red.Printf("! %s: %s\n", title, message)
		},
	})

	if err := c.Connect(*username, *host, *port); err != nil {
		os.Exit(1)
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			switch {
			case line == "/quit":
				c.Disconnect()
				return
			case line == "/who":
				for _, u := range c.Users() {
					color.Cyan.Printf("  %s (%s)\n", u.Username, u.UID)
				}
			case strings.HasPrefix(line, "/pm "):
				rest := strings.SplitN(strings.TrimPrefix(line, "/pm "), " ", 2)
				if len(rest) != 2 {
					color.Red.Println("usage: /pm <user> <text>")
					continue
				}
				c.NotifyTypingEdge()
				if err := c.SendPrivateMessage(rest[0], rest[1]); err != nil {
					return
				}
			default:
				c.NotifyTypingEdge()
				if err := c.SendMessage(line); err != nil {
					return
				}
			}
		}
		c.Disconnect()
	}()

	<-done
}

func renderEnvelope(env protocol.Envelope) {
	ts := time.Unix(env.Timestamp, 0).Local().Format("15:04:05")
	switch env.Kind {
	case protocol.KindMessage:
		fmt.Printf("[%s] %s: %s\n", ts, env.From, env.Text)
	case protocol.KindPrivateMessage:
		color.Magenta.Printf("[%s] %s -> %s: %s\n", ts, env.From, env.To, env.Text)
	case protocol.KindJoin:
		color.Green.Printf("[%s] %s joined\n", ts, env.From)
	case protocol.KindLeave:
		color.Yellow.Printf("[%s] %s left\n", ts, env.From)
	case protocol.KindSystem:
		color.Yellow.Printf("[%s] * %s\n", ts, env.Text)
	}
}

func renderTyping(indicator string) {
	if indicator != "" {
		color.Gray.Printf("~ %s\n", indicator)
	}
}
