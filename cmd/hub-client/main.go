// cmd/hub-client/main.go
// Interactive hub client. Lines typed on stdin are sent as messages; a line of
// the form "@name text" is sent to a single participant.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	_ "go.uber.org/automaxprocs"

	"github.com/erilali/wshub/internal/client"
	"github.com/erilali/wshub/internal/config"
	"github.com/erilali/wshub/internal/logger"
	"github.com/erilali/wshub/internal/message"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML configuration file")
	envPath := flag.String("env", config.DefaultEnvPath, "path to an optional .env file")
	name := flag.String("name", "", "identity announced to the hub")
	kind := flag.String("kind", "", "optional identity kind")
	urls := flag.String("url", "ws://localhost:8080/ws", "comma-separated hub endpoints, tried in order")
	flag.Parse()

	if strings.TrimSpace(*name) == "" {
		fmt.Fprintln(os.Stderr, "-name is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger.InitLogger(cfg.Log)
	clientLogger := logger.NewLogger("hub-client")

	identity := message.Identity{Name: strings.TrimSpace(*name), Kind: *kind}
	c := client.New(cfg.ClientConfig(splitURLs(*urls), identity),
		client.WithLogger(clientLogger),
		client.WithHandler(printEnvelope),
		client.WithStateHandler(func(s client.State, err error) {
			if err != nil {
				clientLogger.Infof("State %s: %v", s, err)
				return
			}
			clientLogger.Infof("State %s", s)
		}),
	)
	if err := c.Start(); err != nil {
		clientLogger.Fatalf("Failed to start client: %v", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-sigs:
			c.Send(message.Envelope{Kind: message.KindLeave, From: identity.Name, To: message.All})
			c.Stop()
			return
		case line, ok := <-lines:
			if !ok {
				c.Stop()
				return
			}
			env, err := parseLine(identity.Name, line)
			if err != nil {
				clientLogger.Warnf("Ignoring input: %v", err)
				continue
			}
			if err := c.Send(env); err != nil {
				clientLogger.Err(err, "Send failed")
			}
			if q := c.QueueLen(); q > 0 {
				clientLogger.Infof("Offline, %d envelopes queued (%d dropped)", q, c.Dropped())
			}
		}
	}
}

func splitURLs(s string) []string {
	var out []string
	for _, u := range strings.Split(s, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func readLines(out chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out <- line
		}
	}
	close(out)
}

func parseLine(from, line string) (message.Envelope, error) {
	to, text := message.All, line
	if strings.HasPrefix(line, "@") {
		target, rest, found := strings.Cut(line[1:], " ")
		if !found || target == "" {
			return message.Envelope{}, errors.Errorf("expected \"@name text\", got %q", line)
		}
		to, text = target, strings.TrimSpace(rest)
	}
	return message.New(message.KindMessage, from, to, text)
}

func printEnvelope(env message.Envelope) {
	switch env.Kind {
	case message.KindHeartbeat:
		return
	case message.KindError:
		if info, err := env.ErrorInfo(); err == nil {
			fmt.Printf("[error] %s: %s\n", info.Code, info.Message)
			return
		}
	}
	fmt.Printf("[%s] %s -> %s: %s\n", env.Kind, env.From, env.To, env.Payload)
}
