package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Bldg-7/webmommi/internal/commloop"
	"github.com/Bldg-7/webmommi/internal/commloopctl"
	"github.com/Bldg-7/webmommi/internal/config"
	"github.com/Bldg-7/webmommi/internal/nudge"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "path to webmommi config file (supplies address, password and auth token)")
	address    = flag.String("address", "", "commloop address host:port (or set COMMLOOP_ADDRESS)")
	password   = flag.String("password", "", "commloop password (or set COMMLOOP_PASSWORD)")
	relayURL   = flag.String("relay-url", "http://localhost:8000", "webmommi HTTP URL")
	authToken  = flag.String("auth-token", "", "webmommi auth token (or set WEBMOMMI_AUTH_TOKEN)")
	format     = flag.String("format", "table", "Output format: table or json")
	verbose    = flag.Bool("verbose", false, "log protocol details to stderr")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	loadDefaults()

	switch args[0] {
	case "send":
		handleSend(args[1:])
	case "listen":
		handleListen(args[1:])
	case "relays":
		handleRelays(args[1:])
	case "health":
		handleHealth()
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		os.Exit(1)
	}
}

// loadDefaults fills unset flags from the config file, then the environment.
func loadDefaults() {
	if *configPath != "" {
		cfg, err := config.LoadRelayConfig(*configPath)
		if err != nil {
			fatalf("%v", err)
		}
		if *address == "" {
			*address = cfg.Commloop.Address
		}
		if *password == "" {
			*password = cfg.Commloop.Password
		}
		if *authToken == "" {
			*authToken = cfg.Server.AuthToken
		}
	}
	if *address == "" {
		*address = os.Getenv("COMMLOOP_ADDRESS")
	}
	if *password == "" {
		*password = os.Getenv("COMMLOOP_PASSWORD")
	}
	if *authToken == "" {
		*authToken = os.Getenv("WEBMOMMI_AUTH_TOKEN")
	}
}

func newLogger() *zap.Logger {
	if !*verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		fatalf("failed to initialize logger: %v", err)
	}
	return logger
}

func handleSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	category := fs.String("category", nudge.CategoryGameNudge, "message category")
	meta := fs.String("meta", "", "message subtopic (required)")
	payload := fs.String("payload", "", "raw JSON payload; overrides -pass/-content/-ping")
	pass := fs.String("pass", "", "nudge password carried in the payload")
	content := fs.String("content", "", "nudge content")
	ping := fs.Bool("ping", false, "set the nudge ping flag")
	timeout := fs.Duration("timeout", 15*time.Second, "overall deadline")
	fs.Parse(args)

	if *address == "" || *password == "" {
		fatalf("send requires -address and -password (or -config)")
	}

	var req nudge.Request
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			fatalf("-payload is not valid JSON")
		}
		req = nudge.RawRequest{Category: *category, Subtopic: *meta, Body: json.RawMessage(*payload)}
	} else {
		req = nudge.ModernRequest{
			Category: *category,
			Subtopic: *meta,
			Secret:   *pass,
			Content:  *content,
			Ping:     nudge.Bool(*ping),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	relayer := commloop.NewRelayer(commloop.Destination{Address: *address, Secret: []byte(*password)}, nil, newLogger())
	start := time.Now()
	err := relayer.Relay(ctx, nudge.Normalize(req))
	outcome := commloop.Classify(err)

	if *format == "json" {
		result := map[string]interface{}{
			"outcome":     outcome,
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			result["error"] = err.Error()
		}
		printJSON(result)
	} else if err == nil {
		fmt.Printf("%s (%s)\n", outcome, time.Since(start).Round(time.Millisecond))
	}

	if err != nil {
		fatalf("%s: %v", outcome, err)
	}
}

func handleListen(args []string) {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	listenAddr := fs.String("listen", "127.0.0.1:1679", "address to accept commloop frames on")
	status := fs.Uint("status", uint(commloop.StatusOK), "status byte to answer authenticated frames with")
	fs.Parse(args)

	if *password == "" {
		fatalf("listen requires -password (or -config)")
	}
	if *status > 255 {
		fatalf("-status must be between 0 and 255")
	}

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		fatalf("listen on %s: %v", *listenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	answer := byte(*status)
	backend := &commloop.Backend{
		Secret: []byte(*password),
		Logger: newLogger(),
		Handler: func(category, subtopic string, cont json.RawMessage) byte {
			if *format == "json" {
				printJSON(map[string]interface{}{
					"time": time.Now().UTC(),
					"type": category,
					"meta": subtopic,
					"cont": cont,
				})
			} else {
				fmt.Printf("%s  %s/%s  %s\n", time.Now().Format(time.TimeOnly), category, subtopic, cont)
			}
			return answer
		},
	}

	fmt.Fprintf(os.Stderr, "listening on %s, answering %s\n", ln.Addr(), commloop.Interpret(answer))
	if err := backend.Serve(ctx, ln); err != nil {
		fatalf("serve: %v", err)
	}
}

func handleRelays(args []string) {
	fs := flag.NewFlagSet("relays", flag.ExitOnError)
	category := fs.String("category", "", "filter by category")
	outcome := fs.String("outcome", "", "filter by outcome")
	source := fs.String("source", "", "filter by source")
	limit := fs.Int("limit", 20, "maximum entries")
	fs.Parse(args)

	if *authToken == "" {
		fatalf("relays requires -auth-token (or WEBMOMMI_AUTH_TOKEN, or -config)")
	}

	client := commloopctl.NewHTTPClient(*relayURL, *authToken)
	records, err := commloopctl.ListRelays(client, *category, *outcome, *source, *limit)
	if err != nil {
		fatalf("%v", err)
	}

	if *format == "json" {
		printJSON(records)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSOURCE\tCATEGORY\tSUBTOPIC\tOUTCOME\tMS")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			r.Timestamp.Format(time.RFC3339), r.Source, r.Category, r.Subtopic, r.Outcome, r.DurationMs)
	}
	w.Flush()
}

func handleHealth() {
	r, err := commloopctl.Readiness(commloopctl.NewHTTPClient(*relayURL, *authToken))
	if err != nil {
		fatalf("%v", err)
	}

	if *format == "json" {
		printJSON(r)
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "OVERALL\t%s\n", r.Status)
		for name, c := range r.Components {
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, c.Status, c.Error)
		}
		w.Flush()
	}

	if r.Status != "healthy" {
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Println(`commloopctl - talk to a MoMMI commloop and the webmommi relay

Usage:
  commloopctl [global flags] <command> [flags]

Commands:
  send     relay one message directly to the commloop
           -meta <subtopic> [-category gamenudge] [-pass p -content c -ping] [-payload '{...}']
  listen   run a debug commloop backend that prints every authenticated frame
           [-listen 127.0.0.1:1679] [-status 0]
  relays   list recent relays from the webmommi audit log
           [-category c] [-outcome o] [-source s] [-limit n]
  health   show webmommi readiness

Global flags:
  -config, -address, -password, -relay-url, -auth-token, -format table|json, -verbose`)
}
