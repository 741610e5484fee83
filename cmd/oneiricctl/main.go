// Command oneiricctl is the control CLI for a running oneiricd: list,
// explain, swap, status/health, pause/drain/activity, remote-sync/
// remote-status, and manifest pack — all thin wrappers over the
// orchestrator's HTTP control API.
//
// The flag.NewFlagSet-per-subcommand dispatch and apiClient shape are
// grounded on cmd/slctl/main.go.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	exitSuccess           = 0
	exitUsage             = 1
	exitOperationalFailure = 2
	exitResolutionFailure = 3
	exitSecurityFailure   = 4
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	defaultAddr := getenv("ONEIRICCTL_ADDR", "http://localhost:8642")

	root := flag.NewFlagSet("oneiricctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "oneiricd control API base URL (env ONEIRICCTL_ADDR)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	queryFlag := root.String("query", "", "gjson path to extract from the JSON response before printing")
	if err := root.Parse(args); err != nil {
		printUsage()
		return exitUsage
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		printUsage()
		return exitUsage
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		http:    &http.Client{Timeout: *timeoutFlag},
		query:   *queryFlag,
	}

	var err error
	switch remaining[0] {
	case "list":
		err = cmdList(ctx, client, remaining[1:])
	case "explain":
		err = cmdExplain(ctx, client, remaining[1:])
	case "swap":
		err = cmdSwap(ctx, client, remaining[1:])
	case "status":
		err = cmdStatus(ctx, client)
	case "health":
		err = cmdHealth(ctx, client, remaining[1:])
	case "pause":
		err = cmdPause(ctx, client, remaining[1:])
	case "drain":
		err = cmdDrain(ctx, client, remaining[1:])
	case "activity":
		err = cmdActivity(ctx, client)
	case "remote-sync":
		err = cmdRemoteSync(ctx, client)
	case "remote-status":
		err = cmdRemoteStatus(ctx, client)
	case "manifest":
		return cmdManifest(remaining[1:])
	case "help", "-h", "--help":
		printUsage()
		return exitSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", remaining[0])
		printUsage()
		return exitUsage
	}

	if err == nil {
		return exitSuccess
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return classifyExit(err)
}

// usageErr marks an error as a usage mistake (exit 1) rather than an
// operational, resolution, or security failure.
type usageErr struct{ err error }

func (u *usageErr) Error() string { return u.err.Error() }
func (u *usageErr) Unwrap() error { return u.err }

// classifyExit maps a returned error to the exit codes spec.md §6
// defines: 1 usage, 2 operational failure, 3 resolution failure, 4
// security failure.
func classifyExit(err error) int {
	var ue *usageErr
	if errors.As(err, &ue) {
		return exitUsage
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch {
		case strings.HasPrefix(apiErr.Kind, "RESOLUTION_"):
			return exitResolutionFailure
		case strings.HasPrefix(apiErr.Kind, "SECURITY_"):
			return exitSecurityFailure
		}
	}
	return exitOperationalFailure
}

func printUsage() {
	fmt.Println(`Oneiric control CLI (oneiricctl)

Usage:
  oneiricctl [global flags] <command> [flags]

Global Flags:
  --addr       oneiricd control API base URL (env ONEIRICCTL_ADDR, default http://localhost:8642)
  --timeout    HTTP timeout (default 15s)
  --query      gjson path to extract from the response before printing

Commands:
  list [--domain D]                          List candidates
  explain <domain> <key>                     Show the full resolution trace
  swap <domain> <key> --provider P           Enqueue a swap
  status                                     Show lifecycle entry summary
  health [--probe]                           Show /healthz report
  pause <domain> <key> [--reason R]          Pause a key
  drain <domain> <key> [--reason R]          Drain a key
  activity                                   Show the activity snapshot
  remote-sync                                Trigger a remote manifest sync
  remote-status                              Show configured remote sources
  manifest pack --input FILE --output FILE   Canonicalize a manifest for baking
  manifest verify --input FILE               Validate a manifest's signature and shape`)
}

// ---------------------------------------------------------------------
// HTTP client

type apiClient struct {
	baseURL string
	http    *http.Client
	query   string
}

// apiError mirrors the {kind,message,details} body writeError produces.
type apiError struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Kind != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (c *apiClient) print(data []byte) {
	if len(data) == 0 {
		fmt.Println("(empty)")
		return
	}
	if c.query != "" {
		result := gjson.GetBytes(data, c.query)
		fmt.Println(result.String())
		return
	}
	var dst bytes.Buffer
	if err := json.Indent(&dst, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(dst.String())
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// ---------------------------------------------------------------------
// Commands

func cmdList(ctx context.Context, c *apiClient, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	domain := fs.String("domain", "", "filter by domain")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	path := "/v1/candidates"
	if *domain != "" {
		path += "?domain=" + *domain
	}
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	c.print(data)
	return nil
}

func cmdExplain(ctx context.Context, c *apiClient, args []string) error {
	if len(args) < 2 {
		return usageError(errors.New("explain requires <domain> <key>"))
	}
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/candidates/%s/%s/explain", args[0], args[1]), nil)
	if err != nil {
		return err
	}
	c.print(data)
	return nil
}

func cmdSwap(ctx context.Context, c *apiClient, args []string) error {
	if len(args) < 2 {
		return usageError(errors.New("swap requires <domain> <key> --provider P"))
	}
	fs := flag.NewFlagSet("swap", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	provider := fs.String("provider", "", "target provider (required)")
	if err := fs.Parse(args[2:]); err != nil {
		return usageError(err)
	}
	if *provider == "" {
		return usageError(errors.New("--provider is required"))
	}
	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/lifecycle/%s/%s/swap", args[0], args[1]), map[string]any{"provider": *provider})
	if err != nil {
		return err
	}
	c.print(data)
	return nil
}

func cmdStatus(ctx context.Context, c *apiClient) error {
	data, err := c.do(ctx, http.MethodGet, "/v1/status", nil)
	if err != nil {
		return err
	}
	c.print(data)
	return nil
}

func cmdHealth(ctx context.Context, c *apiClient, args []string) error {
	data, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	c.print(data)
	if gjson.GetBytes(data, "status").String() != "ok" {
		return &apiError{Kind: "LIFECYCLE_NOT_READY", Message: "one or more components are not healthy"}
	}
	return nil
}

func cmdPause(ctx context.Context, c *apiClient, args []string) error {
	if len(args) < 2 {
		return usageError(errors.New("pause requires <domain> <key> [--reason R]"))
	}
	fs := flag.NewFlagSet("pause", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	reason := fs.String("reason", "", "pause reason")
	if err := fs.Parse(args[2:]); err != nil {
		return usageError(err)
	}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/activity/%s/%s/pause", args[0], args[1]), map[string]any{"reason": *reason})
	return err
}

func cmdDrain(ctx context.Context, c *apiClient, args []string) error {
	if len(args) < 2 {
		return usageError(errors.New("drain requires <domain> <key> [--reason R]"))
	}
	fs := flag.NewFlagSet("drain", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	reason := fs.String("reason", "", "drain reason")
	if err := fs.Parse(args[2:]); err != nil {
		return usageError(err)
	}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/activity/%s/%s/drain", args[0], args[1]), map[string]any{"reason": *reason})
	return err
}

func cmdActivity(ctx context.Context, c *apiClient) error {
	data, err := c.do(ctx, http.MethodGet, "/v1/activity", nil)
	if err != nil {
		return err
	}
	c.print(data)
	return nil
}

func cmdRemoteSync(ctx context.Context, c *apiClient) error {
	data, err := c.do(ctx, http.MethodPost, "/v1/remote/sync", nil)
	if err != nil {
		return err
	}
	c.print(data)
	return nil
}

func cmdRemoteStatus(ctx context.Context, c *apiClient) error {
	data, err := c.do(ctx, http.MethodGet, "/v1/remote/status", nil)
	if err != nil {
		return err
	}
	c.print(data)
	return nil
}

func usageError(err error) error {
	printUsage()
	return &usageErr{err: err}
}
