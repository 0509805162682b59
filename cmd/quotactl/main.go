// Command quotactl administers a running quota-proxy over its admin API.
//
// Usage:
//
//	quotactl [-server URL] [-token TOKEN] <command> [options]
//
// Commands:
//
//	create-key   issue a trial key
//	list-keys    list trial keys with today's consumption
//	update-key   change label, limit or active state of a key
//	delete-key   delete a key and its usage counters
//	usage        show usage counters
//	reset        zero usage counters
//	health       check service health
//	metrics      dump Prometheus metrics
//	version      print build information
//
// The server URL defaults to QUOTAPROXY_URL or http://localhost:8787 and
// the admin token to ADMIN_TOKEN.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/quotaproxy/quota-proxy/internal/version"
)

type cli struct {
	server string
	token  string
	client *http.Client
}

func main() {
	fs := flag.NewFlagSet("quotactl", flag.ExitOnError)
	server := fs.String("server", envOr("QUOTAPROXY_URL", "http://localhost:8787"), "proxy base URL")
	token := fs.String("token", os.Getenv("ADMIN_TOKEN"), "admin token")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: quotactl [-server URL] [-token TOKEN] <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "commands: create-key, list-keys, update-key, delete-key, usage, reset, health, metrics, version\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	c := &cli{
		server: strings.TrimRight(*server, "/"),
		token:  *token,
		client: &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch cmd := args[0]; cmd {
	case "create-key":
		err = c.createKey(args[1:])
	case "list-keys":
		err = c.listKeys(args[1:])
	case "update-key":
		err = c.updateKey(args[1:])
	case "delete-key":
		err = c.deleteKey(args[1:])
	case "usage":
		err = c.usage(args[1:])
	case "reset":
		err = c.reset(args[1:])
	case "health":
		err = c.health()
	case "metrics":
		err = c.metrics()
	case "version":
		fmt.Println(version.FullInfo())
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotactl: %v\n", err)
		os.Exit(1)
	}
}

func (c *cli) createKey(args []string) error {
	fs := flag.NewFlagSet("create-key", flag.ExitOnError)
	label := fs.String("label", "", "human readable label")
	limit := fs.Int("limit", 0, "daily request limit (0 uses the server default)")
	expires := fs.String("expires", "", "expiry as RFC 3339 timestamp")
	_ = fs.Parse(args)

	body := map[string]any{"label": *label}
	if *limit > 0 {
		body["daily_limit"] = *limit
	}
	if *expires != "" {
		t, err := time.Parse(time.RFC3339, *expires)
		if err != nil {
			return fmt.Errorf("parse -expires: %w", err)
		}
		body["expires_at"] = t
	}
	return c.call(http.MethodPost, "/admin/keys", body)
}

func (c *cli) listKeys(args []string) error {
	fs := flag.NewFlagSet("list-keys", flag.ExitOnError)
	activeOnly := fs.Bool("active", false, "only active keys")
	limit := fs.Int("limit", 50, "page size")
	offset := fs.Int("offset", 0, "page offset")
	_ = fs.Parse(args)

	path := fmt.Sprintf("/admin/keys?limit=%d&offset=%d", *limit, *offset)
	if *activeOnly {
		path += "&active_only=true"
	}
	return c.call(http.MethodGet, path, nil)
}

func (c *cli) updateKey(args []string) error {
	fs := flag.NewFlagSet("update-key", flag.ExitOnError)
	key := fs.String("key", "", "trial key to update (required)")
	label := fs.String("label", "", "new label")
	limit := fs.Int("limit", 0, "new daily request limit")
	active := fs.String("active", "", "activate or deactivate: true or false")
	_ = fs.Parse(args)
	if *key == "" {
		return fmt.Errorf("-key is required")
	}

	body := map[string]any{}
	if *label != "" {
		body["label"] = *label
	}
	if *limit > 0 {
		body["daily_limit"] = *limit
	}
	switch *active {
	case "":
	case "true":
		body["active"] = true
	case "false":
		body["active"] = false
	default:
		return fmt.Errorf("-active must be true or false")
	}
	if len(body) == 0 {
		return fmt.Errorf("nothing to update")
	}
	return c.call(http.MethodPut, "/admin/keys/"+*key, body)
}

func (c *cli) deleteKey(args []string) error {
	fs := flag.NewFlagSet("delete-key", flag.ExitOnError)
	key := fs.String("key", "", "trial key to delete (required)")
	_ = fs.Parse(args)
	if *key == "" {
		return fmt.Errorf("-key is required")
	}
	return c.call(http.MethodDelete, "/admin/keys/"+*key, nil)
}

func (c *cli) usage(args []string) error {
	fs := flag.NewFlagSet("usage", flag.ExitOnError)
	key := fs.String("key", "", "filter by trial key")
	day := fs.String("day", "", "filter by day (YYYY-MM-DD)")
	days := fs.Int("days", 0, "lookback window in days")
	limit := fs.Int("limit", 50, "page size")
	offset := fs.Int("offset", 0, "page offset")
	_ = fs.Parse(args)

	path := fmt.Sprintf("/admin/usage?limit=%d&offset=%d", *limit, *offset)
	if *key != "" {
		path += "&key=" + *key
	}
	if *day != "" {
		path += "&day=" + *day
	}
	if *days > 0 {
		path += fmt.Sprintf("&days=%d", *days)
	}
	return c.call(http.MethodGet, path, nil)
}

func (c *cli) reset(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	key := fs.String("key", "", "trial key to reset, empty for all")
	day := fs.String("day", "", "day to reset, empty for today")
	allDays := fs.Bool("all-days", false, "reset every day, not just one")
	_ = fs.Parse(args)

	body := map[string]any{"key": *key, "day": *day, "all_days": *allDays}
	return c.call(http.MethodPost, "/admin/usage/reset", body)
}

func (c *cli) health() error {
	return c.call(http.MethodGet, "/healthz", nil)
}

func (c *cli) metrics() error {
	req, err := http.NewRequest(http.MethodGet, c.server+"/admin/metrics", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

// call performs one admin request and pretty-prints the JSON response.
func (c *cli) call(method, path string, body any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.server+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(strings.TrimSpace(string(data)))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}

func (c *cli) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
