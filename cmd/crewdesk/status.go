package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/crewdesk/internal/config"
	"github.com/basket/crewdesk/internal/engine"
)

// healthReport is the subset of /healthz the status command prints.
type healthReport struct {
	Healthy           bool                     `json:"healthy"`
	StoreOK           bool                     `json:"store_ok"`
	LimiterOK         bool                     `json:"limiter_ok"`
	AgentCount        int                      `json:"agent_count"`
	ConfigFingerprint string                   `json:"config_fingerprint"`
	Dispatcher        *engine.DispatcherStatus `json:"dispatcher"`
	WSClients         int                      `json:"ws_clients"`
	BusDropped        int64                    `json:"bus_dropped"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("status")
	raw := fs.Bool("json", false, "print the raw health JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: crewdesk status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(cfg.BindAddr), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crewdesk is not reachable at %s: %v\n", cfg.BindAddr, err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if *raw {
		_, _ = os.Stdout.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			fmt.Fprintln(os.Stdout)
		}
	} else {
		var rep healthReport
		if err := json.Unmarshal(body, &rep); err != nil {
			fmt.Fprintf(os.Stderr, "unexpected health response (HTTP %d): %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
			return 1
		}
		printHealth(os.Stdout, rep)
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func printHealth(w io.Writer, rep healthReport) {
	state := "healthy"
	if !rep.Healthy {
		state = "UNHEALTHY"
	}
	fmt.Fprintf(w, "crewdesk %s\n", state)
	fmt.Fprintf(w, "  store      %s\n", okText(rep.StoreOK))
	fmt.Fprintf(w, "  limiter    %s\n", okText(rep.LimiterOK))
	fmt.Fprintf(w, "  agents     %d\n", rep.AgentCount)
	if d := rep.Dispatcher; d != nil {
		fmt.Fprintf(w, "  workers    %d (active %d, pending %d, deferred %d, completed %d)\n",
			d.WorkerCount, d.Active, d.Pending, d.Deferred, d.Completed)
		if d.LastError != "" {
			fmt.Fprintf(w, "  last error %s\n", d.LastError)
		}
	}
	fmt.Fprintf(w, "  ws clients %d, dropped events %d\n", rep.WSClients, rep.BusDropped)
	if rep.ConfigFingerprint != "" {
		fmt.Fprintf(w, "  config     %s\n", rep.ConfigFingerprint)
	}
}

func okText(ok bool) string {
	if ok {
		return "ok"
	}
	return "down"
}

// healthURL turns a bind address into a URL the local machine can reach.
func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		switch host {
		case "", "0.0.0.0", "::":
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}
