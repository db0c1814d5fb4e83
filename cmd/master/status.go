package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/warden/internal/cluster"
	"github.com/dreamware/warden/internal/coordinator"
)

func newStatusMux(monitor *coordinator.Monitor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		handleStatus(monitor, w, r)
	})
	return mux
}

// handleStatus returns the monitor's last scan as JSON
func handleStatus(monitor *coordinator.Monitor, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(monitor.Status())
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running master",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Master.StatusAddr
			}
			if addr == "" {
				return fmt.Errorf("no status address: pass --addr or set master.status_addr")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var st cluster.Status
			if err := cluster.GetJSON(ctx, statusURL(addr), &st); err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "master status address (default master.status_addr)")
	return cmd
}

// statusURL turns a listen address or base URL into the /status URL.
func statusURL(addr string) string {
	base := addr
	switch {
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
	case strings.HasPrefix(addr, ":"):
		base = "http://127.0.0.1" + addr
	default:
		base = "http://" + addr
	}
	return strings.TrimRight(base, "/") + "/status"
}

func printStatus(out io.Writer, st cluster.Status) error {
	fmt.Fprintf(out, "root %s  threshold %s  queue %d  healthy %d  expired %d  gone %d\n",
		st.Root, st.Threshold, st.QueueLength, st.Healthy, st.Expired, st.Gone)
	if len(st.Timers) == 0 {
		fmt.Fprintln(out, "no workers registered")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tPROCESS\tAGE\tSTATE")
	for _, ti := range st.Timers {
		state := coordinator.StatusAlive
		if ti.Expired {
			state = coordinator.StatusExpired
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ti.Node, ti.ProcessID, ti.Age, state)
	}
	return tw.Flush()
}
