package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Status is the master's view of a run, served on GET /status.
type Status struct {
	CheckedAt   time.Time     `json:"checked_at"`
	Root        string        `json:"root"`
	Threshold   string        `json:"threshold"`
	Timers      []TimerStatus `json:"timers"`
	QueueLength int           `json:"queue_length"`
	// Healthy counts timers younger than the threshold. The protocol's
	// CheckTimers reports every existing timer as alive; this does not.
	Healthy int `json:"healthy"`
	Expired int `json:"expired"`
	// Gone counts workers seen earlier whose timers have vanished.
	Gone int `json:"gone"`
}

// TimerStatus describes one worker timer at scan time.
type TimerStatus struct {
	Node      string `json:"node"`
	ProcessID string `json:"process_id"`
	Age       string `json:"age"`
	Expired   bool   `json:"expired"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
