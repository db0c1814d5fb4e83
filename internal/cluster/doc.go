// Package cluster holds the wire types shared by the master's status
// endpoint and the `master status` command, plus a small JSON GET helper.
//
// # Status Endpoint
//
// A running master serves:
//
//	GET /health   200 "ok"
//	GET /status   Status as JSON
//
// Example response:
//
//	{
//	  "checked_at": "2026-10-15T09:30:00Z",
//	  "root": "/warden",
//	  "threshold": "30s",
//	  "timers": [
//	    {"node": "timer-w1", "process_id": "w1", "age": "2.1s", "expired": false}
//	  ],
//	  "queue_length": 12,
//	  "healthy": 1,
//	  "expired": 0,
//	  "gone": 0
//	}
//
// Durations are rendered with time.Duration.String so the output stays
// readable in curl.
//
// # Client Usage
//
//	var st cluster.Status
//	if err := cluster.GetJSON(ctx, "http://localhost:8080/status", &st); err != nil {
//	    return err
//	}
//
// GetJSON uses a shared client with a 5 second timeout and treats any status
// code of 300 or above as an error.
package cluster
