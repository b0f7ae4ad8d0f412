package runtime

import (
	"context"
	"time"

	"github.com/runtara/runtara/rpc"
)

// startHeartbeat spawns the background heartbeat task described in
// spec.md §4.3: it calls through the shared Client directly, bypassing
// Backend's mutex entirely, so user code holding that mutex during a long
// operation cannot starve liveness signals. It stops when ctx is done.
func startHeartbeat(ctx context.Context, instanceID string, client *rpc.Client, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				req := rpc.InstanceEventRequest{InstanceID: instanceID, EventType: "heartbeat"}
				var resp rpc.InstanceEventResponse
				_ = client.Call(rpc.TypeInstanceEventRequest, req, &resp)
			}
		}
	}()
}
