// heartbeat.go
package schedule

import (
	"context"
	"time"
)

// HeartbeatMsg is the payload published on schedule/heartbeat.
type HeartbeatMsg struct {
	LatestVersion Version   `json:"latest_version"`
	At            time.Time `json:"at"`
}

// StartHeartbeat publishes a HeartbeatMsg on schedule/heartbeat every
// period until stopCh is closed, letting subscribers distinguish a
// quiet-but-alive service from one that has died (spec §6).
func StartHeartbeat(transport Transport, db *Database, period time.Duration, stopCh <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		Logger().Info("heartbeat_started", "period", period.String())
		RecordAudit(context.Background(), AuditLevelInfo, "heartbeat", "started", "heartbeat beacon started", map[string]any{
			"period": period.String(),
		})
		for {
			select {
			case <-stopCh:
				Logger().Info("heartbeat_stopped")
				return
			case <-ticker.C:
				transport.Publish(TopicHeartbeat, HeartbeatMsg{
					LatestVersion: db.LatestVersion(),
					At:            time.Now(),
				})
			}
		}
	}()
}
