package statusd

import (
	"encoding/json"
	"time"

	"github.com/crewly/syncbox/internal/coordinator"
)

// EventBridge returns an event callback suitable for
// coordinator.Config.Events that forwards each event to the server's
// WebSocket clients.
func (s *Server) EventBridge() coordinator.EventFunc {
	return func(ev coordinator.Event) {
		payload := map[string]interface{}{}

		if ev.ChangeID != "" {
			payload["change_id"] = ev.ChangeID
		}
		if ev.ChangeType != "" {
			payload["change_type"] = ev.ChangeType
		}
		if ev.Err != "" {
			payload["error"] = ev.Err
		}
		if ev.Report != nil {
			payload["report"] = ev.Report
		}
		if ev.Cleanup != nil {
			payload["cleanup"] = ev.Cleanup
		}

		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Printf("Failed to marshal event payload: %v", err)
			return
		}

		s.Broadcast(Message{
			Type:      string(ev.Type),
			Timestamp: time.Now(),
			Data:      data,
		})
	}
}
