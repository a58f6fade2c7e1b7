package gateway

import (
	"encoding/json"

	"github.com/haasonsaas/sessiongate/pkg/models"
	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// publish encodes ev once and pushes it to every connected subscriber of
// the run's session on every transport.
func (g *Gateway) publish(r *run, ev models.Event) int {
	frame, err := r.frame(ev)
	if err != nil {
		g.logger.Warn("encode event", "session_id", r.session.ID, "event", ev.Type, "error", err)
		return 0
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		g.logger.Warn("encode event", "session_id", r.session.ID, "event", ev.Type, "error", err)
		return 0
	}

	subscribers := g.registry.Subscribers(r.session.ID)
	delivered := 0
	for _, t := range g.transports {
		for _, id := range subscribers {
			c, ok := t.Client(id)
			if !ok || !c.Connected() || !c.Subscribed(r.session.ID) {
				continue
			}
			c.Push(data)
			delivered++
		}
	}
	g.metrics.EventsDelivered("session", delivered)
	return delivered
}

// frame builds the event frame for ev, tagged with the run id.
func (r *run) frame(ev models.Event) (*protocol.Frame, error) {
	frame, err := protocol.NewEvent(ev.Type, r.key, ev.Data)
	if err != nil {
		return nil, err
	}
	frame.RunID = r.id
	return frame, nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
