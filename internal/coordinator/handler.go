package coordinator

import (
	"context"
	"errors"

	"carbontrail/internal/protocol"
)

// HandleActivity processes one detector envelope. The returned error
// means the coordinator could not take ownership (rehydration or
// persistence failure) and the sender should retry or queue. Once
// ownership is taken, delivery failures surface inside the ack instead:
// the event is counted and must not be re-sent.
func (c *Coordinator) HandleActivity(ctx context.Context, env protocol.Envelope) (protocol.Ack, error) {
	if env.Type != protocol.TypeActivityDetected || env.Payload == nil {
		return protocol.Ack{}, errors.New("malformed activity envelope")
	}
	if err := c.OnActivity(ctx, env.Payload); err != nil {
		if errors.Is(err, ErrBackendUnreachable) || errors.Is(err, ErrDeliveryFailed) {
			return protocol.Ack{Acknowledged: true, Error: err.Error()}, nil
		}
		return protocol.Ack{}, err
	}
	return protocol.Ack{Acknowledged: true}, nil
}

// HandleCommand serves the UI-facing request/reply surface.
func (c *Coordinator) HandleCommand(ctx context.Context, env protocol.Envelope) protocol.Reply {
	switch env.Type {
	case protocol.TypePing:
		return protocol.Reply{Success: true}

	case protocol.TypeGetState:
		return c.stateReply(ctx)

	case protocol.TypeSetMode:
		if err := c.SetMode(ctx, env.Mode); err != nil {
			return protocol.Reply{Error: err.Error()}
		}
		return c.stateReply(ctx)

	case protocol.TypeSetBackendURL:
		if err := c.SetBackendBaseURL(ctx, env.URL); err != nil {
			return protocol.Reply{Error: err.Error()}
		}
		return c.stateReply(ctx)

	case protocol.TypeRefreshHealth:
		ok, err := c.CheckHealth(ctx, true)
		if err != nil {
			return protocol.Reply{Error: err.Error()}
		}
		if ok {
			// Connectivity just confirmed; opportunistic replay.
			c.DrainPending(ctx)
		}
		return c.stateReply(ctx)

	case protocol.TypeClearStats:
		if err := c.ClearStats(ctx); err != nil {
			return protocol.Reply{Error: err.Error()}
		}
		return c.stateReply(ctx)
	}
	return protocol.Reply{Error: "unknown command " + env.Type}
}

func (c *Coordinator) stateReply(ctx context.Context) protocol.Reply {
	st, err := c.State(ctx)
	if err != nil {
		return protocol.Reply{Error: err.Error()}
	}
	return protocol.Reply{Success: true, State: &st}
}
