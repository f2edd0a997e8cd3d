package event

import "context"

// Stream delivers the session's events to fn in sequence order without gaps
// or duplicates: stored events after the given sequence first, then live
// ones. It subscribes before replaying so nothing published in between is
// lost. If the hub dropped events for this subscriber, the gap is refilled
// from the log. Stream returns when ctx ends, the subscription closes, or fn
// returns an error.
func Stream(ctx context.Context, log Log, hub *Hub, sessionID string, after int64, fn func(Event) error) error {
	live, release := hub.Subscribe(sessionID)
	defer release()

	last := after
	deliver := func(ev Event) error {
		if ev.SequenceID <= last {
			return nil
		}
		if err := fn(ev); err != nil {
			return err
		}
		last = ev.SequenceID
		return nil
	}

	replay := func() error {
		stored, err := log.ListEventsAfter(ctx, sessionID, last)
		if err != nil {
			return err
		}
		for _, ev := range stored {
			if err := deliver(ev); err != nil {
				return err
			}
		}
		return nil
	}

	if err := replay(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			if ev.SequenceID <= last {
				continue
			}
			if ev.SequenceID > last+1 {
				if err := replay(); err != nil {
					return err
				}
				continue
			}
			if err := deliver(ev); err != nil {
				return err
			}
		}
	}
}
