package server

// relaySignal forwards a call signaling event to every connection of the
// target user. The payload is never inspected. Checks run in a fixed order
// so the caller gets the first failing reason.
func (c *Client) relaySignal(event string, req *SignalRequest) error {
	if req.RoomKey == "" {
		return ErrRoomKeyRequired
	}
	if req.To == "" {
		return ErrTargetRequired
	}

	sub := c.getSubscription(req.RoomKey)
	if sub == nil {
		return ErrRoomNotAllowed
	}
	if !sub.info.HasParticipant(req.To) {
		return ErrTargetNotInRoom
	}

	sent := c.chatServer.sendToUser(req.To, newEvent(event, SignalEvent{
		From:    c.user.Id,
		RoomKey: req.RoomKey,
		Payload: req.payload(),
	}))
	if sent == 0 {
		return ErrTargetOffline
	}

	c.chatServer.stats.Incr(metricSignalsRelayed)
	c.log.Debug().Str("event", event).Str("to", req.To).Int("conns", sent).Msg("relayed signal")
	return nil
}
