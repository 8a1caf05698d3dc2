package maginet

// Logging convention in the `maginet` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - transport failures surfaced to the caller
//     - dropped inbound data (malformed envelopes, bad room tokens)
// V(1):
//     key lifecycle events with ids that can be used to filter
//     - start/stop transitions, connection open/close, channel register
// V(2):
//     frequent per-message events - e.g. send, receive, patch, snapshot, gossip

// short form of a peer id for log tags
func logId(peerId PeerId) string {
	if 8 < len(peerId) {
		return string(peerId[0:8])
	}
	return string(peerId)
}
