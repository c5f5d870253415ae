package models

// DeriveStatus recomputes a confirmed message's display status from the raw
// delivery sets. It is a pure function: the stored status field is never the
// sole source of truth once a message has been confirmed.
//
// read dominates delivered dominates sent. Group conversations (more than
// two participants) skip the delivered distinction: only sent and read are
// surfaced. An optimistic message keeps its stored status (sending or
// failed) until the remote copy arrives.
func DeriveStatus(m Message, participantCount int) Status {
	if m.Optimistic {
		return m.Status
	}
	if m.Status == StatusFailed {
		return StatusFailed
	}
	if m.ReadByOther() {
		return StatusRead
	}
	if participantCount == 2 && len(m.DeliveredTo) >= participantCount {
		return StatusDelivered
	}
	return StatusSent
}
