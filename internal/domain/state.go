package domain

// transitions lists, for every status, the statuses it may move to.
var transitions = map[TransferStatus][]TransferStatus{
	StatusCreated:             {StatusCollectionPending, StatusCollectionFailed},
	StatusCollectionPending:   {StatusCollected, StatusCollectionFailed},
	StatusCollected:           {StatusDisbursementPending, StatusDisbursementFailed},
	StatusDisbursementPending: {StatusDisbursed, StatusDisbursementFailed},
	StatusDisbursementFailed:  {StatusRefundPending, StatusRefundFailed},
	StatusRefundPending:       {StatusRefunded, StatusRefundFailed},
}

// CanTransition reports whether from -> to is an edge of the transfer state machine.
// A status "transitioning" to itself is allowed so bookkeeping updates can reuse the
// same conditional write.
func CanTransition(from, to TransferStatus) bool {
	if from == to {
		return !IsTerminal(from)
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from status.
func IsTerminal(status TransferStatus) bool {
	switch status {
	case StatusCollectionFailed, StatusDisbursed, StatusRefunded, StatusRefundFailed:
		return true
	}
	return false
}

// IsKnownStatus reports whether status belongs to the closed enumeration.
func IsKnownStatus(status TransferStatus) bool {
	if IsTerminal(status) {
		return true
	}
	_, ok := transitions[status]
	return ok
}

// NonTerminalStatuses returns every status a transfer can be stuck in.
func NonTerminalStatuses() []TransferStatus {
	return []TransferStatus{
		StatusCreated,
		StatusCollectionPending,
		StatusCollected,
		StatusDisbursementPending,
		StatusDisbursementFailed,
		StatusRefundPending,
	}
}
