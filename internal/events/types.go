package events

// Event enumerates high-level topics inside the signal engine.
type Event string

const (
	EventSignalAccepted    Event = "signal.accepted"
	EventSignalRejected    Event = "signal.rejected"
	EventSignalProcessed   Event = "signal.processed"
	EventOrderSubmitted    Event = "order.submitted"
	EventOrderFilled       Event = "order.filled"
	EventOrderRejected     Event = "order.rejected"
	EventOrderFailed       Event = "order.failed"
	EventPartialLegUnwound Event = "order.partial_leg_unwound"
	EventCredentialInvalid Event = "credential.invalidated"
	EventRegimeUpdated     Event = "regime.updated"
	EventProviderDegraded  Event = "regime.provider_degraded"
	EventCooldownStarted   Event = "cooldown.started"
)
