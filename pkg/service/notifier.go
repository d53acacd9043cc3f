package service

// Event names dispatched to the Notifier on gate and workflow transitions.
type Event string

const (
	GateOpenedEvent        Event = "gateOpened"
	GateEscalatedEvent     Event = "gateEscalated"
	GateExpiredEvent       Event = "gateExpired"
	WorkflowCompletedEvent Event = "workflowCompleted"
	WorkflowFailedEvent    Event = "workflowFailed"
)

// Notifier is fire-and-forget from the orchestrator's perspective. Delivery
// failures are the dispatcher's problem and never block workflow progress.
type Notifier interface {
	Notify(event Event, recipients []string, context map[string]interface{})
}

// LogNotifier is the default dispatcher: it records every event through the
// service logger.
type LogNotifier struct {
	Logger Logger
}

func (n LogNotifier) Notify(event Event, recipients []string, context map[string]interface{}) {
	n.Logger.Infof("Notification '%s' to %v: %v", event, recipients, context)
}
