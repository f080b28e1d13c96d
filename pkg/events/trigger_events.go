package events

// EventReceivedEvent carries a named application event into the trigger manager.
const EventReceivedEvent EventType = "event.received"

// EventReceived is a named event published by another service. Event triggers
// whose event type and conditions match start their workflow with Data as
// trigger data.
type EventReceived struct {
	BaseEvent

	EventType string         `json:"event_type"`
	Source    string         `json:"source,omitempty"`
	Data      map[string]any `json:"data"`
}

func (e EventReceived) GetType() EventType {
	return EventReceivedEvent
}

func NewEventReceived(eventType, source string, data map[string]any) EventReceived {
	return EventReceived{
		BaseEvent: NewBaseEvent(EventReceivedEvent, ""),
		EventType: eventType,
		Source:    source,
		Data:      data,
	}
}
