package domain

import "context"

// State is a step of an inbound unit of work.
type State string

const (
	StateReceived     State = "received"
	StateVerified     State = "verified"
	StateContextBuilt State = "context_built"
	StateCompleted    State = "completed"
	StateSummarized   State = "summarized"
	StateDispatched   State = "dispatched"
	StateRejected     State = "rejected"
	StateFailed       State = "failed"
)

// Unit is one raw inbound payload handed to the router by an adapter,
// whether it arrived by webhook or by polling.
type Unit struct {
	Adapter ChannelAdapter
	AgentID string
	Token   string
	Payload []byte
}

// Outcome reports what happened to one normalized inbound item.
type Outcome struct {
	Kind           InboundKind
	State          State
	Trace          []State
	ConversationID string
	Reply          *Message
	Delivery       DeliveryResult
	Duplicate      bool
	Err            error
}

// Enter records a state transition.
func (o *Outcome) Enter(s State) {
	o.State = s
	o.Trace = append(o.Trace, s)
}

// Reached reports whether s appears anywhere in the trace.
func (o *Outcome) Reached(s State) bool {
	for _, t := range o.Trace {
		if t == s {
			return true
		}
	}
	return false
}

// Processor runs units of work through the router.
type Processor interface {
	Process(ctx context.Context, unit Unit) ([]Outcome, error)
}
