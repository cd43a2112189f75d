package bridge

type MessageType string

const (
	MsgUpdate MessageType = "update"
	MsgError  MessageType = "error"
)

// ModeName is the update name under which the current mode is announced.
const ModeName = "mode"

// Message is one outbound event for a viewer.
type Message struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// UpdatePayload carries a normalized variable value, or the mode string
// when Name is ModeName.
type UpdatePayload struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func updateMessage(name string, value interface{}) Message {
	return Message{Type: MsgUpdate, Payload: UpdatePayload{Name: name, Value: value}}
}

func errorMessage(text string) Message {
	return Message{Type: MsgError, Payload: ErrorPayload{Message: text}}
}

type CommandKind int

const (
	SelectInputA CommandKind = iota
	SelectInputB
	SelectManual
	SetManualValue
)

// Command is a viewer request. Percent is only read for SetManualValue.
type Command struct {
	Kind    CommandKind
	Percent float64
}

// Viewer is an attached client. Send must not block; it returns false when
// the viewer cannot take the message, and the bridge then evicts it.
type Viewer interface {
	ID() string
	Send(Message) bool
	Close()
}

// Mirror receives a copy of every broadcast update.
type Mirror interface {
	Publish(name string, value interface{})
}
