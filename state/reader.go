package state

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message is a single entry in a thread's history. Node records which graph
// node produced the message ("" for caller input).
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Node    string    `json:"node,omitempty"`
	Time    time.Time `json:"time,omitzero"`
}

// UserMessage returns a caller input message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage returns a message produced by the given node.
func AssistantMessage(node, content string) Message {
	return Message{Role: RoleAssistant, Content: content, Node: node}
}

// Reader provides read-only access to a thread's state. Workers and routers
// receive a Reader and never a reference to the live state; every accessor
// returns a copy.
type Reader interface {
	// ThreadID returns the conversation identifier
	ThreadID() string

	// StepCount returns the number of completed steps
	StepCount() int

	// History returns a copy of the message history
	History() []Message

	// LastMessage returns the most recent message, if any
	LastMessage() (Message, bool)

	// Scratch returns the scratch value stored under key
	Scratch(key string) (any, bool)

	// ScratchKeys returns the sorted scratch keys
	ScratchKeys() []string
}
