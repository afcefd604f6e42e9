package campusflow

import "go.jetify.com/typeid"

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewThreadID returns a new thread id
func NewThreadID() string {
	return newID("thread")
}

// NewCheckpointID returns a new checkpoint id
func NewCheckpointID() string {
	return newID("ckpt")
}

// NewInterruptToken returns a new resumption token
func NewInterruptToken() string {
	return newID("intr")
}

func newStepLogID() string {
	return newID("step")
}
