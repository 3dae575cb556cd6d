// Package module defines the stateless message-handler interface that the
// scheduler dispatches messages to, and the handler result contract from
// the dispatch model (OK/PASS/UNK_MSG/TASK_REQ/WRONG_PARAMS/FORWARDED).
package module

import "go.nodegrid.dev/nodegrid/internal/gridaddr"

// Response is the mutable result a handler fills in while processing one
// envelope. Result and Error are mutually exclusive; Status decides which
// one the scheduler reads back.
type Response struct {
	Status gridaddr.StatusCode
	Result *gridaddr.ParamNode
	Error  *gridaddr.ParamNode

	// NewTaskName, when non-empty and Status is StatusTaskRequired, names
	// the task the handler wants the scheduler to create and re-dispatch
	// the triggering envelope to.
	NewTaskName string
}

// SetError sets Response to an error result, matching the teacher-facing
// "always set Status together with the payload it implies" convention.
func (r *Response) SetError(status gridaddr.StatusCode, text string) {
	r.Status = status
	r.Result = nil
	r.Error = gridaddr.NewString(text)
}

// SetOK sets Response to an OK result carrying result.
func (r *Response) SetOK(result *gridaddr.ParamNode) {
	r.Status = gridaddr.StatusOK
	r.Result = result
	r.Error = nil
}

// TaskFactory builds a new Task for a message that a handler decided
// requires dedicated, stateful processing (StatusTaskRequired). It is
// declared here as an opaque interface{} task handle to avoid a dependency
// cycle between module and task; the scheduler type-asserts it back to
// task.Task before calling AddTask.
type TaskFactory func(env gridaddr.Envelope) (newTask interface{}, ok bool)

// Module is a stateless message handler. SupportsInterface lets the
// scheduler route "interface.core" commands by interface before falling
// back to a direct scan of every registered module.
type Module interface {
	// Name identifies the module for logging and registration order.
	Name() string
	// SupportsInterface reports whether this module declares handling for
	// the given interface name; an empty interface name means "direct
	// dispatch only" (never matched by interface routing).
	SupportsInterface(iface string) bool
	// HandleMessage processes one envelope, filling resp. It returns PASS
	// when this module does not recognize the command, leaving dispatch
	// to continue to the next module.
	HandleMessage(env gridaddr.Envelope, resp *Response)
	// PrepareTaskForMessage is called when HandleMessage returned
	// StatusTaskRequired; it returns the task handle to register (any
	// type satisfying task.Task) plus ok=false to abort task creation.
	PrepareTaskForMessage(env gridaddr.Envelope) (newTask interface{}, ok bool)
}

// BaseModule provides a no-task-required default for modules that never
// answer StatusTaskRequired, so embedders only implement HandleMessage.
type BaseModule struct{}

func (BaseModule) PrepareTaskForMessage(gridaddr.Envelope) (interface{}, bool) { return nil, false }
