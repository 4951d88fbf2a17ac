package tracing

import (
	"github.com/sarchlab/ahcisim/sim"
)

// NamedHookable is a domain that tasks can be traced in.
type NamedHookable interface {
	sim.Named
	sim.Hookable
}

// Hook positions of the task events.
var (
	HookPosTaskStart = &sim.HookPos{Name: "HookPosTaskStart"}
	HookPosTaskStep  = &sim.HookPos{Name: "HookPosTaskStep"}
	HookPosTaskEnd   = &sim.HookPos{Name: "HookPosTaskEnd"}
)

// StartTask announces a task that runs in the domain itself.
func StartTask(
	id, parentID string,
	domain NamedHookable,
	kind, what string,
	detail any,
) {
	if domain == nil {
		panic("domain must not be nil")
	}

	StartTaskAt(id, parentID, domain, kind, what, domain.Name(), detail)
}

// StartTaskAt announces a task whose location is a part of the domain, such
// as one port of a controller.
func StartTaskAt(
	id, parentID string,
	domain NamedHookable,
	kind, what, location string,
	detail any,
) {
	task := Task{
		ID:       id,
		ParentID: parentID,
		Kind:     kind,
		What:     what,
		Location: location,
		Detail:   detail,
	}
	mustBeStartable(task, domain)

	notify(domain, HookPosTaskStart, task)
}

func mustBeStartable(task Task, domain NamedHookable) {
	switch {
	case task.ID == "":
		panic("id must not be empty")
	case domain == nil:
		panic("domain must not be nil")
	case task.Kind == "":
		panic("kind must not be empty")
	case task.What == "":
		panic("what must not be empty")
	case domain.Name() == "":
		panic("domain must have a name")
	}
}

// AddTaskStep records that the task reached a milestone.
func AddTaskStep(id string, domain NamedHookable, what string) {
	notify(domain, HookPosTaskStep, Task{
		ID:    id,
		Steps: []TaskStep{{What: what}},
	})
}

// EndTask announces that the task finished.
func EndTask(id string, domain NamedHookable) {
	notify(domain, HookPosTaskEnd, Task{ID: id})
}

func notify(domain NamedHookable, pos *sim.HookPos, task Task) {
	if domain.NumHooks() == 0 {
		return
	}

	domain.InvokeHook(sim.HookCtx{
		Domain: domain,
		Item:   task,
		Pos:    pos,
	})
}
