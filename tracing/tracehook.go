package tracing

import (
	"fmt"
	"log"
	"reflect"

	"github.com/sarchlab/ahcisim/sim"
)

// A Tracer consumes the task events of the domains it collects from.
type Tracer interface {
	StartTask(task Task)
	StepTask(task Task)
	EndTask(task Task)
}

// CollectTrace attaches tracer to domain. Attaching the same tracer twice
// panics.
func CollectTrace(domain NamedHookable, tracer Tracer) {
	for _, h := range domain.Hooks() {
		if th, ok := h.(*traceHook); ok && th.t == tracer {
			panic(fmt.Sprintf("domain %s already has tracer %s",
				domain.Name(), reflect.TypeOf(tracer)))
		}
	}

	domain.AcceptHook(&traceHook{t: tracer})
}

// traceHook forwards task hook positions to a Tracer and ignores the engine
// positions.
type traceHook struct {
	t Tracer
}

func (h *traceHook) Func(ctx sim.HookCtx) {
	switch ctx.Pos {
	case HookPosTaskStart:
		h.t.StartTask(ctx.Item.(Task))
	case HookPosTaskStep:
		h.t.StepTask(ctx.Item.(Task))
	case HookPosTaskEnd:
		h.t.EndTask(ctx.Item.(Task))
	case sim.HookPosBeforeEvent, sim.HookPosAfterEvent:
	default:
		log.Panicf("unknown hook position %s", ctx.Pos.Name)
	}
}
