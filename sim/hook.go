package sim

// HookPos names a place in the code where hooks are invoked.
type HookPos struct {
	Name string
}

// HookCtx describes one hook invocation.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   any

	// Detail carries the handler error at HookPosAfterEvent.
	Detail any
}

// Hook positions of the engine, around every handled event. Item is the
// event.
var (
	HookPosBeforeEvent = &HookPos{Name: "BeforeEvent"}
	HookPosAfterEvent  = &HookPos{Name: "AfterEvent"}
)

// A Hook observes a Hookable.
type Hook interface {
	Func(ctx HookCtx)
}

// Hookable is implemented by the engine and by the components whose work can
// be traced.
type Hookable interface {
	// AcceptHook attaches a hook. Hooks are attached before the domain runs
	// and stay attached.
	AcceptHook(hook Hook)

	// NumHooks returns the number of attached hooks.
	NumHooks() int

	// Hooks returns the attached hooks.
	Hooks() []Hook

	// InvokeHook calls every attached hook with ctx.
	InvokeHook(ctx HookCtx)
}

// HookableBase implements Hookable for embedding.
type HookableBase struct {
	hooks []Hook
}

// NumHooks returns the number of attached hooks.
func (h *HookableBase) NumHooks() int {
	return len(h.hooks)
}

// Hooks returns the attached hooks.
func (h *HookableBase) Hooks() []Hook {
	return h.hooks
}

// AcceptHook attaches hook. Attaching the same hook twice panics.
func (h *HookableBase) AcceptHook(hook Hook) {
	for _, existing := range h.hooks {
		if existing == hook {
			panic("duplicated hook")
		}
	}

	h.hooks = append(h.hooks, hook)
}

// InvokeHook calls the hooks in the order they were attached.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.hooks {
		hook.Func(ctx)
	}
}
