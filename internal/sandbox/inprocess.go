package sandbox

import "context"

// InProcessBackend runs snippets on an interpreter inside the host process.
// The memory limit is not enforced here.
type InProcessBackend struct{}

func NewInProcessBackend() *InProcessBackend { return &InProcessBackend{} }

func (b *InProcessBackend) Name() string { return BackendInProcess }

func (b *InProcessBackend) Run(ctx context.Context, code string, env *Environment, limits Limits) (*Outcome, error) {
	capt := newCapture(limits.MaxOutputChars)
	s, err := newSession(ctx, capt.add)
	if err != nil {
		return nil, err
	}
	if err := s.bind(env.Snapshot()); err != nil {
		return nil, err
	}
	s.run(code, limits.Timeout)

	return &Outcome{
		Text:     capt.text(),
		Total:    capt.total,
		Status:   s.status,
		Bindings: decodeBindings(s.bindings(env.accepts)),
	}, nil
}
