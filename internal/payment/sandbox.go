package payment

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// SandboxGateway mints intents locally. It stands in for the provider in
// development and tests.
type SandboxGateway struct {
	mu      sync.Mutex
	intents []Intent
	// FailWith, when set, is returned by every CreateIntent call.
	FailWith error
}

func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{}
}

func (g *SandboxGateway) CreateIntent(ctx context.Context, amount int64, currency, receipt string) (*Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.FailWith != nil {
		return nil, g.FailWith
	}

	intent := Intent{
		ExternalOrderID: "order_" + uuid.NewString(),
		Amount:          amount,
		Currency:        currency,
		Receipt:         receipt,
	}
	g.intents = append(g.intents, intent)
	return &intent, nil
}

func (g *SandboxGateway) Intents() []Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Intent(nil), g.intents...)
}
