// Package network makes sure a signing session is bound to the designated
// execution network before any ledger call goes out. The check runs as a
// small state machine: Unknown -> Switching -> Registering -> Verified/Failed.
package network

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"farm-ledger/internal/models"

	"go.uber.org/zap"
)

// ErrUnrecognizedNetwork is returned by a session asked to switch to a
// network it has never been told about.
var ErrUnrecognizedNetwork = errors.New("unrecognized network")

// Currency describes the native currency of a network
type Currency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

// Params is everything a session needs to register a network
type Params struct {
	ChainID      string   `json:"chain_id"`
	ChainName    string   `json:"chain_name"`
	RPCURLs      []string `json:"rpc_urls"`
	Currency     Currency `json:"native_currency"`
	ExplorerURLs []string `json:"block_explorer_urls,omitempty"`
}

// Validate checks the metadata required for registration
func (p Params) Validate() error {
	if strings.TrimSpace(p.ChainID) == "" {
		return errors.New("chain id is required")
	}
	if strings.TrimSpace(p.ChainName) == "" {
		return errors.New("chain name is required")
	}
	if len(p.RPCURLs) == 0 {
		return errors.New("at least one rpc url is required")
	}
	if p.Currency.Symbol == "" || p.Currency.Decimals < 0 {
		return errors.New("native currency symbol and decimals are required")
	}
	return nil
}

// Session is the part of a signing session the guard drives
type Session interface {
	ChainID(ctx context.Context) (string, error)
	SwitchNetwork(ctx context.Context, chainID string) error
	AddNetwork(ctx context.Context, params Params) error
}

// State is a step of the guard state machine
type State int

const (
	StateUnknown State = iota
	StateSwitching
	StateRegistering
	StateVerified
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateSwitching:
		return "switching"
	case StateRegistering:
		return "registering"
	case StateVerified:
		return "verified"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is the terminal state of one Ensure run and the path taken to it
type Result struct {
	State State
	Trace []State
}

// Guard verifies, and if needed repairs, the session's network
type Guard struct {
	target  Params
	session Session
	logger  *zap.Logger
	observe func(State)
}

// NewGuard creates a guard for the designated network
func NewGuard(target Params, session Session, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		target:  target,
		session: session,
		logger:  logger,
	}
}

// OnOutcome registers a hook called with every terminal state
func (g *Guard) OnOutcome(fn func(State)) {
	g.observe = fn
}

// Target returns the designated network
func (g *Guard) Target() Params {
	return g.target
}

// Ensure runs the state machine. A nil error means the session is verified
// to be on the target network; otherwise the error matches
// models.ErrWrongNetwork and wraps the underlying cause.
func (g *Guard) Ensure(ctx context.Context) (Result, error) {
	res := Result{State: StateUnknown, Trace: []State{StateUnknown}}
	var cause error

	next := func(s State) {
		res.State = s
		res.Trace = append(res.Trace, s)
	}

	for res.State != StateVerified && res.State != StateFailed {
		switch res.State {
		case StateUnknown:
			current, err := g.session.ChainID(ctx)
			if err != nil {
				cause = fmt.Errorf("failed to read session network: %w", err)
				next(StateFailed)
			} else if current == g.target.ChainID {
				next(StateVerified)
			} else {
				g.logger.Info("Session on wrong network, switching",
					zap.String("current", current),
					zap.String("target", g.target.ChainID))
				next(StateSwitching)
			}

		case StateSwitching:
			err := g.session.SwitchNetwork(ctx, g.target.ChainID)
			switch {
			case err == nil:
				cause = g.verify(ctx)
				if cause != nil {
					next(StateFailed)
				} else {
					next(StateVerified)
				}
			case errors.Is(err, ErrUnrecognizedNetwork):
				next(StateRegistering)
			default:
				cause = fmt.Errorf("failed to switch network: %w", err)
				next(StateFailed)
			}

		case StateRegistering:
			g.logger.Info("Registering network with session", zap.String("chain_id", g.target.ChainID))
			if err := g.session.AddNetwork(ctx, g.target); err != nil {
				cause = fmt.Errorf("failed to register network: %w", err)
				next(StateFailed)
				break
			}
			if err := g.session.SwitchNetwork(ctx, g.target.ChainID); err != nil {
				cause = fmt.Errorf("failed to switch to registered network: %w", err)
				next(StateFailed)
				break
			}
			cause = g.verify(ctx)
			if cause != nil {
				next(StateFailed)
			} else {
				next(StateVerified)
			}
		}
	}

	if g.observe != nil {
		g.observe(res.State)
	}

	if res.State == StateFailed {
		g.logger.Warn("Network guard failed", zap.Error(cause))
		return res, &GuardError{Target: g.target.ChainID, Cause: cause}
	}
	return res, nil
}

func (g *Guard) verify(ctx context.Context) error {
	current, err := g.session.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read session network: %w", err)
	}
	if current != g.target.ChainID {
		return fmt.Errorf("session reports network %s after switch, want %s", current, g.target.ChainID)
	}
	return nil
}

// GuardError reports a failed guard run
type GuardError struct {
	Target string
	Cause  error
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s: expected network %s: %v", models.ReasonWrongNetwork, e.Target, e.Cause)
}

// Is makes a GuardError match models.ErrWrongNetwork
func (e *GuardError) Is(target error) bool {
	return target == models.ErrWrongNetwork
}

// As exposes the reason to models.ReasonOf
func (e *GuardError) As(target interface{}) bool {
	if le, ok := target.(**models.LedgerError); ok {
		*le = &models.LedgerError{Reason: models.ReasonWrongNetwork, Message: e.Cause.Error()}
		return true
	}
	return false
}

func (e *GuardError) Unwrap() error {
	return e.Cause
}
