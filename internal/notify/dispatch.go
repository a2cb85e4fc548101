// Package notify fans a pending proposal out to every configured channel and
// reconciles the first inbound resolution back into the lifecycle manager.
// Delivery is isolated per channel: one channel failing or timing out never
// cancels the others, and a failed send gets at most one retry.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"soulkeeper/internal/config"
	"soulkeeper/internal/lifecycle"
	"soulkeeper/internal/logging"
	"soulkeeper/internal/types"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Summary is the channel-agnostic rendering of a pending proposal.
type Summary struct {
	ProposalID  string
	AgentID     string
	TargetField string
	ChangeKind  types.ChangeKind
	Current     string
	Proposed    string
	Reason      string
	Confidence  types.Confidence
	ExpiresAt   time.Time
}

// Text renders the summary as plain text, usable by any channel.
func (s Summary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Proposal %s for agent %s\n", s.ProposalID, s.AgentID)
	fmt.Fprintf(&b, "%s %s", s.ChangeKind, s.TargetField)
	if s.Current != "" {
		fmt.Fprintf(&b, "\n  current:  %s", s.Current)
	}
	fmt.Fprintf(&b, "\n  proposed: %s", s.Proposed)
	fmt.Fprintf(&b, "\n  reason:   %s (confidence %s)", s.Reason, s.Confidence)
	fmt.Fprintf(&b, "\n  expires:  %s", s.ExpiresAt.Format(time.RFC3339))
	return b.String()
}

// Inbound is a parsed resolution command arriving from a channel.
type Inbound struct {
	ProposalID      string `json:"proposal_id"`
	Action          string `json:"action"` // approve, reject, edit
	ResolutionToken string `json:"resolution_token"`
	EditedValue     string `json:"edited_value,omitempty"`
}

// ChannelAdapter is the per-channel collaborator: it delivers a rendered
// summary and parses raw inbound events into resolution commands.
type ChannelAdapter interface {
	Name() string
	Send(ctx context.Context, summary Summary, resolutionToken string) error
	ParseInbound(raw []byte) (Inbound, error)
}

// TokenStore persists the channel -> token map before any send goes out.
type TokenStore interface {
	SetResolutionTokens(id string, tokens map[string]string) error
}

// Resolver is the slice of the lifecycle manager the dispatcher routes into.
type Resolver interface {
	Approve(id, via, resolutionToken, optionalEditedValue string) (*lifecycle.Resolution, error)
	Reject(id, via, resolutionToken string) (*lifecycle.Resolution, error)
	EditAndApprove(id, via, resolutionToken, newValue string) (*lifecycle.Resolution, error)
}

// Dispatcher owns channel fan-out and inbound routing.
type Dispatcher struct {
	adapters map[string]ChannelAdapter
	tokens   TokenStore
	resolver Resolver
	cfg      *config.Config
}

// NewDispatcher creates a Dispatcher over the given adapters.
func NewDispatcher(adapters []ChannelAdapter, tokens TokenStore, resolver Resolver, cfg *config.Config) *Dispatcher {
	m := make(map[string]ChannelAdapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Dispatcher{adapters: m, tokens: tokens, resolver: resolver, cfg: cfg}
}

// Dispatch delivers a freshly admitted proposal to every channel. Tokens are
// minted and persisted before the first send so an inbound resolution can
// always be correlated, even if the process dies mid-fan-out. Partial
// delivery is acceptable; per-channel failures are logged and returned only
// as an aggregate for observability.
func (d *Dispatcher) Dispatch(ctx context.Context, p *types.Proposal) error {
	if len(d.adapters) == 0 {
		logging.Get(logging.CategoryNotify).Warn("No channels configured; proposal %s awaits CLI resolution", p.ID)
		return nil
	}

	tokens := make(map[string]string, len(d.adapters))
	for name := range d.adapters {
		tokens[name] = uuid.NewString()
	}
	if err := d.tokens.SetResolutionTokens(p.ID, tokens); err != nil {
		return fmt.Errorf("failed to persist resolution tokens: %w", err)
	}

	summary := Summary{
		ProposalID:  p.ID,
		AgentID:     p.AgentID,
		TargetField: p.TargetField,
		ChangeKind:  p.ChangeKind,
		Current:     p.CurrentValue,
		Proposed:    p.ProposedValue,
		Reason:      p.Reason,
		Confidence:  p.Confidence,
		ExpiresAt:   p.ExpiresAt,
	}

	// Plain errgroup, deliberately not WithContext: a terminal failure on one
	// channel must not cancel a sibling's in-flight send. Each send derives
	// its timeout from the caller's ctx alone.
	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures []error
	)
	for name, adapter := range d.adapters {
		token := tokens[name]
		g.Go(func() error {
			if err := d.deliver(ctx, adapter, summary, token, p.ID); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		// Partial delivery: observable, not fatal.
		return fmt.Errorf("partial dispatch for proposal %s: %w", p.ID, errors.Join(failures...))
	}
	return nil
}

// deliver sends the summary to one channel, retrying once before giving up on
// that channel only.
func (d *Dispatcher) deliver(ctx context.Context, adapter ChannelAdapter, summary Summary, token, proposalID string) error {
	name := adapter.Name()
	timeout := d.cfg.GetChannelTimeout(name)
	if err := d.sendOnce(ctx, adapter, summary, token, timeout); err != nil {
		logging.Get(logging.CategoryNotify).Warn("Channel %s delivery failed for %s, retrying once: %v", name, proposalID, err)
		if err := d.sendOnce(ctx, adapter, summary, token, timeout); err != nil {
			logging.Get(logging.CategoryNotify).Error("Channel %s delivery failed for %s: %v", name, proposalID, err)
			return fmt.Errorf("channel %s: %w", name, err)
		}
	}
	logging.Notify("Delivered proposal %s to channel %s", proposalID, name)
	return nil
}

func (d *Dispatcher) sendOnce(ctx context.Context, adapter ChannelAdapter, summary Summary, token string, timeout time.Duration) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return adapter.Send(sctx, summary, token)
}

// HandleInbound parses a raw channel event and routes it to the lifecycle
// manager. The returned string is what the resolving human should see: the
// actual outcome, including "already resolved by ..." when they lost a race.
func (d *Dispatcher) HandleInbound(channel string, raw []byte) (string, error) {
	adapter, ok := d.adapters[channel]
	if !ok {
		return "", fmt.Errorf("unknown channel %q", channel)
	}

	in, err := adapter.ParseInbound(raw)
	if err != nil {
		return "", fmt.Errorf("channel %s: failed to parse inbound event: %w", channel, err)
	}

	logging.Notify("Inbound %s for proposal %s via %s", in.Action, in.ProposalID, channel)

	var res *lifecycle.Resolution
	switch in.Action {
	case "approve":
		res, err = d.resolver.Approve(in.ProposalID, channel, in.ResolutionToken, "")
	case "reject":
		res, err = d.resolver.Reject(in.ProposalID, channel, in.ResolutionToken)
	case "edit":
		res, err = d.resolver.EditAndApprove(in.ProposalID, channel, in.ResolutionToken, in.EditedValue)
	default:
		return "", fmt.Errorf("channel %s: unknown action %q", channel, in.Action)
	}
	if err != nil {
		if res != nil && res.Status == types.StatusApproved {
			// ApplyFailed: the approval stuck, the write did not.
			return res.Describe(), err
		}
		return "", err
	}

	return res.Describe(), nil
}
