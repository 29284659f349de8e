package directory

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/torcache/pkg/errors"
	"github.com/opd-ai/torcache/pkg/logger"
)

// DirEvent is one of the two events a Provider broadcasts after a successful
// assembly, always in this order.
type DirEvent int

const (
	// NewConsensus fires once the verified, churn-pruned consensus is in place.
	NewConsensus DirEvent = iota
	// NewDescriptors fires once microdescriptors have been joined in.
	NewDescriptors
)

func (e DirEvent) String() string {
	switch e {
	case NewConsensus:
		return "NewConsensus"
	case NewDescriptors:
		return "NewDescriptors"
	default:
		return "unknown"
	}
}

// BootstrapStatus mirrors the upstream interface's bootstrap status stream,
// kept for compatibility even though this implementation only ever makes
// the one transition described below.
type BootstrapStatus int

const (
	// NotReady is the status before the first successful assembly.
	NotReady BootstrapStatus = iota
	// Ready is the status after the first successful assembly; it never reverts.
	Ready
)

const eventChannelCapacity = 8

// Provider is the directory provider of §4.F: it holds the current
// NetworkDirectory snapshot behind an atomic pointer, broadcasts assembly
// events to bounded subscriber channels (slow subscribers are dropped, not
// blocked), and makes the single not-ready→ready bootstrap transition.
type Provider struct {
	log *logger.Logger

	current atomic.Pointer[NetworkDirectory]

	mu          sync.Mutex
	subscribers []chan DirEvent
	statusSubs  []chan BootstrapStatus
	status      atomic.Int32
}

// NewProvider constructs an unbootstrapped Provider.
func NewProvider(log *logger.Logger) *Provider {
	if log == nil {
		log = logger.NewDefault()
	}
	p := &Provider{log: log.Component("directory_provider")}
	p.status.Store(int32(NotReady))
	return p
}

// Latest returns the current directory snapshot, or nil if none has been
// assembled yet. Safe to call from any goroutine at any time.
func (p *Provider) Latest() *NetworkDirectory {
	return p.current.Load()
}

// Events returns a new bounded subscription channel for directory events.
// The channel is never closed by the Provider; callers stop reading when
// they no longer care.
func (p *Provider) Events() <-chan DirEvent {
	ch := make(chan DirEvent, eventChannelCapacity)
	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()
	return ch
}

// BootstrapStatusStream returns a subscription channel for bootstrap status
// transitions, present for interface compatibility with the embedded
// protocol stack's own bootstrap reporting.
func (p *Provider) BootstrapStatusStream() <-chan BootstrapStatus {
	ch := make(chan BootstrapStatus, 1)
	p.mu.Lock()
	p.statusSubs = append(p.statusSubs, ch)
	p.mu.Unlock()
	return ch
}

// Bootstrap runs §4.A–E once against the supplied cache contents and, on
// success, publishes the assembled directory and emits NewConsensus then
// NewDescriptors.
func (p *Provider) Bootstrap(in AssembleInput, now time.Time) error {
	dir, err := Assemble(in, now, p.log)
	if err != nil {
		p.log.Warn("bootstrap failed", "error", err)
		return err
	}

	p.current.Store(dir)
	p.broadcast(NewConsensus)
	p.broadcast(NewDescriptors)
	p.transitionReady()

	return nil
}

// Reconfigure always fails: this provider has no live-fetch parameters to
// change once constructed (§4.A decides there is no fallback authority set
// and no alternate source to reconfigure toward).
func (p *Provider) Reconfigure(_ any) error {
	return errors.ConfigError("directory provider does not support reconfiguration", nil)
}

func (p *Provider) broadcast(evt DirEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
}

func (p *Provider) transitionReady() {
	if !p.status.CompareAndSwap(int32(NotReady), int32(Ready)) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.statusSubs {
		select {
		case ch <- Ready:
		default:
		}
	}
}

// Status returns the current bootstrap status.
func (p *Provider) Status() BootstrapStatus {
	return BootstrapStatus(p.status.Load())
}
