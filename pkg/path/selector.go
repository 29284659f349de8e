package path

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/opd-ai/torcache/pkg/directory"
	"github.com/opd-ai/torcache/pkg/logger"
)

// Path is a selected guard -> middle -> exit 3-hop path, per SPEC_FULL.md §4.H.
type Path struct {
	Guard  *directory.Relay
	Middle *directory.Relay
	Exit   *directory.Relay
}

// Selector picks 3-hop paths from the current NetworkDirectory snapshot,
// weighting candidates by consensus bandwidth-weight parameters and
// excluding same-/16-subnet relays from sharing a path, the way a live Tor
// client's circuit-build path selection does. Guard selection additionally
// consults the persisted GuardManager so a client reuses its existing
// guards across restarts rather than picking fresh ones every time.
type Selector struct {
	mu     sync.RWMutex
	dir    *directory.NetworkDirectory
	guards *GuardManager
	log    *logger.Logger
}

// NewSelectorWithGuards constructs a Selector bound to a directory snapshot
// and a persistent guard store.
func NewSelectorWithGuards(dir *directory.NetworkDirectory, guards *GuardManager, log *logger.Logger) *Selector {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Selector{dir: dir, guards: guards, log: log.Component("path_selector")}
}

// UpdateConsensus swaps in a newly assembled directory snapshot.
func (s *Selector) UpdateConsensus(dir *directory.NetworkDirectory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dir = dir
}

// GetRelays returns the relays of the current snapshot.
func (s *Selector) GetRelays() []*directory.Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dir == nil {
		return nil
	}
	return s.dir.Relays
}

// ConfirmGuard marks a guard as successfully used, persisting the change.
func (s *Selector) ConfirmGuard(fingerprint string) error {
	if s.guards == nil {
		return nil
	}
	if err := s.guards.ConfirmGuard(fingerprint); err != nil {
		return err
	}
	return s.guards.Save()
}

// SelectPath picks a guard, middle, and exit relay able to carry traffic to
// the given destination port, excluding same-/16-subnet combinations.
func (s *Selector) SelectPath(port int) (*Path, error) {
	s.mu.RLock()
	dir := s.dir
	s.mu.RUnlock()
	if dir == nil {
		return nil, fmt.Errorf("no network directory loaded")
	}

	exit, err := s.selectExit(dir, port)
	if err != nil {
		return nil, fmt.Errorf("select exit: %w", err)
	}

	guard, err := s.selectGuard(dir, exit)
	if err != nil {
		return nil, fmt.Errorf("select guard: %w", err)
	}

	middle, err := s.selectMiddle(dir, guard, exit)
	if err != nil {
		return nil, fmt.Errorf("select middle: %w", err)
	}

	if s.guards != nil {
		if err := s.guards.AddGuard(guard); err != nil {
			s.log.Warn("failed to persist guard selection", "error", err)
		} else if err := s.guards.Save(); err != nil {
			s.log.Warn("failed to save guard state", "error", err)
		}
	}

	return &Path{Guard: guard, Middle: middle, Exit: exit}, nil
}

func (s *Selector) selectExit(dir *directory.NetworkDirectory, port int) (*directory.Relay, error) {
	var candidates []*directory.Relay
	var weights []int64

	wee := bandwidthWeight(dir, "Wee")
	for _, r := range dir.Relays {
		if !r.IsExit() || r.IsBadExit() || !r.IsRunning() || !r.IsValid() || !r.HasNtorKey() {
			continue
		}
		if !exitPolicyAllows(r.ExitPolicy, port) {
			continue
		}
		candidates = append(candidates, r)
		weights = append(weights, r.Bandwidth*wee/10000)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable exit relay allows port %d", port)
	}
	idx, err := weightedRandomIndex(weights)
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

func (s *Selector) selectGuard(dir *directory.NetworkDirectory, exit *directory.Relay) (*directory.Relay, error) {
	if persisted := s.persistedGuard(dir, exit); persisted != nil {
		return persisted, nil
	}

	var candidates []*directory.Relay
	var weights []int64

	wgg := bandwidthWeight(dir, "Wgg")
	wgd := bandwidthWeight(dir, "Wgd")
	exitSubnet := subnet16(exit.Address)

	for _, r := range dir.Relays {
		if !r.IsGuard() || !r.IsFast() || !r.IsRunning() || !r.IsValid() || !r.HasNtorKey() {
			continue
		}
		if subnet16(r.Address) == exitSubnet || r.Identity == exit.Identity {
			continue
		}
		candidates = append(candidates, r)
		w := wgg
		if r.IsExit() {
			w = wgd
		}
		weights = append(weights, r.Bandwidth*w/10000)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable guard relay found")
	}
	idx, err := weightedRandomIndex(weights)
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// persistedGuard returns a still-listed, confirmed guard from the
// persistent store that is compatible with the chosen exit, if one exists,
// so a client keeps reusing its existing guards rather than picking fresh
// ones on every path build.
func (s *Selector) persistedGuard(dir *directory.NetworkDirectory, exit *directory.Relay) *directory.Relay {
	if s.guards == nil {
		return nil
	}
	exitSubnet := subnet16(exit.Address)
	byFingerprint := make(map[string]*directory.Relay, len(dir.Relays))
	for _, r := range dir.Relays {
		byFingerprint[r.Fingerprint()] = r
	}
	for _, g := range s.guards.GetGuards() {
		if !g.Confirmed {
			continue
		}
		r, ok := byFingerprint[g.Fingerprint]
		if !ok || !r.IsGuard() || !r.IsRunning() || !r.IsValid() || !r.HasNtorKey() {
			continue
		}
		if subnet16(r.Address) == exitSubnet || r.Identity == exit.Identity {
			continue
		}
		return r
	}
	return nil
}

func (s *Selector) selectMiddle(dir *directory.NetworkDirectory, guard, exit *directory.Relay) (*directory.Relay, error) {
	var candidates []*directory.Relay
	var weights []int64

	wmm := bandwidthWeight(dir, "Wmm")
	wmg := bandwidthWeight(dir, "Wmg")
	wme := bandwidthWeight(dir, "Wme")
	wmd := bandwidthWeight(dir, "Wmd")
	guardSubnet := subnet16(guard.Address)
	exitSubnet := subnet16(exit.Address)

	for _, r := range dir.Relays {
		if !r.IsFast() || !r.IsRunning() || !r.IsValid() || !r.HasNtorKey() {
			continue
		}
		subnet := subnet16(r.Address)
		if subnet == guardSubnet || subnet == exitSubnet {
			continue
		}
		if r.Identity == guard.Identity || r.Identity == exit.Identity {
			continue
		}
		candidates = append(candidates, r)
		w := wmm
		switch {
		case r.IsGuard() && r.IsExit():
			w = wmd
		case r.IsGuard():
			w = wmg
		case r.IsExit():
			w = wme
		}
		weights = append(weights, r.Bandwidth*w/10000)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable middle relay found")
	}
	idx, err := weightedRandomIndex(weights)
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

func bandwidthWeight(dir *directory.NetworkDirectory, key string) int64 {
	if v, ok := dir.BandwidthWeights[key]; ok {
		return v
	}
	return 10000
}

// subnet16 returns the /16 prefix of an IPv4 address as a string, used to
// keep a path's three relays from sharing a network block.
func subnet16(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return addr
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return addr
	}
	return fmt.Sprintf("%d.%d", ip4[0], ip4[1])
}

// weightedRandomIndex picks an index proportional to the given weights
// using crypto/rand, falling back to unbiased uniform selection when every
// weight is zero.
func weightedRandomIndex(weights []int64) (int, error) {
	if len(weights) == 0 {
		return 0, fmt.Errorf("empty candidate set")
	}

	var total int64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(weights))))
		if err != nil {
			return 0, fmt.Errorf("crypto/rand: %w", err)
		}
		return int(n.Int64()), nil
	}

	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	r := n.Int64()

	var cumulative int64
	for i, w := range weights {
		if w < 0 {
			continue
		}
		cumulative += w
		if r < cumulative {
			return i, nil
		}
	}
	return len(weights) - 1, nil
}

// exitPolicyAllows evaluates a microdescriptor exit-policy summary line
// ("accept 80,443" / "reject 25,465,587" style, ports or port-ranges) against
// a requested destination port.
func exitPolicyAllows(policy string, port int) bool {
	if policy == "" {
		return false
	}
	fields := strings.SplitN(strings.TrimSpace(policy), " ", 2)
	if len(fields) != 2 {
		return false
	}
	inList := portSpecContains(fields[1], port)
	switch fields[0] {
	case "accept":
		return inList
	case "reject":
		return !inList
	default:
		return false
	}
}

func portSpecContains(spec string, port int) bool {
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(entry, "-"); ok {
			loN, errLo := strconv.Atoi(lo)
			hiN, errHi := strconv.Atoi(hi)
			if errLo == nil && errHi == nil && port >= loN && port <= hiN {
				return true
			}
			continue
		}
		n, err := strconv.Atoi(entry)
		if err == nil && n == port {
			return true
		}
	}
	return false
}
