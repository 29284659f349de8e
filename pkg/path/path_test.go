package path

import (
	"testing"

	"github.com/opd-ai/torcache/pkg/directory"
	"github.com/opd-ai/torcache/pkg/logger"
)

func testRelay(nickname string, identityByte byte, address string, flags []string, bandwidth int64, exitPolicy string) *directory.Relay {
	r := &directory.Relay{
		Nickname:   nickname,
		Address:    address,
		Flags:      flags,
		Bandwidth:  bandwidth,
		ExitPolicy: exitPolicy,
		NtorOnionKey: make([]byte, 32),
	}
	r.Identity[0] = identityByte
	return r
}

func testDirectory() *directory.NetworkDirectory {
	return &directory.NetworkDirectory{
		BandwidthWeights: map[string]int64{},
		Relays: []*directory.Relay{
			testRelay("guard1", 1, "192.168.1.1", []string{"Running", "Valid", "Guard", "Stable", "Fast"}, 1000, ""),
			testRelay("guard2", 2, "192.168.5.1", []string{"Running", "Valid", "Guard", "Stable", "Fast"}, 1000, ""),
			testRelay("middle1", 3, "192.168.2.1", []string{"Running", "Valid", "Fast"}, 1000, ""),
			testRelay("middle2", 4, "192.168.6.1", []string{"Running", "Valid", "Fast"}, 1000, ""),
			testRelay("exit1", 5, "192.168.3.1", []string{"Running", "Valid", "Exit", "Fast"}, 1000, "accept 80,443"),
			testRelay("exit2", 6, "192.168.7.1", []string{"Running", "Valid", "Exit", "Fast"}, 1000, "accept 80,443"),
			testRelay("invalid", 7, "192.168.4.1", []string{"Running"}, 1000, ""),
		},
	}
}

func newTestSelector(t *testing.T) *Selector {
	t.Helper()
	gm, err := NewGuardManager(t.TempDir(), logger.NewDefault())
	if err != nil {
		t.Fatalf("NewGuardManager: %v", err)
	}
	return NewSelectorWithGuards(testDirectory(), gm, logger.NewDefault())
}

func TestSelectPathReturnsDistinctRelays(t *testing.T) {
	s := newTestSelector(t)
	p, err := s.SelectPath(80)
	if err != nil {
		t.Fatalf("SelectPath: %v", err)
	}
	if p.Guard == nil || p.Middle == nil || p.Exit == nil {
		t.Fatal("expected all three hops populated")
	}
	if p.Guard.Identity == p.Middle.Identity || p.Guard.Identity == p.Exit.Identity || p.Middle.Identity == p.Exit.Identity {
		t.Error("path hops must be distinct relays")
	}
}

func TestSelectPathRejectsDisallowedPort(t *testing.T) {
	s := newTestSelector(t)
	if _, err := s.SelectPath(25); err == nil {
		t.Fatal("expected error: no exit relay permits port 25")
	}
}

func TestSelectPathNoDirectoryLoaded(t *testing.T) {
	gm, _ := NewGuardManager(t.TempDir(), logger.NewDefault())
	s := NewSelectorWithGuards(nil, gm, logger.NewDefault())
	if _, err := s.SelectPath(80); err == nil {
		t.Fatal("expected error when no directory is loaded")
	}
}

func TestSelectPathExcludesSameSubnet(t *testing.T) {
	dir := &directory.NetworkDirectory{
		BandwidthWeights: map[string]int64{},
		Relays: []*directory.Relay{
			testRelay("guard-same-subnet", 1, "10.0.0.1", []string{"Running", "Valid", "Guard", "Fast"}, 1000, ""),
			testRelay("exit1", 2, "10.0.0.2", []string{"Running", "Valid", "Exit", "Fast"}, 1000, "accept 80"),
			testRelay("middle1", 3, "192.168.9.1", []string{"Running", "Valid", "Fast"}, 1000, ""),
		},
	}
	gm, _ := NewGuardManager(t.TempDir(), logger.NewDefault())
	s := NewSelectorWithGuards(dir, gm, logger.NewDefault())

	if _, err := s.SelectPath(80); err == nil {
		t.Fatal("expected error: only guard candidate shares exit's /16 subnet")
	}
}

func TestUpdateConsensusReplacesSnapshot(t *testing.T) {
	s := newTestSelector(t)
	if len(s.GetRelays()) == 0 {
		t.Fatal("expected initial relays")
	}
	s.UpdateConsensus(&directory.NetworkDirectory{})
	if len(s.GetRelays()) != 0 {
		t.Fatal("expected relays to reflect the newly loaded snapshot")
	}
}

func TestSelectPathReusesConfirmedGuard(t *testing.T) {
	gm, err := NewGuardManager(t.TempDir(), logger.NewDefault())
	if err != nil {
		t.Fatalf("NewGuardManager: %v", err)
	}
	dir := testDirectory()
	guard1 := dir.Relays[0]
	if err := gm.AddGuard(guard1); err != nil {
		t.Fatalf("AddGuard: %v", err)
	}
	if err := gm.ConfirmGuard(guard1.Fingerprint()); err != nil {
		t.Fatalf("ConfirmGuard: %v", err)
	}

	s := NewSelectorWithGuards(dir, gm, logger.NewDefault())
	for i := 0; i < 5; i++ {
		p, err := s.SelectPath(80)
		if err != nil {
			t.Fatalf("SelectPath: %v", err)
		}
		if p.Guard.Identity != guard1.Identity {
			t.Errorf("expected persisted confirmed guard to be reused, got %s", p.Guard.Nickname)
		}
	}
}
