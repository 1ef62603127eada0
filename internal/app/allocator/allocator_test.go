package allocator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/mt5desk/internal/domain/account"
)

var synthetic = account.NewKey(account.Real, account.Gaming, account.SubFinancial)

func directory(t *testing.T, archetypes []account.Archetype, remote map[account.Key]account.RemoteInfo) *account.Snapshot {
	t.Helper()
	dir := account.NewDirectory()
	require.NoError(t, dir.Update(func(s *account.Scratch) error {
		for _, a := range archetypes {
			s.Put(a)
		}
		for key, info := range remote {
			if err := s.Attach(key, info); err != nil {
				return err
			}
		}
		return nil
	}))
	return dir.Snapshot()
}

func TestAllocatePrefersFreeRecommendedServer(t *testing.T) {
	servers := account.Servers{
		{ID: "p01_ts01", Supported: []account.ServerKind{account.KindGaming}},
		{ID: "p01_ts02", Supported: []account.ServerKind{account.KindGaming}, Recommended: true},
	}
	snap := directory(t,
		[]account.Archetype{{Key: synthetic.WithServer("p01_ts01")}, {Key: synthetic.WithServer("p01_ts02")}},
		map[account.Key]account.RemoteInfo{synthetic.WithServer("p01_ts01"): {Login: "MTR1", Server: "p01_ts01"}},
	)

	alloc := New(servers).Allocate(snap, synthetic)
	require.Equal(t, "p01_ts02", alloc.Default)
	require.Equal(t, 2, alloc.Supported())
	require.Equal(t, 1, alloc.Used())
	require.True(t, alloc.ServerStepMeaningful())
	require.False(t, alloc.Exhausted())
	require.True(t, alloc.Selectable("p01_ts02"))
	require.False(t, alloc.Selectable("p01_ts01"))
}

func TestAllocateUsedBeatsDisabled(t *testing.T) {
	servers := account.Servers{
		{ID: "a", Supported: []account.ServerKind{account.KindGaming}, Disabled: true, Recommended: true},
		{ID: "b", Supported: []account.ServerKind{account.KindGaming}, Disabled: true},
		{ID: "c", Supported: []account.ServerKind{account.KindGaming}},
	}
	snap := directory(t,
		[]account.Archetype{{Key: synthetic.WithServer("a")}, {Key: synthetic.WithServer("b")}, {Key: synthetic.WithServer("c")}},
		map[account.Key]account.RemoteInfo{synthetic.WithServer("a"): {Login: "MTR1", Server: "a"}},
	)
	alloc := New(servers).Allocate(snap, synthetic.WithServer("b"))

	states := make([]State, 0, len(alloc.Candidates))
	for _, c := range alloc.Candidates {
		states = append(states, c.State)
	}
	require.Equal(t, []State{StateUsed, StateDisabled, StateAvailable}, states)
	require.Equal(t, "c", alloc.Default)
	require.Equal(t, 1, alloc.Disabled())
	require.Len(t, alloc.Available(), 1)
}

func TestAllocateExhausted(t *testing.T) {
	servers := account.Servers{
		{ID: "a", Supported: []account.ServerKind{account.KindGaming}},
		{ID: "b", Supported: []account.ServerKind{account.KindGaming}, Disabled: true},
		{ID: "broken"},
	}
	snap := directory(t,
		[]account.Archetype{{Key: synthetic.WithServer("a")}, {Key: synthetic.WithServer("b")}},
		map[account.Key]account.RemoteInfo{synthetic.WithServer("a"): {Login: "MTR1", Server: "a"}},
	)
	alloc := New(servers).Allocate(snap, synthetic)
	require.True(t, alloc.Exhausted())
	require.Empty(t, alloc.Default)
	require.Equal(t, 2, alloc.Supported())
}

func TestAllocateSingleSlotTypes(t *testing.T) {
	demo := account.NewKey(account.Demo, account.Financial, account.SubFinancial)
	fresh := directory(t, []account.Archetype{{Key: demo}}, nil)
	alloc := New(nil).Allocate(fresh, demo)
	require.False(t, alloc.Exhausted())
	require.Zero(t, alloc.Supported())
	require.False(t, alloc.ServerStepMeaningful())

	taken := directory(t, []account.Archetype{{Key: demo}},
		map[account.Key]account.RemoteInfo{demo: {Login: "MTD1"}})
	require.True(t, New(nil).Allocate(taken, demo).Exhausted())

	missing := directory(t, nil, nil)
	require.True(t, New(nil).Allocate(missing, demo).Exhausted())
}
