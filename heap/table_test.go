package heap

import (
	"testing"

	"github.com/chazu/telescope/memory"
)

func TestRefTable(t *testing.T) {
	tab := newRefTable("test")
	a := &RemoteReference{id: 1, origin: 0x3000}
	b := &RemoteReference{id: 2, origin: 0x1000}
	tab.put(a.origin, a)
	tab.put(b.origin, b)

	if got := tab.get(0x3000); got != a {
		t.Errorf("get(0x3000) = %v, want %v", got, a)
	}
	if got := tab.get(0x2000); got != nil {
		t.Errorf("get(0x2000) = %v, want nil", got)
	}
	vals := tab.values()
	if len(vals) != 2 || vals[0] != b || vals[1] != a {
		t.Errorf("values = %v, want origin order", vals)
	}

	if got := tab.remove(0x1000); got != b {
		t.Errorf("remove = %v, want %v", got, b)
	}
	if tab.len() != 1 {
		t.Errorf("len = %d, want 1", tab.len())
	}
	tab.clear()
	if tab.len() != 0 || tab.get(0x3000) != nil {
		t.Error("clear left entries behind")
	}
}

func TestCycleBetween(t *testing.T) {
	info := func(started, completed uint64) *Info {
		return &Info{Epoch: Epoch{Started: started, Completed: completed}}
	}
	tests := []struct {
		name               string
		prev, cur          *Info
		finish, begin, end bool
		missed             uint64
	}{
		{"first refresh", nil, info(4, 4), false, false, false, 0},
		{"quiet", info(2, 2), info(2, 2), false, false, false, 0},
		{"begins", info(2, 2), info(3, 2), false, true, false, 0},
		{"still running", info(3, 2), info(3, 2), false, false, false, 0},
		{"finishes", info(3, 2), info(3, 3), true, false, false, 0},
		{"whole cycle", info(2, 2), info(3, 3), false, true, true, 0},
		{"finish and begin", info(3, 2), info(4, 3), true, true, false, 0},
		{"missed two", info(2, 2), info(5, 5), false, true, true, 2},
	}
	for _, tt := range tests {
		c := cycleBetween(tt.prev, tt.cur)
		if c.finish != tt.finish || c.begin != tt.begin || c.end != tt.end || c.missed != tt.missed {
			t.Errorf("%s: cycle = finish %v begin %v end %v missed %d, want %v %v %v %d",
				tt.name, c.finish, c.begin, c.end, c.missed, tt.finish, tt.begin, tt.end, tt.missed)
		}
	}
}

func TestRefStateStatus(t *testing.T) {
	tests := []struct {
		state refState
		want  ObjectStatus
	}{
		{stateLive, StatusLive},
		{stateUnknown, StatusUnknown},
		{stateFrom, StatusLive},
		{stateSurvivor, StatusLive},
		{stateMarking, StatusLive},
		{stateUnreachable, StatusUnreachable},
		{stateForwarder, StatusForwarder},
		{stateDead, StatusDead},
	}
	for _, tt := range tests {
		if got := tt.state.status(); got != tt.want {
			t.Errorf("%s.status() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestIllegalTransitions(t *testing.T) {
	h := &Heap{}
	r := &RemoteReference{heap: h, id: 1, origin: memory.Address(0x1000), state: stateDead}
	if err := r.analysisBegins(true); err == nil {
		t.Error("dead reference began analysis")
	}
	if err := r.discoverForwarded(0x2000); err == nil {
		t.Error("dead reference was forwarded")
	}
	if err := r.analysisEnds(); err == nil {
		t.Error("dead reference ended analysis")
	}
	r.state = stateLive
	if err := r.discoverUnreachable(); err == nil {
		t.Error("live reference became unreachable outside marking")
	}
}
