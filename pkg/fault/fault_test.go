package fault

import (
	"testing"

	"github.com/pkg/errors"
)

func TestSentinelKinds(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{ErrVMBusy, Transient},
		{ErrGCInProgress, Transient},
		{ErrUnmapped, Transient},
		{ErrNotLive, Structural},
		{ErrRemoteWrite, Structural},
		{ErrEpochRegression, Structural},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWrappedKeepsKindAndIdentity(t *testing.T) {
	err := Transientf(ErrGCInProgress, "reading %#x", 0x1000)
	err = Wrap(err, "deep copy")
	if !IsTransient(err) {
		t.Errorf("IsTransient(%v) = false", err)
	}
	if !errors.Is(err, ErrGCInProgress) {
		t.Error("errors.Is should find ErrGCInProgress through wrapping")
	}
	if errors.Is(err, ErrVMBusy) {
		t.Error("errors.Is should not match an unrelated sentinel")
	}
}

func TestHostError(t *testing.T) {
	base := errors.New("boom")
	err := HostError(base, "invoking %s", "Foo.bar()V")
	if !IsHost(err) {
		t.Errorf("IsHost(%v) = false", err)
	}
	if !errors.Is(err, base) {
		t.Error("host error should unwrap to its cause")
	}

	// Already classified errors keep their kind.
	err = HostError(ErrNoSuchMethod, "bridge")
	if !IsStructural(err) {
		t.Errorf("HostError(structural) kind = %v", KindOf(err))
	}
}

func TestHostPanic(t *testing.T) {
	err := HostPanic("index out of range", "native %s", "Math.sqrt")
	if KindOf(err) != Host {
		t.Errorf("KindOf = %v, want host", KindOf(err))
	}
	if err.Error() != "native Math.sqrt: panic: index out of range" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestUnclassifiedIsHost(t *testing.T) {
	err := errors.New("plain")
	if KindOf(err) != Unknown {
		t.Errorf("KindOf(plain) = %v", KindOf(err))
	}
	if !IsHost(err) {
		t.Error("unclassified errors should count as host faults")
	}
	if IsHost(nil) {
		t.Error("nil is not a host fault")
	}
}
