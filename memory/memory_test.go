package memory

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chazu/telescope/pkg/fault"
)

func newTestImage(t *testing.T) *Image {
	t.Helper()
	img := NewImage()
	if _, err := img.Map(0x1000, 0x100, "low"); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, err := img.Map(0x4000, 0x100, "high"); err != nil {
		t.Fatalf("Map: %v", err)
	}
	return img
}

func TestImageReadWrite(t *testing.T) {
	img := newTestImage(t)
	acc := NewAccessor(img)

	if err := acc.WriteWord(0x1000, 8, 0x1122334455667788); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}
	w, err := acc.ReadWord(0x1000, 8)
	if err != nil || w != 0x1122334455667788 {
		t.Errorf("ReadWord = %#x, %v", w, err)
	}
	// Little endian: lowest byte first.
	b, _ := acc.ReadInt8(0x1008, 0)
	if b != -0x78 {
		t.Errorf("ReadInt8 = %d, want -120", b)
	}
	c, _ := acc.ReadChar(0x1008, 0)
	if c != 0x7788 {
		t.Errorf("ReadChar = %#x, want 0x7788", c)
	}
	i, _ := acc.ReadInt(0x1000, 12)
	if i != 0x11223344 {
		t.Errorf("ReadInt = %#x, want 0x11223344", i)
	}
}

func TestImageFloats(t *testing.T) {
	img := newTestImage(t)
	acc := NewAccessor(img)
	_ = acc.WriteWord(0x4000, 0, math.Float64bits(2.5))
	d, err := acc.ReadDouble(0x4000, 0)
	if err != nil || d != 2.5 {
		t.Errorf("ReadDouble = %v, %v", d, err)
	}
	_ = acc.WriteIndexed(4, 0x4000, 16, 1, uint64(math.Float32bits(-1.5)))
	f, err := acc.ReadFloat(0x4000, Indexed(4, 16, 1))
	if err != nil || f != -1.5 {
		t.Errorf("ReadFloat = %v, %v", f, err)
	}
}

func TestImageUnmapped(t *testing.T) {
	img := newTestImage(t)
	acc := NewAccessor(img)

	_, err := acc.ReadWord(0x2000, 0)
	if !errors.Is(err, fault.ErrUnmapped) {
		t.Errorf("read of unmapped address: got %v", err)
	}
	// Straddling the end of a region is also unmapped.
	_, err = acc.ReadWord(0x10FC, 0)
	if !errors.Is(err, fault.ErrUnmapped) {
		t.Errorf("read straddling region end: got %v", err)
	}
	if !fault.IsTransient(err) {
		t.Error("unmapped reads should be transient")
	}
}

func TestImageOverlap(t *testing.T) {
	img := newTestImage(t)
	if _, err := img.Map(0x1080, 0x100, "overlap"); err == nil {
		t.Error("expected overlap error")
	}
}

func TestImageTerminate(t *testing.T) {
	img := newTestImage(t)
	img.Terminate()
	if _, err := NewAccessor(img).ReadWord(0x1000, 0); !errors.Is(err, fault.ErrTerminated) {
		t.Errorf("read after terminate: got %v", err)
	}
}

func TestReadIndexed(t *testing.T) {
	img := newTestImage(t)
	acc := NewAccessor(img)
	for i := int64(0); i < 4; i++ {
		_ = acc.WriteIndexed(2, 0x1000, 24, i, uint64(0xFFF0+i))
	}
	v, err := acc.ReadIndexed(2, 0x1000, 24, 3)
	if err != nil || v != 0xFFF3 {
		t.Errorf("ReadIndexed = %#x, %v", v, err)
	}
}

func TestLockBusy(t *testing.T) {
	l := NewLock(3, time.Millisecond)
	if err := l.TryLock(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	err := l.TryLock()
	if !errors.Is(err, fault.ErrVMBusy) {
		t.Errorf("second TryLock: got %v, want ErrVMBusy", err)
	}
	l.Unlock()
	if err := l.TryLock(); err != nil {
		t.Errorf("TryLock after Unlock: %v", err)
	}
	l.Unlock()
}

func TestLockedAccess(t *testing.T) {
	img := newTestImage(t)
	l := NewLock(100, time.Microsecond)
	acc := NewAccessor(l.Locked(img))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = acc.WriteWord(0x4000, int64(g*8), uint64(i))
				_, _ = acc.ReadWord(0x4000, int64(g*8))
			}
		}(g)
	}
	wg.Wait()

	// A held lock makes locked access report busy.
	l2 := NewLock(2, time.Microsecond)
	_ = l2.TryLock()
	if _, err := NewAccessor(l2.Locked(img)).ReadWord(0x1000, 0); !errors.Is(err, fault.ErrVMBusy) {
		t.Errorf("read under held lock: got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	img := newTestImage(t)
	acc := NewAccessor(img)
	_ = acc.WriteWord(0x1000, 0, 0xCAFEBABE)
	_ = acc.WriteWord(0x4000, 0x20, 42)

	snap := Capture(img, 0x1000, map[string]string{"scheme": "semispace"})
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), SnapshotMagic) {
		t.Error("snapshot missing magic")
	}

	got, err := ReadSnapshot(&buf)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if got.InfoAddr != 0x1000 || got.Meta["scheme"] != "semispace" || len(got.Regions) != 2 {
		t.Errorf("snapshot header = %+v", got)
	}
	restored, err := got.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	v, err := NewAccessor(restored).ReadWord(0x4000, 0x20)
	if err != nil || v != 42 {
		t.Errorf("restored ReadWord = %d, %v", v, err)
	}

	// Snapshot data is a copy.
	_ = acc.WriteWord(0x4000, 0x20, 7)
	v, _ = NewAccessor(restored).ReadWord(0x4000, 0x20)
	if v != 42 {
		t.Errorf("snapshot aliased live image: got %d", v)
	}
}

func TestSnapshotFile(t *testing.T) {
	img := newTestImage(t)
	path := filepath.Join(t.TempDir(), "heap.tsnp")
	if err := SaveSnapshot(path, Capture(img, 0x1000, nil)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	snap, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.Size() != 0x200 {
		t.Errorf("Size = %d, want 512", snap.Size())
	}
}

func TestReadSnapshotBadMagic(t *testing.T) {
	if _, err := ReadSnapshot(bytes.NewReader([]byte("NOPE...."))); err == nil {
		t.Error("expected error for bad magic")
	}
}

func TestCaptureFrom(t *testing.T) {
	img := newTestImage(t)
	_ = NewAccessor(img).WriteWord(0x1000, 0, 9)
	snap, err := CaptureFrom(img, 0x1000, []SnapshotRegion{{Start: 0x1000, Name: "low", Data: make([]byte, 16)}}, nil)
	if err != nil {
		t.Fatalf("CaptureFrom: %v", err)
	}
	if snap.Regions[0].Data[0] != 9 {
		t.Errorf("captured byte = %d", snap.Regions[0].Data[0])
	}
	if _, err := CaptureFrom(img, 0, []SnapshotRegion{{Start: 0x9000, Data: make([]byte, 8)}}, nil); !errors.Is(err, fault.ErrUnmapped) {
		t.Errorf("capture unmapped: got %v", err)
	}
}
