package memory

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion uint16 = 1

// SnapshotMagic prefixes every snapshot file: "TSNP" (Telescope SNaPshot).
var SnapshotMagic = []byte{'T', 'S', 'N', 'P'}

var snapshotEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("memory: failed to create CBOR enc mode: %v", err))
	}
	snapshotEncMode = em
}

// SnapshotRegion is one captured region.
type SnapshotRegion struct {
	Start uint64 `cbor:"1,keyasint"`
	Name  string `cbor:"2,keyasint"`
	Data  []byte `cbor:"3,keyasint"`
}

// Snapshot is a frozen copy of a target's address space, with the location of
// the heap info block and free-form metadata.
type Snapshot struct {
	Version  uint16            `cbor:"1,keyasint"`
	Created  int64             `cbor:"2,keyasint"` // Unix seconds
	InfoAddr uint64            `cbor:"3,keyasint"`
	Meta     map[string]string `cbor:"4,keyasint,omitempty"`
	Regions  []SnapshotRegion  `cbor:"5,keyasint"`
}

// Capture copies every region of img into a snapshot.
func Capture(img *Image, infoAddr Address, meta map[string]string) *Snapshot {
	snap := &Snapshot{
		Version:  SnapshotVersion,
		Created:  time.Now().Unix(),
		InfoAddr: uint64(infoAddr),
		Meta:     meta,
	}
	for _, r := range img.Regions() {
		data := make([]byte, len(r.Data))
		copy(data, r.Data)
		snap.Regions = append(snap.Regions, SnapshotRegion{Start: uint64(r.Start), Name: r.Name, Data: data})
	}
	return snap
}

// CaptureFrom reads the given ranges from da, which may be a live process.
func CaptureFrom(da DataAccess, infoAddr Address, ranges []SnapshotRegion, meta map[string]string) (*Snapshot, error) {
	snap := &Snapshot{
		Version:  SnapshotVersion,
		Created:  time.Now().Unix(),
		InfoAddr: uint64(infoAddr),
		Meta:     meta,
	}
	for _, r := range ranges {
		data := make([]byte, len(r.Data))
		if err := da.ReadBytes(Address(r.Start), data); err != nil {
			return nil, fmt.Errorf("capture %s: %w", r.Name, err)
		}
		snap.Regions = append(snap.Regions, SnapshotRegion{Start: r.Start, Name: r.Name, Data: data})
	}
	return snap, nil
}

// Image rebuilds an address space from the snapshot.
func (s *Snapshot) Image() (*Image, error) {
	img := NewImage()
	for _, r := range s.Regions {
		region, err := img.Map(Address(r.Start), len(r.Data), r.Name)
		if err != nil {
			return nil, err
		}
		copy(region.Data, r.Data)
	}
	return img, nil
}

// Size returns the total number of captured bytes.
func (s *Snapshot) Size() int {
	n := 0
	for _, r := range s.Regions {
		n += len(r.Data)
	}
	return n
}

// WriteSnapshot encodes snap as magic followed by a zstd-compressed CBOR body.
func WriteSnapshot(w io.Writer, snap *Snapshot) error {
	if _, err := w.Write(SnapshotMagic); err != nil {
		return err
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := snapshotEncMode.NewEncoder(enc).Encode(snap); err != nil {
		enc.Close()
		return fmt.Errorf("memory: encode snapshot: %w", err)
	}
	return enc.Close()
}

// ReadSnapshot decodes a snapshot written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	magic := make([]byte, len(SnapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("memory: read snapshot header: %w", err)
	}
	if !bytes.Equal(magic, SnapshotMagic) {
		return nil, fmt.Errorf("memory: not a snapshot (magic %q)", magic)
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var snap Snapshot
	if err := cbor.NewDecoder(dec).Decode(&snap); err != nil {
		return nil, fmt.Errorf("memory: decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("memory: unsupported snapshot version %d", snap.Version)
	}
	return &snap, nil
}

// SaveSnapshot writes snap to path.
func SaveSnapshot(path string, snap *Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}
	if err := WriteSnapshot(f, snap); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadSnapshot reads a snapshot from path.
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	defer f.Close()
	return ReadSnapshot(f)
}
