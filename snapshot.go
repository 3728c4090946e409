// snapshot.go - persisted machine state capture/restore (spec 6)
//
// Serializes the architectural state gob encodes naturally (register
// file, EFLAGS/EIP, halted flag) plus the flat RAM array, and runs the
// whole thing through snappy the way the teacher's asset loader
// compresses cached resources before they hit disk - RAM dwarfs every
// other field here, and it is also the most compressible (long runs of
// zero before a guest OS has touched most of it).
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

import (
	"bytes"
	"encoding/gob"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Snapshot is the wire format spec 6 calls "persisted machine state":
// enough to resume execution bit-for-bit, excluding volatile device
// state (I/O handlers, the IRQ controller's pending set) which a
// snapshot does not attempt to capture.
type Snapshot struct {
	Registers RegisterFile
	// LDTCache and TRCache duplicate RegisterFile.ldtCache/trCache,
	// which gob silently drops since they are unexported: without
	// these, restoring a snapshot taken while an LDT or a TSS was
	// loaded would leave LDTR/TR pointing at a selector with no
	// backing descriptor cache.
	LDTCache  SegmentCache
	TRCache   SegmentCache
	EFLAGS    uint32
	EIP       uint32
	Halted    bool
	CPUID     CPUIDState
	RAM       []byte
}

// SaveSnapshot captures m's architectural state and RAM, returning a
// snappy-compressed gob encoding.
func SaveSnapshot(m *Machine) ([]byte, error) {
	snap := Snapshot{
		Registers: m.CPU.RegisterFile,
		LDTCache:  m.CPU.ldtCache,
		TRCache:   m.CPU.trCache,
		EFLAGS:    m.CPU.EFLAGS,
		EIP:       m.CPU.EIP,
		Halted:    m.CPU.halted,
		CPUID:     m.CPU.cpuid,
		RAM:       m.Bus.rawRAM(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return nil, errors.Wrap(err, "snapshot: encode")
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// LoadSnapshot decompresses and decodes data produced by SaveSnapshot
// and restores m's CPU and RAM in place. m's RAM size must be at least
// as large as the snapshot's; a smaller target bus is an error rather
// than a silent truncation.
func LoadSnapshot(m *Machine, data []byte) error {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return errors.Wrap(err, "snapshot: decompress")
	}
	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return errors.Wrap(err, "snapshot: decode")
	}
	if uint32(len(snap.RAM)) > m.Bus.Size() {
		return errors.Errorf("snapshot: RAM size %d exceeds target bus size %d", len(snap.RAM), m.Bus.Size())
	}

	m.CPU.RegisterFile = snap.Registers
	m.CPU.ldtCache = snap.LDTCache
	m.CPU.trCache = snap.TRCache
	m.CPU.EFLAGS = snap.EFLAGS
	m.CPU.EIP = snap.EIP
	m.CPU.halted = snap.Halted
	m.CPU.cpuid = snap.CPUID
	m.CPU.pendingStringRestart = nil
	m.CPU.inFaultHandler = false
	m.Bus.restoreRAM(snap.RAM)
	return nil
}
