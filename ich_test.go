package bioswrite

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

const testCycleTimeout = 5 * time.Millisecond

func setMenu(s *ichSim, entries ...menuEntry) {
	var (
		opmenu [2]uint32
		optype uint32
	)
	for i, e := range entries {
		opmenu[i/4] |= uint32(e.op) << (8 * (i % 4))
		optype |= uint32(e.typ) << (2 * i)
	}
	s.regs[ich9RegPREOP/4] = flashCmdWriteEnable | optype<<16
	s.regs[ich9RegOPMENU/4] = opmenu[0]
	s.regs[ich9RegOPMENU/4+1] = opmenu[1]
}

func newTestICH(t *testing.T, sim *ichSim) *ICH {
	t.Helper()
	c, err := NewICH(sim, 20*physic.MegaHertz, testCycleTimeout)
	require.NoError(t, err)
	return c
}

func TestNewICHInstallsMenu(t *testing.T) {
	sim := newICHSim(newW25Q80())
	c := newTestICH(t, sim)

	assert.False(t, c.Locked())
	assert.False(t, c.PrefixesWriteEnable())
	assert.Equal(t, uint32(0x5FC25006), sim.regs[ich9RegPREOP/4])
	assert.Equal(t, uint32(0x029F0503), sim.regs[ich9RegOPMENU/4])
	assert.Equal(t, uint32(0xAB06D820), sim.regs[ich9RegOPMENU/4+1])
	assert.Equal(t, 68, c.MaxTxSize())
}

func TestNewICHAdoptsLockedMenu(t *testing.T) {
	sim := newICHSim(newW25Q80())
	setMenu(sim,
		menuEntry{flashCmdReadStatusRegister, opReadNoAddr},
		menuEntry{flashCmdReadID, opReadNoAddr},
		menuEntry{flashCmdRead, opReadAddr},
		menuEntry{flashCmdWriteEnable, opWriteNoAddr},
		menuEntry{flashCmdPageProgram, opWriteAddr},
		menuEntry{flashCmdErase4KB, opWriteAddr},
	)
	sim.lock()
	before := sim.regs

	c := newTestICH(t, sim)
	assert.True(t, c.Locked())
	assert.Equal(t, before, sim.regs, "a locked controller is not reprogrammed")
	assert.False(t, c.PrefixesWriteEnable(), "write enable is in the menu")

	f := NewFlash(c, fastTimeouts)
	_, err := Probe(f)
	require.NoError(t, err)
	assert.ErrorIs(t, f.PowerUp(), ErrOpcodeUnavailable)
}

func TestNewICHLockedWithoutReadID(t *testing.T) {
	sim := newICHSim(newW25Q80())
	setMenu(sim,
		menuEntry{flashCmdRead, opReadAddr},
		menuEntry{flashCmdReadStatusRegister, opReadNoAddr},
	)
	sim.lock()

	_, err := NewICH(sim, 20*physic.MegaHertz, testCycleTimeout)
	assert.ErrorIs(t, err, ErrOpcodeUnavailable)
}

func TestICHFlashRoundTrip(t *testing.T) {
	chip := newW25Q80()
	for i := range chip.mem[:4096] {
		chip.mem[i] = byte(i * 7)
	}
	sim := newICHSim(chip)
	f := readyFlash(t, newTestICH(t, sim))

	got, err := f.Read(0x10, 300)
	require.NoError(t, err)
	assert.Equal(t, chip.mem[0x10:0x10+300], got)

	require.NoError(t, f.EraseSector(0x8000))
	data := bytes.Repeat([]byte{0x5A, 0xC3}, 128)
	require.NoError(t, f.ProgramPage(0x8100, data))
	assert.Equal(t, data, chip.mem[0x8100:0x8200])
	assert.Equal(t, 1, chip.count("erase"))
	assert.Equal(t, 4, chip.count("program"), "64 byte data phases")
}

func TestICHCycleTimeout(t *testing.T) {
	sim := newICHSim(newW25Q80())
	c := newTestICH(t, sim)
	sim.hang = true

	start := time.Now()
	err := c.Tx([]byte{flashCmdReadStatusRegister, 0}, make([]byte, 2))
	assert.ErrorIs(t, err, ErrHardwareTimeout)
	assert.GreaterOrEqual(t, time.Since(start), testCycleTimeout)
	assert.LessOrEqual(t, sim.statusReads, int(testCycleTimeout/ichPollInterval)+3, "status is polled, not spun on")

	err = c.Tx([]byte{flashCmdReadStatusRegister, 0}, make([]byte, 2))
	assert.ErrorIs(t, err, ErrHardwareTimeout)
}

func TestICHCycleError(t *testing.T) {
	sim := newICHSim(newW25Q80())
	c := newTestICH(t, sim)
	sim.fcerr = true

	err := c.Tx([]byte{flashCmdRead, 0x01, 0x23, 0x45}, make([]byte, 8))
	assert.ErrorIs(t, err, ErrHardwareTimeout)
	assert.ErrorContains(t, err, "00012345")
	assert.Zero(t, sim.regs[ich9RegSSFS/4]&ssfsClear, "status is cleared")
}

func TestICHRejectsOversizedCycles(t *testing.T) {
	sim := newICHSim(newW25Q80())
	c := newTestICH(t, sim)

	w := make([]byte, cmdBytes+ichDataSize+1)
	w[0] = flashCmdPageProgram
	assert.Error(t, c.Tx(w, w))
	assert.Error(t, c.Tx([]byte{flashCmdRead, 0}, nil))
	assert.ErrorIs(t, c.Tx([]byte{0x4B}, nil), ErrOpcodeUnavailable)
	assert.Zero(t, sim.cycles)
}

func TestICHClockSelect(t *testing.T) {
	sim := newICHSim(newW25Q80())
	c, err := NewICH(sim, 33*physic.MegaHertz, testCycleTimeout)
	require.NoError(t, err)

	require.NoError(t, c.Tx([]byte{flashCmdWriteEnable}, nil))
	assert.Equal(t, uint32(scf33MHz), sim.regs[ich9RegSSFS/4]>>ssfcSCFOff&7)
	assert.True(t, sim.chip.wel)
}

// prefixOnlySim is a locked controller whose menu lacks write enable; it is
// only offered as one of the two prefix opcodes in preop.
func prefixOnlySim(chip *fakeChip, preop uint32) *ichSim {
	sim := newICHSim(chip)
	setMenu(sim,
		menuEntry{flashCmdPageProgram, opWriteAddr},
		menuEntry{flashCmdRead, opReadAddr},
		menuEntry{flashCmdErase4KB, opWriteAddr},
		menuEntry{flashCmdReadStatusRegister, opReadNoAddr},
		menuEntry{flashCmdReadID, opReadNoAddr},
	)
	sim.regs[ich9RegPREOP/4] = sim.regs[ich9RegPREOP/4]&^0xffff | preop
	sim.lock()
	return sim
}

func TestICHPrefixedWriteEnable(t *testing.T) {
	for _, preop := range []uint32{
		flashCmdEnableWriteStatus<<8 | flashCmdWriteEnable,
		flashCmdWriteEnable<<8 | flashCmdEnableWriteStatus,
	} {
		t.Run(fmt.Sprintf("%04x", preop), func(t *testing.T) {
			chip := newW25Q80()
			chip.busyAfter = 3
			sim := prefixOnlySim(chip, preop)
			c := newTestICH(t, sim)
			assert.True(t, c.PrefixesWriteEnable())

			d, err := NewDriver(c, WithTimeouts(fastTimeouts), WithReadBack(ReadBackSectors))
			require.NoError(t, err)

			require.NoError(t, d.Write(0, []byte{0}, false))
			assert.Equal(t, byte(0), chip.mem[0])
			require.NoError(t, d.Write(0, []byte{0xFF, 0x12}, false))
			assert.Equal(t, []byte{0xFF, 0x12}, chip.mem[:2])

			assert.Equal(t, 1, chip.count("erase"))
			for _, op := range chip.ops {
				assert.True(t, op.wel, "%s at %#x", op.kind, op.addr)
			}
			assert.Equal(t, len(chip.ops), sim.atomic, "every program and erase is an atomic sequence")
		})
	}
}

func TestICHPrefixedSequenceTimeout(t *testing.T) {
	chip := newW25Q80()
	chip.hangAfter = 1
	c := newTestICH(t, prefixOnlySim(chip, flashCmdWriteEnable))
	d, err := NewDriver(c, WithTimeouts(fastTimeouts), WithReadBack(ReadBackSectors))
	require.NoError(t, err)

	start := time.Now()
	err = d.Erase(0, sectorSize, true)
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "erase", werr.Op)
	assert.ErrorIs(t, err, ErrHardwareTimeout)
	assert.GreaterOrEqual(t, time.Since(start), fastTimeouts.Erase, "the sequence lasts until the erase deadline")
}
