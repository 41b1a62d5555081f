package bioswrite

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"
)

// csRecorder records the chip select level seen by every transaction.
type csRecorder struct {
	*fakeChip
	cs     *gpiotest.Pin
	levels []gpio.Level
	err    error
}

func (c *csRecorder) Tx(w, r []byte) error {
	c.levels = append(c.levels, c.cs.Read())
	if c.err != nil {
		return c.err
	}
	return c.fakeChip.Tx(w, r)
}

func (c *csRecorder) TxPackets(pkts []spi.Packet) error {
	c.levels = append(c.levels, c.cs.Read())
	return c.fakeChip.TxPackets(pkts)
}

func TestChipSelectConn(t *testing.T) {
	pin := &gpiotest.Pin{N: "CS", Num: 4, L: gpio.High}
	rec := &csRecorder{fakeChip: newW25Q80(), cs: pin}
	conn := &chipSelectConn{Conn: rec, cs: pin}

	f := NewFlash(conn, fastTimeouts)
	chip, err := Probe(f)
	require.NoError(t, err)
	assert.Equal(t, flashIDWinbondW25Q80, chip.ID)
	require.NoError(t, f.EraseSector(0))

	require.NotEmpty(t, rec.levels)
	for i, l := range rec.levels {
		assert.Equal(t, gpio.Low, l, "transaction %d", i)
	}
	assert.Equal(t, gpio.High, pin.Read())

	require.NoError(t, conn.TxPackets([]spi.Packet{{W: []byte{flashCmdWriteEnable}}}))
	assert.Equal(t, gpio.Low, rec.levels[len(rec.levels)-1])
	assert.Equal(t, gpio.High, pin.Read())
}

func TestChipSelectConnReleasesOnError(t *testing.T) {
	pin := &gpiotest.Pin{N: "CS", Num: 4, L: gpio.High}
	errBus := errors.New("bus error")
	rec := &csRecorder{fakeChip: newW25Q80(), cs: pin, err: errBus}
	conn := &chipSelectConn{Conn: rec, cs: pin}

	assert.ErrorIs(t, conn.Tx([]byte{flashCmdReadStatusRegister, 0}, make([]byte, 2)), errBus)
	assert.Equal(t, gpio.High, pin.Read())
}
