package bioswrite

import (
	"math"
	"time"
)

// Chip describes a known flash part.
type Chip struct {
	Name string
	ID   [3]byte // JEDEC manufacturer, memory type, capacity
	Geometry

	eraseOpcode byte // sector (4KB) erase instruction

	tRES1 time.Duration
	tDP   time.Duration
	tPP   time.Duration
	tSE   time.Duration
}

var (
	flashIDMicronN25Q32       = [3]byte{0x20, 0xBA, 0x16}
	flashIDMicronN25Q64       = [3]byte{0x20, 0xBA, 0x17}
	flashIDMicronN25Q128      = [3]byte{0x20, 0xBA, 0x18}
	flashIDWinbondW25Q80      = [3]byte{0xEF, 0x40, 0x14}
	flashIDWinbondW25Q32      = [3]byte{0xEF, 0x40, 0x16}
	flashIDWinbondW25Q64      = [3]byte{0xEF, 0x40, 0x17}
	flashIDWinbondW25Q128     = [3]byte{0xEF, 0x40, 0x18}
	flashIDWinbondW25Q128M    = [3]byte{0xEF, 0x70, 0x18}
	flashIDMacronixMX25L64    = [3]byte{0xC2, 0x20, 0x17}
	flashIDMacronixMX25L128   = [3]byte{0xC2, 0x20, 0x18}
	flashIDGigaDeviceGD25Q64  = [3]byte{0xC8, 0x40, 0x17}
	flashIDGigaDeviceGD25Q128 = [3]byte{0xC8, 0x40, 0x18}
)

const (
	pageSize   = 256
	sectorSize = 4 << 10
)

func geometryOf(size uint32) Geometry {
	return Geometry{TotalSize: size, PageSize: pageSize, SectorSize: sectorSize}
}

// All timings are the datasheet maximums.
var knownFlash = map[[3]byte]Chip{
	flashIDMicronN25Q32: {
		Name:     "Micron N25Q 32Mb",
		Geometry: geometryOf(4 << 20),

		eraseOpcode: flashCmdErase4KB,
		// [N25Q32|Table 38: AC Characteristics and Operating Conditions]
		tRES1: 30 * time.Microsecond,
		tDP:   3 * time.Microsecond,
		// tPP: PAGE PROGRAM cycle time (256 bytes)
		tPP: 5 * time.Millisecond,
		// tSSE: Subsector ERASE cycle time
		tSE: 800 * time.Millisecond,
	},
	flashIDMicronN25Q64: {
		Name:        "Micron N25Q 64Mb",
		Geometry:    geometryOf(8 << 20),
		eraseOpcode: flashCmdErase4KB,
		tRES1:       30 * time.Microsecond,
		tDP:         3 * time.Microsecond,
		tPP:         5 * time.Millisecond,
		tSE:         800 * time.Millisecond,
	},
	flashIDMicronN25Q128: {
		Name:        "Micron N25Q 128Mb",
		Geometry:    geometryOf(16 << 20),
		eraseOpcode: flashCmdErase4KB,
		tRES1:       30 * time.Microsecond,
		tDP:         3 * time.Microsecond,
		tPP:         5 * time.Millisecond,
		tSE:         800 * time.Millisecond,
	},

	// [W25Q64|9.6 AC Electrical Characteristics]
	flashIDWinbondW25Q80: {
		Name:        "Winbond W25Q 8Mb",
		Geometry:    geometryOf(1 << 20),
		eraseOpcode: flashCmdErase4KB,
		tRES1:       3 * time.Microsecond,
		tDP:         3 * time.Microsecond,
		tPP:         3 * time.Millisecond,
		tSE:         400 * time.Millisecond,
	},
	flashIDWinbondW25Q32: {
		Name:        "Winbond W25Q 32Mb",
		Geometry:    geometryOf(4 << 20),
		eraseOpcode: flashCmdErase4KB,
		tRES1:       3 * time.Microsecond,
		tDP:         3 * time.Microsecond,
		tPP:         3 * time.Millisecond,
		tSE:         400 * time.Millisecond,
	},
	flashIDWinbondW25Q64: {
		Name:        "Winbond W25Q 64Mb",
		Geometry:    geometryOf(8 << 20),
		eraseOpcode: flashCmdErase4KB,
		tRES1:       3 * time.Microsecond,
		tDP:         3 * time.Microsecond,
		tPP:         3 * time.Millisecond,
		tSE:         400 * time.Millisecond,
	},
	flashIDWinbondW25Q128: {
		Name:        "Winbond W25Q 128Mb",
		Geometry:    geometryOf(16 << 20),
		eraseOpcode: flashCmdErase4KB,
		tRES1:       3 * time.Microsecond,
		tDP:         3 * time.Microsecond,
		tPP:         3 * time.Millisecond,
		tSE:         400 * time.Millisecond,
	},
	flashIDWinbondW25Q128M: {
		Name:     "Winbond W25Q 128Mb (QPI/DTR)",
		Geometry: geometryOf(16 << 20),

		eraseOpcode: flashCmdErase4KB,
		// [W25Q128|9.6 AC Electrical Characteristics]:
		// tRES1: /CS High to Standby Mode without ID Read
		tRES1: 3 * time.Microsecond,
		// tDP: /CS High to Power-down Mode
		tDP: 3 * time.Microsecond,
		// tPP: Page Program Time
		tPP: 3 * time.Millisecond,
		// tSE: Sector Erase Time (4KB)
		tSE: 400 * time.Millisecond,
	},

	// [MX25L|AC characteristics]
	flashIDMacronixMX25L64: {
		Name:        "Macronix MX25L 64Mb",
		Geometry:    geometryOf(8 << 20),
		eraseOpcode: flashCmdErase4KB,
		tRES1:       100 * time.Microsecond,
		tDP:         10 * time.Microsecond,
		tPP:         5 * time.Millisecond,
		tSE:         300 * time.Millisecond,
	},
	flashIDMacronixMX25L128: {
		Name:        "Macronix MX25L 128Mb",
		Geometry:    geometryOf(16 << 20),
		eraseOpcode: flashCmdErase4KB,
		tRES1:       8800 * time.Nanosecond,
		tDP:         10 * time.Microsecond,
		tPP:         3 * time.Millisecond,
		tSE:         200 * time.Millisecond,
	},

	// [GD25Q|AC characteristics]
	flashIDGigaDeviceGD25Q64: {
		Name:        "GigaDevice GD25Q 64Mb",
		Geometry:    geometryOf(8 << 20),
		eraseOpcode: flashCmdErase4KB,
		tRES1:       20 * time.Microsecond,
		tDP:         20 * time.Microsecond,
		tPP:         2400 * time.Microsecond,
		tSE:         300 * time.Millisecond,
	},
	flashIDGigaDeviceGD25Q128: {
		Name:        "GigaDevice GD25Q 128Mb",
		Geometry:    geometryOf(16 << 20),
		eraseOpcode: flashCmdErase4KB,
		tRES1:       20 * time.Microsecond,
		tDP:         20 * time.Microsecond,
		tPP:         2400 * time.Microsecond,
		tSE:         300 * time.Millisecond,
	},
}

func init() {
	for id, c := range knownFlash {
		c.ID = id
		knownFlash[id] = c
	}
}

func (f *Flash) paramOrMax(get func(*Chip) time.Duration) time.Duration {
	// get parameter if configured
	if f.chip != nil {
		return get(f.chip)
	}

	return maxParam(get)
}

// maxParam is the longest duration over all known flash parameters.
func maxParam(get func(*Chip) time.Duration) time.Duration {
	var tmax time.Duration
	for _, param := range knownFlash {
		tmax = max(tmax, get(&param))
	}
	return tmax
}

// minParam is the shortest duration over all known flash parameters.
func minParam(get func(*Chip) time.Duration) time.Duration {
	tmin := time.Duration(math.MaxInt64)
	for _, param := range knownFlash {
		tmin = min(tmin, get(&param))
	}
	return tmin
}

func (f *Flash) tRES1() time.Duration {
	return f.paramOrMax(func(c *Chip) time.Duration { return c.tRES1 })
}
func (f *Flash) tDP() time.Duration {
	return f.paramOrMax(func(c *Chip) time.Duration { return c.tDP })
}
func (f *Flash) tPP() time.Duration {
	return f.paramOrMax(func(c *Chip) time.Duration { return c.tPP })
}
func (f *Flash) tSE() time.Duration {
	return f.paramOrMax(func(c *Chip) time.Duration { return c.tSE })
}
