package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gentam/bioswrite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumber(t *testing.T) {
	for s, want := range map[string]uint32{
		"0":          0,
		"4096":       4096,
		"0x1000":     0x1000,
		"0X7ff000":   0x7FF000,
		"0xFFFFFFFF": 0xFFFFFFFF,
	} {
		got, err := parseNumber(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}

	for _, s := range []string{"", "0x", "-1", "4k", "0x100000000", "1e3"} {
		_, err := parseNumber(s)
		assert.Error(t, err, s)
	}
}

func TestRestOfChip(t *testing.T) {
	n, err := restOfChip(0x1000, 0, 0x100000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFF000), n)

	n, err = restOfChip(0x1000, 0x20, 0x100000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20), n)

	n, err = restOfChip(0x100000, 0, 0x100000)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = restOfChip(0x100001, 0, 0x100000)
	assert.Error(t, err)
}

func TestImageRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("\xff\xff\x5a\xa5"), 4096)
	dir := t.TempDir()

	for _, name := range []string{"bios.bin", "bios.bin.xz"} {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(dir, name)
			require.NoError(t, writeImage(p, data))
			got, err := readImage(p, uint32(len(data)))
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}

	raw, err := os.ReadFile(filepath.Join(dir, "bios.bin.xz"))
	require.NoError(t, err)
	assert.Less(t, len(raw), len(data))
}

func TestReadImageLimit(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(p, make([]byte, 0x2000), 0o600))

	got, err := readImage(p, 0x1000)
	require.NoError(t, err)
	assert.Len(t, got, 0x1001, "one byte past the limit shows the image is too large")

	_, err = readImage(filepath.Join(t.TempDir(), "missing.bin"), 0x1000)
	assert.ErrorIs(t, err, os.ErrNotExist)

	p = filepath.Join(t.TempDir(), "bad.bin.xz")
	require.NoError(t, os.WriteFile(p, []byte("not xz"), 0o600))
	_, err = readImage(p, 0x1000)
	assert.Error(t, err)
}

func TestRenderRegions(t *testing.T) {
	var buf bytes.Buffer
	renderRegions(&buf, "Flash regions", []bioswrite.FlashRegion{
		{Name: "Descriptor", Base: 0, Limit: 0xFFF, Readable: true},
		{Name: "BIOS", Base: 0x80000, Limit: 0xFFFFF, Readable: true, Writable: true},
	}, true)

	out := buf.String()
	assert.Contains(t, out, "Flash regions")
	assert.Contains(t, out, "0x00080000")
	assert.Contains(t, out, "512 KiB")
	assert.Contains(t, out, "WRITE")
	assert.Contains(t, out, "no")
}

func TestPowerDownNeedsExternalProgrammer(t *testing.T) {
	defer func(powerDown bool, programmer string) {
		flagPowerDown, flagProgrammer = powerDown, programmer
	}(flagPowerDown, flagProgrammer)
	flagPowerDown, flagProgrammer = true, "ich"

	_, err := newSession(false)
	assert.ErrorContains(t, err, "--power-down")
}
