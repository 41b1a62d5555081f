package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gentam/bioswrite"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/linuxboot/fiano/pkg/uefi"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the flash chip and its regions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(false)
		if err != nil {
			return err
		}
		defer closeSession(s)

		d := s.Driver
		chip := d.Chip()
		fmt.Printf("Chip:       %s (%X)\n", chip.Name, chip.ID)
		fmt.Printf("Size:       %s\n", humanize.IBytes(uint64(chip.TotalSize)))
		fmt.Printf("Page:       %d bytes\n", chip.PageSize)
		fmt.Printf("Sector:     %s\n", humanize.IBytes(uint64(chip.SectorSize)))
		fmt.Printf("Transport:  %s\n", d.Transport())

		sr, err := d.Status()
		if err != nil {
			return err
		}
		fmt.Printf("Status:     %v\n", sr)
		if sr.Protected() {
			fmt.Println("            block protect bits are set, writes to protected blocks are ignored")
		}

		regions, protected, err := d.Regions()
		if err != nil {
			return err
		}
		if len(regions) > 0 {
			renderRegions(os.Stdout, "Flash regions", regions, true)
		}
		if len(protected) > 0 {
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetTitle("Write protected ranges")
			t.AppendHeader(table.Row{"Range", "Base", "Limit", "Size"})
			for _, p := range protected {
				t.AppendRow(table.Row{fmt.Sprintf("PR%d", p.Index), hex32(p.Base), hex32(p.Limit), humanize.IBytes(uint64(p.Limit-p.Base) + 1)})
			}
			t.Render()
		}
		return nil
	},
}

var layoutCmd = &cobra.Command{
	Use:   "layout FILE",
	Short: "Show the flash descriptor regions of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readImage(args[0], uefi.FlashDescriptorLength)
		if err != nil {
			return err
		}
		regions, err := bioswrite.DescriptorRegions(data)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		renderRegions(os.Stdout, args[0], regions, false)
		return nil
	},
}

func hex32(v uint32) string { return fmt.Sprintf("%#08x", v) }

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func renderRegions(w io.Writer, title string, regions []bioswrite.FlashRegion, access bool) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	header := table.Row{"Region", "Base", "Limit", "Size"}
	if access {
		header = append(header, "Read", "Write")
	}
	t.AppendHeader(header)
	for _, r := range regions {
		row := table.Row{r.Name, hex32(r.Base), hex32(r.Limit), humanize.IBytes(uint64(r.Size()))}
		if access {
			row = append(row, yesNo(r.Readable), yesNo(r.Writable))
		}
		t.AppendRow(row)
	}
	t.Render()
}
