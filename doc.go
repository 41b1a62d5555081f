// Package bioswrite reads and rewrites the SPI-NOR flash holding a machine's
// firmware through the chipset's SPI controller.
//
// Writes are destructive and can leave the machine unbootable. The flash must
// already be unlocked (BIOS_CNTL, protected ranges, status register block
// protect bits); bioswrite never changes write protection, it only refuses to
// touch ranges the controller reports as protected.
//
// # References:
//
// Intel
//   - [ICH9]: Intel I/O Controller Hub 9 (ICH9) Family Datasheet, 316972
//   - [PCH6]: Intel 6 Series Chipset and Intel C200 Series Chipset Datasheet, 324645
//
// SPI Flash
//   - [N25Q32]: N25Q032A Micron Serial NOR Flash Memory datasheet (could not find the official public URL)
//   - [W25Q64]: W25Q64FV Winbond SPI Flash (https://www.winbond.com/resource-files/w25q64fv%20revs%2007182017.pdf)
//   - [W25Q128]: W25Q128JV-DTR Winbond Serial Flash Memory (https://www.winbond.com/resource-files/W25Q128JV_DTR%20RevD%2012232024%20Plus.pdf)
//   - [MX25L]: Macronix MX25L6406E / MX25L12835F datasheets
//   - [GD25Q]: GigaDevice GD25Q64C / GD25Q128C datasheets
package bioswrite
