package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/ulikunitz/xz"
)

const stdio = "-"

func compressed(name string) bool { return strings.HasSuffix(name, ".xz") }

// readImage reads the image in name ("-" is stdin), decompressing .xz files.
// At most limit+1 bytes are read so that an image too large for the chip is
// detected without holding all of it.
func readImage(name string, limit uint32) ([]byte, error) {
	var r io.Reader = os.Stdin
	if name != stdio {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	if compressed(name) {
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		r = xr
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return data, nil
}

// writeImage stores data in name ("-" is stdout), compressing .xz files.
func writeImage(name string, data []byte) (err error) {
	var w io.Writer = os.Stdout
	if name != stdio {
		f, ferr := os.Create(name)
		if ferr != nil {
			return ferr
		}
		defer func() {
			if cerr := f.Close(); cerr != nil {
				err = multierror.Append(err, cerr)
			}
		}()
		w = f
	}
	if compressed(name) {
		xw, xerr := xz.NewWriter(w)
		if xerr != nil {
			return xerr
		}
		if _, err = xw.Write(data); err != nil {
			return err
		}
		return xw.Close()
	}
	_, err = w.Write(data)
	return err
}
