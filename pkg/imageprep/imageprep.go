// Package imageprep turns a possibly packed image file into a raw image
// ready for chunking. Only xz containers are recognized; anything else is
// treated as already raw.
package imageprep

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/ulikunitz/xz"
)

// PrepareRawImage returns a path to the raw image bytes for path. For
// plain files that is the input itself; for *.xz files the container is
// decompressed into a temp file. The returned cleanup removes whatever
// PrepareRawImage created and must be called when the run ends.
func PrepareRawImage(path string) (string, func(), error) {
	noop := func() {}
	if !strings.HasSuffix(path, ".xz") {
		return path, noop, nil
	}

	in, err := os.Open(path)
	if err != nil {
		return "", noop, fmt.Errorf("cannot open image %q: %v", path, err)
	}
	defer in.Close()

	r, err := xz.NewReader(bufio.NewReader(in))
	if err != nil {
		return "", noop, fmt.Errorf("%q is not a valid xz container: %v", path, err)
	}

	out, err := os.CreateTemp("", "ubflash_raw_")
	if err != nil {
		return "", noop, fmt.Errorf("cannot create temp file for decompressed image: %v", err)
	}
	cleanup := func() { os.Remove(out.Name()) }

	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", noop, fmt.Errorf("cannot decompress %q: %v", path, err)
	}
	glog.Infof("Decompressed %q: %d raw bytes", path, n)
	return out.Name(), cleanup, nil
}
