package link

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// OpenOutput resolves an output target:
//
//	"" | "stdout" | "-"   standard output
//	"discard"             drop everything
//	"udp://host:port"     one datagram per frame
//	"file://path" | path  append to a file on fs
func OpenOutput(fs afero.Fs, target string) (io.WriteCloser, error) {
	switch t := strings.TrimSpace(target); {
	case t == "" || t == "stdout" || t == "-":
		return nopCloser{os.Stdout}, nil
	case t == "discard":
		return nopCloser{io.Discard}, nil
	case strings.HasPrefix(t, "udp://"):
		addr := strings.TrimPrefix(t, "udp://")
		c, err := net.Dial("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", t, err)
		}
		return c, nil
	default:
		path := strings.TrimPrefix(t, "file://")
		if fs == nil {
			fs = afero.NewOsFs()
		}
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := fs.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create output dir: %w", err)
			}
		}
		f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open output %s: %w", path, err)
		}
		return f, nil
	}
}
