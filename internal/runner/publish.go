package runner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/me/dwiprep/internal/graph"
	"github.com/me/dwiprep/internal/pipeline"
)

// publish copies the workflow outputs of one entry to their CAPS names and
// returns the destinations in publication order.
func publish(variant pipeline.Variant, capsDir, subject, session, bidsDWI string, outputs graph.Values) ([]string, error) {
	dests := variant.CAPSPaths(capsDir, subject, session, bidsDWI)
	var written []string
	for _, f := range variant.CAPSFiles() {
		src, err := outputs.String(f.Output)
		if err != nil {
			return written, fmt.Errorf("publish: %w", err)
		}
		dst := dests[f.Output]
		if err := copyFile(src, dst); err != nil {
			return written, fmt.Errorf("publish %s: %w", f.Output, err)
		}
		written = append(written, dst)
	}
	return written, nil
}

// copyFile writes src to a temporary file next to dst and renames it into
// place, so dst is either absent or complete.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
