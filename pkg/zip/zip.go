// Package zip bundles local files into a zip archive.
package zip

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"time"
)

// Entry is one file to add to an archive under Name.
type Entry struct {
	Name    string
	Path    string
	ModTime time.Time
}

// Write streams entries into w as a zip archive. Images are already
// compressed, so entries are stored rather than deflated.
func Write(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		if err := addFile(zw, e); err != nil {
			_ = zw.Close()
			return err
		}
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, e Entry) error {
	f, err := os.Open(e.Path)
	if err != nil {
		return fmt.Errorf("zip: open %s: %w", e.Name, err)
	}
	defer f.Close()

	hdr := &zip.FileHeader{Name: e.Name, Method: zip.Store, Modified: e.ModTime}
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("zip: create %s: %w", e.Name, err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("zip: write %s: %w", e.Name, err)
	}
	return nil
}
