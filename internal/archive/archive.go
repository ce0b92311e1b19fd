// Package archive implements the wire codec for sandbox file transfer:
// base64-encoded gzip-compressed tar streams, plus unified-diff patch
// construction from two filesystem snapshots.
package archive

import (
	"archive/tar"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// ErrFormat indicates an archive that cannot be decoded: bad base64, bad
// gzip, bad tar, or an entry whose path escapes the archive root.
var ErrFormat = errors.New("malformed archive")

// Entry is one file or directory in an archive. Paths are relative to the
// archive root; directory entries precede their children.
type Entry struct {
	Path string
	Mode int64
	Dir  bool
	Data []byte
}

// Decode parses a base64 blob of a gzip-compressed tar stream into entries.
// Every entry path is normalized and checked against root escape.
func Decode(b64 string) ([]Entry, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrFormat, err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrFormat, err)
	}
	defer gz.Close()

	var entries []Entry
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: tar: %v", ErrFormat, err)
		}

		name, err := normalize(hdr.Name)
		if err != nil {
			return nil, err
		}
		if name == "." {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			entries = append(entries, Entry{Path: name, Mode: hdr.Mode, Dir: true})
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("%w: tar: %v", ErrFormat, err)
			}
			entries = append(entries, Entry{Path: name, Mode: hdr.Mode, Data: data})
		default:
			// Links and special files are not part of the wire format.
			return nil, fmt.Errorf("%w: unsupported entry type %q for %s", ErrFormat, hdr.Typeflag, hdr.Name)
		}
	}

	return entries, nil
}

// Encode packs entries into a gzip-compressed tar stream and returns it
// base64-encoded. Used when an archive-formatted result is required.
func Encode(entries []Entry) (string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := writeTar(gz, entries); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("gzip close: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Tar packs entries into an uncompressed tar stream, the representation the
// container runtime expects for copy-in.
func Tar(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeTar(&buf, entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeTar(w io.Writer, entries []Entry) error {
	tw := tar.NewWriter(w)
	now := time.Now()
	for _, e := range entries {
		name, err := normalize(e.Path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    name,
			Mode:    e.Mode,
			ModTime: now,
		}
		if e.Dir {
			hdr.Typeflag = tar.TypeDir
			hdr.Name = name + "/"
			if hdr.Mode == 0 {
				hdr.Mode = 0o755
			}
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.Data))
			if hdr.Mode == 0 {
				hdr.Mode = 0o644
			}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("tar header %s: %w", name, err)
		}
		if !e.Dir {
			if _, err := tw.Write(e.Data); err != nil {
				return fmt.Errorf("tar write %s: %w", name, err)
			}
		}
	}
	return tw.Close()
}

// Extract materializes a tar stream into dir, preserving file modification
// times so snapshot comparison stays meaningful. strip removes that many
// leading path components (container exports carry the source directory as
// their first component).
func Extract(r io.Reader, dir string, strip int) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: tar: %v", ErrFormat, err)
		}

		name, err := normalize(hdr.Name)
		if err != nil {
			return err
		}
		name = stripComponents(name, strip)
		if name == "" || name == "." {
			continue
		}
		dest := filepath.Join(dir, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("%w: tar: %v", ErrFormat, err)
			}
			if err := os.WriteFile(dest, data, os.FileMode(hdr.Mode&0o777)|0o200); err != nil {
				return err
			}
			if err := os.Chtimes(dest, hdr.ModTime, hdr.ModTime); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			os.Remove(dest)
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				return err
			}
		default:
			// Devices and the like never appear in workspace exports; skip.
		}
	}
}

// normalize cleans a tar entry path and rejects anything that would land
// outside the archive root.
func normalize(name string) (string, error) {
	name = strings.TrimSuffix(name, "/")
	if name == "" {
		return "", fmt.Errorf("%w: empty entry path", ErrFormat)
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return "", fmt.Errorf("%w: absolute entry path %q", ErrFormat, name)
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: entry path %q escapes archive root", ErrFormat, name)
	}
	return cleaned, nil
}

func stripComponents(name string, n int) string {
	for ; n > 0; n-- {
		idx := strings.IndexByte(name, '/')
		if idx < 0 {
			return ""
		}
		name = name[idx+1:]
	}
	return name
}
