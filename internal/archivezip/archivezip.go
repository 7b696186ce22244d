// Package archivezip produces and reads the LZMA-compressed zip archives
// nodes use to ship a task's archive and output trees back to the
// controller (spec.md §4.6, §4.7). The stdlib zip reader/writer is
// generic over compression method; this package registers method 14
// (LZMA) against ulikunitz/xz's implementation, since mholt/archiver/v3
// only speaks DEFLATE and stdlib's built-in methods don't include LZMA.
package archivezip

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz/lzma"

	"github.com/alagyn/tubular/internal/tuberrors"
)

// MethodLZMA is the zip compression method ID for LZMA, as used by
// 7-Zip and recognized by most zip readers.
const MethodLZMA = 14

func init() {
	zip.RegisterCompressor(MethodLZMA, func(w io.Writer) (io.WriteCloser, error) {
		return lzma.NewWriter(w)
	})
	zip.RegisterDecompressor(MethodLZMA, func(r io.Reader) io.ReadCloser {
		lr, err := lzma.NewReader(r)
		if err != nil {
			return io.NopCloser(errReader{err})
		}
		return io.NopCloser(lr)
	})
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// Create walks srcDir and writes every regular file under it into an
// LZMA-compressed zip at destPath, using paths relative to srcDir as
// zip entry names.
func Create(destPath, srcDir string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = rel
		header.Method = MethodLZMA

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
}

// CreateFile writes a single file into an LZMA-compressed zip at
// destPath, using the file's base name as its entry name. Used for the
// per-task output log, which ships alone.
func CreateFile(destPath, srcFile string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	info, err := os.Stat(srcFile)
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = filepath.Base(srcFile)
	header.Method = MethodLZMA

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	f, err := os.Open(srcFile)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Extract unpacks the zip at srcPath into destDir, rejecting any entry
// whose name would resolve outside destDir.
func Extract(srcPath, destDir string) error {
	r, err := zip.OpenReader(srcPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
			return &tuberrors.PathTraversalError{Target: f.Name}
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// Walk lists every regular file recursively under root, returning paths
// relative to root (slash-separated); the run engine uses it to count a
// run's archived files. A missing root yields nil, nil.
func Walk(root string) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return out, err
}
