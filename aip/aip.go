// Package aip builds the final archival package from a processed working
// directory: a tar stream wrapped in the configured compression.
package aip

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/preservd/preservd/workflow"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"
)

// Extension returns the container filename extension for an algorithm.
func Extension(alg workflow.AIPCompressionAlgorithm) string {
	switch alg {
	case workflow.CompressionTar, workflow.Compression7zCopy:
		return ".tar"
	case workflow.CompressionTarGzip:
		return ".tar.gz"
	case workflow.CompressionTarBzip2, workflow.Compression7zBzip2:
		return ".tar.bz2"
	case workflow.Compression7zLzma:
		return ".tar.xz"
	}
	return ""
}

// Write packages srcDir into dstDir under name using the configured
// algorithm and level, returning the path of what was written. The
// uncompressed algorithm copies the tree as-is. The 7-Zip algorithm
// variants are written as tar containers with the matching compression
// stream; the copy variant maps to plain tar.
func Write(srcDir, dstDir, name string, alg workflow.AIPCompressionAlgorithm, level int) (string, error) {
	if alg == workflow.CompressionUncompressed {
		dst := filepath.Join(dstDir, name)
		return dst, copyTree(srcDir, dst)
	}

	dst := filepath.Join(dstDir, name+Extension(alg))
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var closers []io.Closer

	switch alg {
	case workflow.CompressionTar, workflow.Compression7zCopy:
		// bare container
	case workflow.CompressionTarGzip:
		zw, err := gzip.NewWriterLevel(f, level)
		if err != nil {
			return "", fmt.Errorf("gzip writer: %w", err)
		}
		w, closers = zw, append(closers, zw)
	case workflow.CompressionTarBzip2, workflow.Compression7zBzip2:
		zw, err := bzip2.NewWriter(f, &bzip2.WriterConfig{Level: level})
		if err != nil {
			return "", fmt.Errorf("bzip2 writer: %w", err)
		}
		w, closers = zw, append(closers, zw)
	case workflow.Compression7zLzma:
		// the xz stream has no 1-9 level dial; level only selects the
		// compression for the other algorithms
		zw, err := xz.NewWriter(f)
		if err != nil {
			return "", fmt.Errorf("xz writer: %w", err)
		}
		w, closers = zw, append(closers, zw)
	default:
		return "", fmt.Errorf("%w: %s", workflow.ErrInvalidCompressionAlgorithm, alg)
	}

	tw := tar.NewWriter(w)
	if err = writeTar(tw, srcDir, name); err != nil {
		return "", err
	}
	if err = tw.Close(); err != nil {
		return "", fmt.Errorf("closing tar: %w", err)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err = closers[i].Close(); err != nil {
			return "", fmt.Errorf("closing compressor: %w", err)
		}
	}
	return dst, f.Close()
}

// writeTar streams every regular file under srcDir into tw, rooted at
// prefix.
func writeTar(tw *tar.Writer, srcDir, prefix string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.Join(prefix, rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err = tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

func copyTree(srcDir, dstDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(dstDir, rel)
		if info.IsDir() {
			return os.MkdirAll(dst, info.Mode())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		if _, err = io.Copy(out, src); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
