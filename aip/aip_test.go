package aip

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/preservd/preservd/workflow"
)

func writeTestTree(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "objects"), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, contents := range map[string]string{
		"objects/a.txt": "alpha",
		"objects/b.txt": "bravo",
		"mets.xml":      "<mets/>",
	} {
		if err := os.WriteFile(filepath.Join(src, name), []byte(contents), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return src
}

func TestWriteTarGzip(t *testing.T) {
	src := writeTestTree(t)
	dst := t.TempDir()

	path, err := Write(src, dst, "pkg-1", workflow.CompressionTarGzip, 6)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := path, filepath.Join(dst, "pkg-1.tar.gz"); have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(zr)
	found := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		contents, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		found[hdr.Name] = string(contents)
	}
	if have, want := found["pkg-1/objects/a.txt"], "alpha"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}
	if have, want := found["pkg-1/mets.xml"], "<mets/>"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}
}

func TestWriteUncompressed(t *testing.T) {
	src := writeTestTree(t)
	dst := t.TempDir()

	path, err := Write(src, dst, "pkg-2", workflow.CompressionUncompressed, 1)
	if err != nil {
		t.Fatal(err)
	}
	contents, err := os.ReadFile(filepath.Join(path, "objects", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(contents), "bravo"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}
}

func TestExtension(t *testing.T) {
	for _, test := range []struct {
		alg  workflow.AIPCompressionAlgorithm
		want string
	}{
		{workflow.CompressionTar, ".tar"},
		{workflow.Compression7zCopy, ".tar"},
		{workflow.CompressionTarGzip, ".tar.gz"},
		{workflow.CompressionTarBzip2, ".tar.bz2"},
		{workflow.Compression7zBzip2, ".tar.bz2"},
		{workflow.Compression7zLzma, ".tar.xz"},
		{workflow.CompressionUncompressed, ""},
	} {
		if have := Extension(test.alg); have != test.want {
			t.Errorf("%s: have: %q, want: %q", test.alg, have, test.want)
		}
	}
}
