package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type fakeGetter struct {
	objects map[string]string
}

func (f *fakeGetter) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func readAll(t *testing.T, src Source) string {
	t.Helper()
	rc, err := OpenText(context.Background(), src)
	if err != nil {
		t.Fatalf("OpenText(%s): %v", src.Name(), err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", src.Name(), err)
	}
	return string(data)
}

func TestParse(t *testing.T) {
	getter := &fakeGetter{}

	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{uri: "public/data/Sales.csv", want: "public/data/Sales.csv"},
		{uri: "file:///tmp/Price.csv", want: "/tmp/Price.csv"},
		{uri: "s3://datasource/Sales.csv", want: "s3://datasource/Sales.csv"},
		{uri: "s3://datasource", wantErr: true},
		{uri: "", wantErr: true},
	}
	for _, tt := range tests {
		src, err := Parse(tt.uri, getter)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error", tt.uri)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.uri, err)
			continue
		}
		if src.Name() != tt.want {
			t.Errorf("Parse(%q).Name() = %q, want %q", tt.uri, src.Name(), tt.want)
		}
	}

	if _, err := Parse("s3://bucket/key.csv", nil); err == nil {
		t.Error("expected error for s3 uri without client")
	}
}

func TestOpenText(t *testing.T) {
	dir := t.TempDir()
	const content = "Client,Warehouse,Product,2020-01-01\nA,W1,P1,10\n"

	t.Run("PlainWithBOM", func(t *testing.T) {
		path := filepath.Join(dir, "bom.csv")
		if err := os.WriteFile(path, []byte("\uFEFF"+content), 0o644); err != nil {
			t.Fatal(err)
		}
		if got := readAll(t, File{Path: path}); got != content {
			t.Errorf("BOM not stripped: %q", got)
		}
	})

	t.Run("UTF16WithBOM", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write([]byte{0xFF, 0xFE})
		for _, r := range content {
			buf.WriteByte(byte(r))
			buf.WriteByte(0)
		}
		path := filepath.Join(dir, "utf16.csv")
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
		if got := readAll(t, File{Path: path}); got != content {
			t.Errorf("UTF-16 not transcoded: %q", got)
		}
	})

	t.Run("Gzip", func(t *testing.T) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Write([]byte(content))
		zw.Close()
		path := filepath.Join(dir, "Sales.csv.gz")
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
		if got := readAll(t, File{Path: path}); got != content {
			t.Errorf("gzip not decoded: %q", got)
		}
	})

	t.Run("Zstd", func(t *testing.T) {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatal(err)
		}
		compressed := enc.EncodeAll([]byte(content), nil)
		enc.Close()
		path := filepath.Join(dir, "Price.csv.zst")
		if err := os.WriteFile(path, compressed, 0o644); err != nil {
			t.Fatal(err)
		}
		if got := readAll(t, File{Path: path}); got != content {
			t.Errorf("zstd not decoded: %q", got)
		}
	})

	t.Run("S3Object", func(t *testing.T) {
		getter := &fakeGetter{objects: map[string]string{"datasource/Sales.csv": content}}
		src := S3Object{Client: getter, Bucket: "datasource", Key: "Sales.csv"}
		if got := readAll(t, src); got != content {
			t.Errorf("unexpected object body: %q", got)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := OpenText(context.Background(), File{Path: filepath.Join(dir, "missing.csv")})
		if !errors.Is(err, ErrInputNotFound) {
			t.Errorf("expected ErrInputNotFound for file, got %v", err)
		}

		src := S3Object{Client: &fakeGetter{}, Bucket: "datasource", Key: "missing.csv"}
		_, err = OpenText(context.Background(), src)
		if !errors.Is(err, ErrInputNotFound) {
			t.Errorf("expected ErrInputNotFound for object, got %v", err)
		}
	})
}
