package localfs

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"pagesnap/internal/ports"
)

// LocalFS implements ports.StorageProvider on the local filesystem.
// Objects live at root/bucket/key; Region is ignored.
type LocalFS struct {
	root    string
	baseURL string
}

// New stores under root. When baseURL is set, returned URLs are
// baseURL/bucket/key, otherwise file:// URLs.
func New(root, baseURL string) *LocalFS {
	return &LocalFS{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

func (l *LocalFS) Provider() string { return "localfs" }

func (l *LocalFS) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	dst, err := l.path(in.Bucket, in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ports.PutObjectOutput{}, err
	}

	// Write to a temp file and rename so readers never see a partial image.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, readerWithContext(ctx, in.Reader))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return ports.PutObjectOutput{}, err
	}

	return ports.PutObjectOutput{
		URL:       l.url(in.Bucket, in.ObjectKey, dst),
		Bucket:    in.Bucket,
		ObjectKey: in.ObjectKey,
		Size:      n,
	}, nil
}

// path resolves bucket and key under root and refuses anything that
// escapes it.
func (l *LocalFS) path(bucket, key string) (string, error) {
	root, err := filepath.Abs(l.root)
	if err != nil {
		return "", err
	}
	p := filepath.Join(root, filepath.FromSlash(bucket), filepath.FromSlash(key))
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object key %q escapes storage root", key)
	}
	return p, nil
}

func (l *LocalFS) url(bucket, key, dst string) string {
	if l.baseURL == "" {
		return (&url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}).String()
	}
	u := l.baseURL
	if bucket != "" {
		u += "/" + url.PathEscape(bucket)
	}
	for _, seg := range strings.Split(key, "/") {
		u += "/" + url.PathEscape(seg)
	}
	return u
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	if r == nil {
		return strings.NewReader("")
	}
	return ctxReader{ctx: ctx, r: r}
}
