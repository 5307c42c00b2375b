package ports

import (
	"context"
	"io"
	"path"
	"strings"
)

// PutObjectInput describes one upload. Bucket and Region are the caller's
// storage target; providers without those concepts map them as documented
// on the provider.
type PutObjectInput struct {
	Bucket      string
	Region      string
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

// PutObjectOutput is what a job records as its result.
type PutObjectOutput struct {
	URL       string `json:"url"`
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"key"`
	Size      int64  `json:"size"`
}

// StorageProvider: implementations (s3, localfs, gdrive).
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
}

// ContentTypeForKey maps an object key's extension to the image content
// type stored alongside it.
func ContentTypeForKey(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
