package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStorage implements Storage against a Google Cloud Storage bucket, an
// alternative backend to LocalStorage for the archive sink.
type GCSStorage struct {
	client     *storage.Client
	bucketName string
	baseDir    string
	ctx        context.Context
}

// NewGCSStorage verifies bucketName exists and returns a GCSStorage
// writing under baseDir within it.
func NewGCSStorage(ctx context.Context, bucketName, baseDir string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: create gcs client: %w", err)
	}

	bucket := client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		return nil, fmt.Errorf("storage: access bucket %s: %w", bucketName, err)
	}

	return &GCSStorage{client: client, bucketName: bucketName, baseDir: baseDir, ctx: ctx}, nil
}

func (s *GCSStorage) Write(path string, data []byte) error {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(path))
	w := obj.NewWriter(s.ctx)
	w.ContentType = contentType(path)
	w.CacheControl = cacheControl(path)

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("storage: write to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: close gcs writer: %w", err)
	}
	return nil
}

func (s *GCSStorage) Read(path string) ([]byte, error) {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(path))
	r, err := obj.NewReader(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: read from gcs: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage: read gcs object body: %w", err)
	}
	return data, nil
}

// ReadSeeker reads the whole object into memory to support Seek; large
// archive segments should prefer signed URLs or range requests instead.
func (s *GCSStorage) ReadSeeker(path string) (io.ReadSeeker, error) {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(path))
	r, err := obj.NewReader(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: open gcs object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage: read gcs object: %w", err)
	}
	return &bytesReadSeeker{data: data}, nil
}

func (s *GCSStorage) Delete(path string) error {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(path))
	if err := obj.Delete(s.ctx); err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("storage: delete from gcs: %w", err)
	}
	return nil
}

func (s *GCSStorage) Exists(path string) (bool, error) {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(path))
	_, err := obj.Attrs(s.ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: check gcs object: %w", err)
	}
	return true, nil
}

func (s *GCSStorage) List(dir string) ([]string, error) {
	prefix := s.fullPath(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.client.Bucket(s.bucketName).Objects(s.ctx, &storage.Query{Prefix: prefix})

	var files []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: list gcs objects: %w", err)
		}
		name := attrs.Name
		if len(name) > len(prefix) {
			name = name[len(prefix):]
		}
		if name != "" && !strings.HasSuffix(name, "/") {
			files = append(files, name)
		}
	}
	return files, nil
}

// Close releases the underlying GCS client.
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

// GetSignedURL generates a time-limited URL for direct public access,
// used by /file/download when the backend is GCS rather than local disk.
func (s *GCSStorage) GetSignedURL(path string, expiration time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(expiration),
	}
	url, err := s.client.Bucket(s.bucketName).SignedURL(s.fullPath(path), opts)
	if err != nil {
		return "", fmt.Errorf("storage: generate signed url: %w", err)
	}
	return url, nil
}

func (s *GCSStorage) fullPath(path string) string {
	if s.baseDir == "" {
		return path
	}
	return s.baseDir + "/" + path
}

// contentType picks a MIME type for the two container shapes InitCache
// recognizes (§4.3), falling back to opaque octet-stream for anything else.
func contentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".webm") || strings.HasSuffix(path, ".mkv"):
		return "video/webm"
	case strings.HasSuffix(path, ".mp4") || strings.HasSuffix(path, ".m4s"):
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// cacheControl favors long caching for immutable archive segments; an
// init segment is rewritten once per encoder run so it gets a short TTL.
func cacheControl(path string) string {
	if strings.HasPrefix(path, "init.") || strings.Contains(path, "/init.") {
		return "no-cache, no-store, must-revalidate"
	}
	return "public, max-age=3600"
}

// bytesReadSeeker implements io.ReadSeeker over an in-memory byte slice.
type bytesReadSeeker struct {
	data []byte
	pos  int64
}

func (b *bytesReadSeeker) Read(p []byte) (n int, err error) {
	if b.pos >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n = copy(p, b.data[b.pos:])
	b.pos += int64(n)
	return n, nil
}

func (b *bytesReadSeeker) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = b.pos + offset
	case io.SeekEnd:
		newPos = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("storage: invalid whence")
	}
	if newPos < 0 {
		return 0, fmt.Errorf("storage: negative seek position")
	}
	b.pos = newPos
	return newPos, nil
}
