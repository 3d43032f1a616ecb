// Package input opens FASTQ inputs from local files, stdin or S3, with
// transparent gzip and zstd decompression.
package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Stdin is the path that selects standard input.
const Stdin = "-"

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Opener opens inputs. The zero value reads local files and stdin, and
// creates an S3 client from the shared AWS config on first use.
type Opener struct {
	S3    s3iface.S3API
	Stdin io.Reader
}

// Open opens path with the default opener.
func Open(ctx context.Context, path string) (io.ReadCloser, error) {
	var o Opener
	return o.Open(ctx, path)
}

// Open returns a reader over the decompressed contents of path.
func (o *Opener) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	switch {
	case path == "" || path == Stdin:
		in := o.Stdin
		if in == nil {
			in = os.Stdin
		}
		return wrapMaybeCompressed(path, in, func() error { return nil })
	case strings.HasPrefix(path, "s3://"):
		body, err := o.openS3(ctx, path)
		if err != nil {
			return nil, err
		}
		return wrapMaybeCompressed(path, body, body.Close)
	}

	f, err := os.Open(path) //nolint:gosec // CLI tool needs to open user-specified files
	if err != nil {
		return nil, fmt.Errorf("cannot open input: %w", err)
	}
	return wrapMaybeCompressed(path, f, f.Close)
}

// Seekable reports whether path is a plain local file that can be split
// into byte ranges without reading it front to back.
func Seekable(path string) bool {
	if path == "" || path == Stdin || strings.HasPrefix(path, "s3://") {
		return false
	}
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".gz") || strings.HasSuffix(lower, ".zst") {
		return false
	}
	f, err := os.Open(path) //nolint:gosec // probing user-specified file
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	var head [4]byte
	n, _ := io.ReadFull(f, head[:])
	return !hasPrefix(head[:n], gzipMagic) && !hasPrefix(head[:n], zstdMagic)
}

// Size returns the size of a local file, or 0 when it cannot be determined.
func Size(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}

// ParseS3 splits an s3://bucket/key URL.
func ParseS3(path string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(path, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 url: %q", path)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 url %q needs a bucket and a key", path)
	}
	return bucket, key, nil
}

func (o *Opener) openS3(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, key, err := ParseS3(path)
	if err != nil {
		return nil, err
	}
	if o.S3 == nil {
		sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
		if err != nil {
			return nil, fmt.Errorf("creating aws session: %w", err)
		}
		o.S3 = s3.New(sess)
	}
	out, err := o.S3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot open input %s: %w", path, err)
	}
	return out.Body, nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

func wrapMaybeCompressed(path string, in io.Reader, closeInput func() error) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(in, 1<<20)
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		_ = closeInput()
		return nil, fmt.Errorf("cannot inspect input: %w", err)
	}
	lower := strings.ToLower(path)

	switch {
	case strings.HasSuffix(lower, ".gz") || hasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			_ = closeInput()
			return nil, fmt.Errorf("cannot open gzip input: %w", err)
		}
		return readCloser{Reader: gz, close: func() error {
			return errors.Join(gz.Close(), closeInput())
		}}, nil
	case strings.HasSuffix(lower, ".zst") || hasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			_ = closeInput()
			return nil, fmt.Errorf("cannot open zstd input: %w", err)
		}
		return readCloser{Reader: zr, close: func() error {
			zr.Close()
			return closeInput()
		}}, nil
	}

	return readCloser{Reader: br, close: closeInput}, nil
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}
