package installer

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Fetcher resolves a package reference to a local archive file.
type Fetcher interface {
	Fetch(ctx context.Context, ref string, destDir string) (string, error)
}

// LocalFetcher serves plain filesystem paths.
type LocalFetcher struct{}

func (LocalFetcher) Fetch(_ context.Context, ref, _ string) (string, error) {
	if _, err := os.Stat(ref); err != nil {
		return "", &Error{Class: ClassIO, Err: fmt.Errorf("archive %s: %w", ref, err)}
	}
	return ref, nil
}

// S3Fetcher downloads s3://bucket/key archives.
type S3Fetcher struct {
	client *s3.Client
}

func NewS3Fetcher(ctx context.Context) (*S3Fetcher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, &Error{Class: ClassIO, Err: fmt.Errorf("aws config: %w", err)}
	}
	return &S3Fetcher{client: s3.NewFromConfig(cfg)}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, ref, destDir string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "s3" {
		return "", &Error{Class: ClassValidation, Err: fmt.Errorf("not an s3 reference: %s", ref)}
	}
	key := strings.TrimPrefix(u.Path, "/")
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", &Error{Class: ClassIO, Err: fmt.Errorf("s3 get %s: %w", ref, err)}
	}
	defer out.Body.Close()

	local := filepath.Join(destDir, filepath.Base(key))
	dst, err := os.Create(local)
	if err != nil {
		return "", &Error{Class: ClassIO, Err: err}
	}
	defer dst.Close()
	if _, err := io.Copy(dst, out.Body); err != nil {
		return "", &Error{Class: ClassIO, Err: fmt.Errorf("downloading %s: %w", ref, err)}
	}
	return local, nil
}

// ResolveFetcher picks a fetcher by reference scheme.
func ResolveFetcher(ctx context.Context, ref string) (Fetcher, error) {
	if strings.HasPrefix(ref, "s3://") {
		return NewS3Fetcher(ctx)
	}
	return LocalFetcher{}, nil
}

// Extract unpacks a .tar.gz archive into destDir, refusing absolute paths and
// parent-directory escapes.
func Extract(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return &Error{Class: ClassIO, Err: err}
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return &Error{Class: ClassValidation, Err: fmt.Errorf("not a gzip archive: %w", err)}
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &Error{Class: ClassValidation, Err: fmt.Errorf("corrupt archive: %w", err)}
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if name == "" || name == "." {
			continue
		}
		if unsafePath(name) {
			return &Error{Class: ClassValidation, Err: fmt.Errorf("archive entry %q escapes the workspace", hdr.Name)}
		}
		target := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return &Error{Class: ClassIO, Err: err}
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return &Error{Class: ClassIO, Err: err}
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return &Error{Class: ClassIO, Err: err}
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return &Error{Class: ClassIO, Err: err}
			}
			if err := out.Close(); err != nil {
				return &Error{Class: ClassIO, Err: err}
			}
		default:
			return &Error{Class: ClassValidation,
				Err: fmt.Errorf("archive entry %q has unsupported type %d", hdr.Name, hdr.Typeflag)}
		}
	}
}
