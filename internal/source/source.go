// Package source opens the wide CSV inputs from the local filesystem or an
// S3-compatible bucket and layers decompression and text decoding on top.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrInputNotFound is returned when an input file or object does not exist.
var ErrInputNotFound = errors.New("input not found")

// Source is a re-openable input. Every Open call starts a fresh stream.
type Source interface {
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// File is a local input path.
type File struct {
	Path string
}

// Name returns the file path
func (f File) Name() string { return f.Path }

// Open opens the file for reading
func (f File) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrInputNotFound, f.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Path, err)
	}
	return file, nil
}

// ObjectGetter is the subset of the S3 client used to stream objects.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Object is an input stored in a bucket.
type S3Object struct {
	Client ObjectGetter
	Bucket string
	Key    string
}

// Name returns the s3:// URI of the object
func (o S3Object) Name() string {
	return fmt.Sprintf("s3://%s/%s", o.Bucket, o.Key)
}

// Open streams the object body
func (o S3Object) Open(ctx context.Context) (io.ReadCloser, error) {
	resp, err := o.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.Bucket),
		Key:    aws.String(o.Key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrInputNotFound, o.Name())
		}
		return nil, fmt.Errorf("get object %s: %w", o.Name(), err)
	}
	return resp.Body, nil
}

// Parse builds a Source from a URI. Plain paths and file:// URIs are local;
// s3://bucket/key requires a client.
func Parse(uri string, client ObjectGetter) (Source, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(uri, "s3://"), "/")
		if !ok || bucket == "" || key == "" {
			return nil, fmt.Errorf("invalid s3 uri %q: want s3://bucket/key", uri)
		}
		if client == nil {
			return nil, fmt.Errorf("s3 input %q requires s3 configuration", uri)
		}
		return S3Object{Client: client, Bucket: bucket, Key: key}, nil
	case strings.HasPrefix(uri, "file://"):
		return File{Path: strings.TrimPrefix(uri, "file://")}, nil
	case uri == "":
		return nil, fmt.Errorf("empty input uri")
	default:
		return File{Path: uri}, nil
	}
}
