package aws

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
)

type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// LogFetcher pulls audit-log objects from the delivery bucket. Objects
// are gzip-compressed by the trail; plain objects pass through for tests
// and replays.
type LogFetcher struct {
	Client S3Client
}

// NewLogFetcher builds a fetcher over the engine's own credentials; the
// delivery bucket lives in the engine account, not the customer's.
func NewLogFetcher(c *Client) *LogFetcher {
	return &LogFetcher{Client: s3.NewFromConfig(c.Config)}
}

var gzipMagic = []byte{0x1f, 0x8b}

// Fetch downloads and decompresses one log object.
func (f *LogFetcher) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := f.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: sdk.String(bucket),
		Key:    sdk.String(key),
	})
	if err != nil {
		return nil, errs.ClassifyAWS(fmt.Errorf("get s3://%s/%s: %w", bucket, key, err))
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	if bytes.HasPrefix(data, gzipMagic) {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: bad gzip in s3://%s/%s: %v", errs.ErrCorruptPayload, bucket, key, err)
		}
		defer gz.Close()
		if data, err = io.ReadAll(gz); err != nil {
			return nil, fmt.Errorf("%w: bad gzip in s3://%s/%s: %v", errs.ErrCorruptPayload, bucket, key, err)
		}
	}
	return data, nil
}

// ObjectRef names one delivered log object.
type ObjectRef struct {
	Bucket string
	Key    string
}

// ParseS3Notification extracts object references from an S3 event
// notification payload.
func ParseS3Notification(data []byte) ([]ObjectRef, error) {
	var note struct {
		Records []struct {
			S3 struct {
				Bucket struct {
					Name string `json:"name"`
				} `json:"bucket"`
				Object struct {
					Key string `json:"key"`
				} `json:"object"`
			} `json:"s3"`
		} `json:"Records"`
	}
	if err := json.Unmarshal(data, &note); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCorruptPayload, err)
	}
	var refs []ObjectRef
	for _, rec := range note.Records {
		if rec.S3.Bucket.Name == "" || rec.S3.Object.Key == "" {
			continue
		}
		refs = append(refs, ObjectRef{Bucket: rec.S3.Bucket.Name, Key: rec.S3.Object.Key})
	}
	return refs, nil
}
