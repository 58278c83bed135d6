package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"trial-sync/config"
)

// S3Archive keeps raw documents and database backups in an S3-compatible bucket.
type S3Archive struct {
	Client  *s3.Client
	Bucket  string
	BaseURL string
}

// NewS3Archive creates the archive client for the configured endpoint.
func NewS3Archive(ctx context.Context, cfg *config.Config) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.ArchiveS3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.ArchiveS3Key, cfg.ArchiveS3Secret, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.ArchiveS3URL)
		o.UsePathStyle = true
	})
	return &S3Archive{
		Client:  client,
		Bucket:  cfg.ArchiveS3Bucket,
		BaseURL: strings.TrimRight(cfg.ArchiveS3URL, "/"),
	}, nil
}

// Put uploads a raw JSON document under key and returns its link.
func (a *S3Archive) Put(ctx context.Context, key string, data []byte) (string, error) {
	return a.Upload(ctx, key, "application/json", data)
}

// Upload stores data under key and returns its link.
func (a *S3Archive) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	_, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return fmt.Sprintf("%s/%s/%s", a.BaseURL, a.Bucket, key), nil
}

// RawDocumentKey is the object key of one raw document version.
func RawDocumentKey(nctID, fingerprint string) string {
	return fmt.Sprintf("studies/%s/%s.json", nctID, fingerprint)
}

// Prune keeps the newest keep objects under prefix and deletes the rest. It returns the deleted
// keys.
func (a *S3Archive) Prune(ctx context.Context, prefix string, keep int) ([]string, error) {
	var objects []types.Object
	p := s3.NewListObjectsV2Paginator(a.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.Bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		objects = append(objects, page.Contents...)
	}

	expired := expiredKeys(objects, keep)
	for _, key := range expired {
		if _, err := a.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			return nil, fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return expired, nil
}

// expiredKeys returns the keys of all but the keep most recently modified objects.
func expiredKeys(objects []types.Object, keep int) []string {
	if len(objects) <= keep {
		return nil
	}
	sorted := make([]types.Object, len(objects))
	copy(sorted, objects)
	sort.Slice(sorted, func(i, j int) bool {
		return aws.ToTime(sorted[i].LastModified).After(aws.ToTime(sorted[j].LastModified))
	})
	out := make([]string, 0, len(sorted)-keep)
	for _, obj := range sorted[keep:] {
		out = append(out, aws.ToString(obj.Key))
	}
	return out
}
