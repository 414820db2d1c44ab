package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strconv"
	"time"

	"hastypaste/pkg/domain"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	pkgerrors "github.com/pkg/errors"
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	s3.ListObjectsV2APIClient
}

type S3Opts struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3 keeps the raw content as the object body and the paste meta as object
// metadata, keyed by paste id.
type S3 struct {
	client   s3API
	bucket   string
	pageSize int32
}

func NewS3(ctx context.Context, o S3Opts) (*S3, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(o.Region)}
	if o.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKeyID, o.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, domain.NewOpError("load aws config", domain.ErrConfig, err)
	}
	client := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
		}
		so.UsePathStyle = o.UsePathStyle
	})
	return newS3WithClient(client, o.Bucket), nil
}
func newS3WithClient(client s3API, bucket string) *S3 {
	return &S3{client: client, bucket: bucket, pageSize: 1000}
}

func metaToS3(m *domain.PasteMeta) map[string]string {
	md := map[string]string{
		"version":     strconv.Itoa(m.Version),
		"creation_dt": s3Time(m.CreationDT),
	}
	if m.ExpireDT != nil {
		md["expire_dt"] = s3Time(*m.ExpireDT)
	}
	if m.LexerName != "" {
		md["lexer_name"] = m.LexerName
	}
	if m.Title != "" {
		// titles may hold characters object metadata cannot carry
		md["title"] = base64.StdEncoding.EncodeToString([]byte(m.Title))
	}
	return md
}
func s3Time(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// s3ToMeta rebuilds the meta through the same decoder as the disk header so
// version checks behave identically.
func s3ToMeta(id string, md map[string]string) (*domain.PasteMeta, error) {
	w := map[string]any{
		"paste_id":    id,
		"creation_dt": md["creation_dt"],
	}
	if v, ok := md["version"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, domain.NewOpError("decode meta", domain.ErrMetaUnprocessable, err)
		}
		w["version"] = n
	}
	if v, ok := md["expire_dt"]; ok && v != "" {
		w["expire_dt"] = v
	}
	if v, ok := md["lexer_name"]; ok && v != "" {
		w["lexer_name"] = v
	}
	if v, ok := md["title"]; ok && v != "" {
		t, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, domain.NewOpError("decode meta", domain.ErrMetaUnprocessable, err)
		}
		w["title"] = string(t)
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, domain.NewOpError("decode meta", domain.ErrMetaUnprocessable, err)
	}
	return domain.DecodeMeta(b)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}

func (s *S3) WritePaste(ctx context.Context, id string, meta *domain.PasteMeta, content io.Reader) error {
	if err := domain.ValidateID(id); err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, content); err != nil {
		return pkgerrors.Wrapf(err, "write paste %s", id)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(id),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      metaToS3(meta),
	})
	if err != nil {
		if passThrough(err) {
			return pkgerrors.Wrapf(err, "write paste %s", id)
		}
		return storageErr("s3", "put", id, err)
	}
	return nil
}
func (s *S3) ReadMeta(ctx context.Context, id string) (*domain.PasteMeta, bool, error) {
	if err := domain.ValidateID(id); err != nil {
		return nil, false, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, storageErr("s3", "head", id, err)
	}
	m, err := s3ToMeta(id, out.Metadata)
	if err != nil {
		return nil, false, pkgerrors.Wrapf(err, "paste %s", id)
	}
	return m, true, nil
}
func (s *S3) ReadRaw(ctx context.Context, id string) ([]byte, bool, error) {
	if err := domain.ValidateID(id); err != nil {
		return nil, false, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, storageErr("s3", "get", id, err)
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, storageErr("s3", "get", id, err)
	}
	return raw, true, nil
}

// IDs pages through ListObjectsV2, one page in memory at a time.
func (s *S3) IDs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket:  aws.String(s.bucket),
			MaxKeys: aws.Int32(s.pageSize),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				if passThrough(err) {
					yield("", err)
				} else {
					yield("", storageErr("s3", "list", "", err))
				}
				return
			}
			for _, obj := range page.Contents {
				if obj.Key == nil {
					continue
				}
				if !yield(*obj.Key, nil) {
					return
				}
			}
		}
	}
}
func (s *S3) DeletePaste(ctx context.Context, id string) error {
	if err := domain.ValidateID(id); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil && !isNotFound(err) {
		return storageErr("s3", "delete", id, err)
	}
	return nil
}
func (s *S3) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return storageErr("s3", "ping", "", err)
	}
	return nil
}
func (s *S3) Close() error { return nil }
