package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/duetcode/duet/internal/config"
	"github.com/gabriel-vasile/mimetype"
)

// S3Deps bundles the S3 client, presigner and uploader for the artifact store.
type S3Deps struct {
	Client   *s3.Client
	Presign  *s3.PresignClient
	Uploader *manager.Uploader
	Bucket   string
}

// UploadMeta describes a stored object.
type UploadMeta struct {
	Bucket string
	Key    string
	ETag   string
	SHA256 string
	MIME   string
	SizeB  int64
}

func NewS3(ctx context.Context, cfg *config.Config) (*S3Deps, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3.Region),
	}
	if cfg.S3.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKey, cfg.S3.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = awsv2.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.UsePathStyle
	})

	return &S3Deps{
		Client:   client,
		Presign:  s3.NewPresignClient(client),
		Uploader: manager.NewUploader(client),
		Bucket:   cfg.S3.Bucket,
	}, nil
}

// UploadFormFile stores a multipart upload under a content-addressed key and
// returns its metadata. The MIME type is sniffed from the bytes, not trusted
// from the request.
func (d *S3Deps) UploadFormFile(ctx context.Context, keyPrefix string, fh *multipart.FileHeader) (*UploadMeta, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}

	return d.UploadBytes(ctx, keyPrefix, data)
}

// UploadBytes stores raw bytes under a content-addressed key.
func (d *S3Deps) UploadBytes(ctx context.Context, keyPrefix string, data []byte) (*UploadMeta, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	mtype := mimetype.Detect(data)
	key := fmt.Sprintf("%s/%s%s", keyPrefix, digest, mtype.Extension())

	out, err := d.Uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      awsv2.String(d.Bucket),
		Key:         awsv2.String(key),
		Body:        bytes.NewReader(data),
		ContentType: awsv2.String(mtype.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	etag := ""
	if out.ETag != nil {
		etag = *out.ETag
	}
	return &UploadMeta{
		Bucket: d.Bucket,
		Key:    key,
		ETag:   etag,
		SHA256: digest,
		MIME:   mtype.String(),
		SizeB:  int64(len(data)),
	}, nil
}

// PresignGet returns a time-limited GET URL for a stored object.
func (d *S3Deps) PresignGet(ctx context.Context, key string, expire time.Duration) (string, error) {
	req, err := d.Presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: awsv2.String(d.Bucket),
		Key:    awsv2.String(key),
	}, s3.WithPresignExpires(expire))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}
