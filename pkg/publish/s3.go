package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/warptools/sciflo/sfapi"
)

type S3Config struct {
	Bucket   string `yaml:"bucket" json:"bucket"`
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// NewS3Client builds a client from the default credential chain.
// A non-empty endpoint replaces the AWS one, for s3-compatible stores.
//
// Errors:
//
// 	- sciflo-error-config -- when the aws configuration cannot be loaded
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
					SigningRegion:     cfg.Region,
				}, nil
			})))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, sfapi.ErrorConfig("aws", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// S3Publisher uploads result files to a bucket and hands out s3:// urls.
type S3Publisher struct {
	client *s3.Client
	cfg    S3Config
	// Root is stripped from local paths to form object keys.
	Root string
}

// NewS3Publisher makes sure the bucket is reachable before returning.
//
// Errors:
//
// 	- sciflo-error-config -- when the aws configuration cannot be loaded
// 	- sciflo-error-io -- when the bucket cannot be accessed
func NewS3Publisher(ctx context.Context, cfg S3Config, root string) (*S3Publisher, error) {
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, sfapi.ErrorIo(fmt.Sprintf("could not access bucket %q", cfg.Bucket), cfg.Bucket, err)
	}
	return &S3Publisher{client: client, cfg: cfg, Root: root}, nil
}

func (pub *S3Publisher) key(localPath string) string {
	rel, err := filepath.Rel(pub.Root, localPath)
	if err != nil || pub.Root == "" {
		rel = filepath.Base(localPath)
	}
	return path.Join(pub.cfg.Prefix, filepath.ToSlash(rel))
}

func (pub *S3Publisher) has(ctx context.Context, key string) (bool, error) {
	_, err := pub.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(pub.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var responseError *awshttp.ResponseError
		if errors.As(err, &responseError) && responseError.ResponseError.HTTPStatusCode() == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Publish uploads localPath unless an object with the same key exists.
// Result files are content-stable per unit, so an existing key is not re-uploaded.
func (pub *S3Publisher) Publish(ctx context.Context, localPath string) (string, error) {
	key := pub.key(localPath)
	url := "s3://" + pub.cfg.Bucket + "/" + key
	exists, err := pub.has(ctx, key)
	if err != nil {
		return "", sfapi.ErrorIo("checking published object", url, err)
	}
	if exists {
		return url, nil
	}
	file, err := os.Open(localPath)
	if err != nil {
		return "", sfapi.ErrorIo("opening result file", localPath, err)
	}
	defer file.Close()

	uploader := manager.NewUploader(pub.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(pub.cfg.Bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return "", sfapi.ErrorIo("uploading result file", url, err)
	}
	return url, nil
}

// Download fetches s3://bucket/key into dest.
//
// Errors:
//
// 	- sciflo-error-io -- when the object cannot be fetched or written
func Download(ctx context.Context, client *s3.Client, bucket, key, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return sfapi.ErrorIo("creating download target", dest, err)
	}
	defer f.Close()
	downloader := manager.NewDownloader(client)
	_, err = downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return sfapi.ErrorIo("downloading object", "s3://"+bucket+"/"+key, err)
	}
	return nil
}
