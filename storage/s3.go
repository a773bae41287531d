// Package storage enthält den optionalen S3-Mirror für heruntergeladene
// PDFs.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"omics-oracle/config"
)

// S3Mirror spiegelt lokal gespeicherte PDFs in einen Bucket.
type S3Mirror struct {
	client *s3.Client
	cfg    *config.Config
}

// NewS3Mirror erstellt den Mirror mit statischen Credentials und
// eigenem Endpoint (MinIO-kompatibel).
func NewS3Mirror(cfg *config.Config) (*S3Mirror, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.S3URL,
				SigningRegion:     cfg.S3Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3Key, cfg.S3Secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	return &S3Mirror{client: s3.NewFromConfig(awsCfg), cfg: cfg}, nil
}

// MirrorPDF lädt eine lokal gespeicherte PDF-Datei in den Bucket und
// gibt den öffentlichen Link zurück.
func (m *S3Mirror) MirrorPDF(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := "pdfs/" + filepath.Base(localPath)
	contentType := "application/pdf"
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &m.cfg.S3Bucket,
		Key:         &key,
		Body:        f,
		ContentType: &contentType,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s", m.cfg.S3URL, m.cfg.S3Bucket, key), nil
}
