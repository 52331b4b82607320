// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archive sobe volumes de fita fechados para um bucket S3 (ou
// compatível), para guarda offsite.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nishisan-dev/n-ndmp/internal/config"
)

// Uploader envia volumes para o bucket configurado.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewUploader monta o client S3 a partir da configuração. Com
// access_key/secret_key vazios cai na resolução default do SDK
// (ambiente, instance profile etc).
func NewUploader(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With("component", "archive"),
	}, nil
}

// Key devolve a chave do objeto para um volume: prefixo, nome do volume
// e o mtime para versionar uploads sucessivos do mesmo volume.
func (u *Uploader) Key(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("archive: stat volume: %w", err)
	}
	stamp := fi.ModTime().UTC().Format("2006-01-02T15-04-05")
	return fmt.Sprintf("%s/%s/%s", u.prefix, filepath.Base(path), stamp), nil
}

// UploadVolume sobe um volume fechado e devolve a chave gravada.
func (u *Uploader) UploadVolume(ctx context.Context, path string) (string, error) {
	key, err := u.Key(path)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("archive: opening volume: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("archive: stat volume: %w", err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
	})
	if err != nil {
		return "", fmt.Errorf("archive: uploading %s: %w", path, err)
	}

	u.logger.Info("volume archived", "volume", path, "bucket", u.bucket, "key", key, "bytes", fi.Size())
	return key, nil
}
