// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package spill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"

	"github.com/SnellerInc/blockspill/fault"
	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// S3API is the subset of *s3.Client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Options configures NewS3Store.
type S3Options struct {
	Region string `json:"region"`
	// Endpoint overrides the service endpoint,
	// e.g. for an S3-compatible object store.
	Endpoint  string `json:"endpoint,omitempty"`
	PathStyle bool   `json:"pathStyle,omitempty"`
	// AccessKeyID and SecretAccessKey select static
	// credentials; Profile selects a shared profile.
	// Otherwise the default credential chain is used.
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	SessionToken    string `json:"sessionToken,omitempty"`
	Profile         string `json:"profile,omitempty"`
}

// S3Store is a Store backed by S3.
type S3Store struct {
	Client S3API
	Logger *zap.Logger
}

// NewS3Store builds an S3 client from opts.
func NewS3Store(ctx context.Context, opts *S3Options, logger *zap.Logger) (*S3Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	load := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	switch {
	case opts.AccessKeyID != "" && opts.SecretAccessKey != "":
		load = append(load, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			opts.SessionToken,
		)))
	case opts.Profile != "":
		load = append(load, config.WithSharedConfigProfile(opts.Profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, load...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return &S3Store{Client: client, Logger: logger}, nil
}

func (s *S3Store) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// s3Error maps an SDK error onto the
// retry classes of Store.
func s3Error(op string, loc Location, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Permanent(op, err)
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fault.Permanent(op, fmt.Errorf("%s: %w", loc, fs.ErrNotExist))
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		switch {
		case code == http.StatusNotFound:
			return fault.Permanent(op, fmt.Errorf("%s: %w", loc, fs.ErrNotExist))
		case code == http.StatusTooManyRequests || code >= 500:
			return fault.Transient(op, err)
		default:
			return fault.Permanent(op, err)
		}
	}
	// no response at all: connection
	// failures and the like
	return fault.Transient(op, err)
}

func (s *S3Store) WriteFile(ctx context.Context, loc Location, buf []byte) (string, error) {
	s.log().Debug("put object", zap.Stringer("location", loc), zap.Int("bytes", len(buf)))
	out, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(loc.Bucket),
		Key:           aws.String(loc.Key),
		Body:          bytes.NewReader(buf),
		ContentLength: aws.Int64(int64(len(buf))),
	})
	if err != nil {
		return "", s3Error("write", loc, err)
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Store) ReadFile(ctx context.Context, loc Location) ([]byte, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, s3Error("read", loc, err)
	}
	defer out.Body.Close()
	buf, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fault.Transient("read", err)
	}
	return buf, nil
}

func (s *S3Store) Remove(ctx context.Context, loc Location) error {
	_, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return s3Error("remove", loc, err)
	}
	return nil
}
