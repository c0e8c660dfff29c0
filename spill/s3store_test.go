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
	"io"
	"io/fs"
	"net/http"
	"sync"
	"testing"

	"github.com/SnellerInc/blockspill/fault"
	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	buf, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[*in.Bucket+"/"+*in.Key] = buf
	return &s3.PutObjectOutput{ETag: aws.String(`"` + etag(buf) + `"`)}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(buf))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func responseError(code int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: code}},
			Err:      errors.New(http.StatusText(code)),
		},
	}
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{}
	s := &S3Store{Client: fake}
	loc := base.Child("req", 1)
	tag, err := s.WriteFile(ctx, loc, []byte("payload"))
	require.NoError(t, err)
	assert.Contains(t, tag, "b2sum:")
	buf, err := s.ReadFile(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf))
	require.NoError(t, s.Remove(ctx, loc))
	_, err = s.ReadFile(ctx, loc)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.ErrorIs(t, err, fault.ErrStorageFailure)
	assert.False(t, fault.Retryable(err))
}

func TestS3ErrorClass(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		err       error
		retryable bool
	}{
		{responseError(http.StatusServiceUnavailable), true},
		{responseError(http.StatusTooManyRequests), true},
		{responseError(http.StatusForbidden), false},
		{responseError(http.StatusNotFound), false},
		{errors.New("connection reset by peer"), true},
		{context.Canceled, false},
	} {
		s := &S3Store{Client: &fakeS3{putErr: tc.err}}
		_, err := s.WriteFile(ctx, base.Child("req", 0), []byte("x"))
		require.Error(t, err)
		assert.Equal(t, tc.retryable, fault.Retryable(err), "%v", tc.err)
		assert.ErrorIs(t, err, fault.ErrStorageFailure)
	}
}
