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

package fault

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("scan: %w", New(OutOfMemory, "allocate", io.ErrShortBuffer))
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.NotErrorIs(t, err, ErrSpillFailure)
	assert.ErrorIs(t, err, io.ErrShortBuffer)
	assert.Equal(t, OutOfMemory, CodeOf(err))
	assert.Equal(t, Fatal, KindOf(err))
	assert.False(t, Retryable(err))
}

func TestKinds(t *testing.T) {
	tr := Transient("put", errors.New("503 slow down"))
	assert.True(t, Retryable(tr))
	assert.Equal(t, StorageFailure, CodeOf(tr))

	assert.False(t, Retryable(Permanent("put", errors.New("403"))))
	assert.Equal(t, Unsupported, KindOf(Unsupportedf("list", "bad token %q", "x")))
	assert.Equal(t, Unsupported, KindOf(New(CapabilityMismatch, "split", nil)))

	assert.Equal(t, Unknown, CodeOf(io.EOF))
	assert.Equal(t, Fatal, KindOf(io.EOF))
	assert.False(t, Retryable(nil))
}

func TestMessage(t *testing.T) {
	err := Errorf(InvalidRowData, "set", "column %q: want int64", "id")
	assert.Equal(t, `set: InvalidRowData: column "id": want int64`, err.Error())
}
