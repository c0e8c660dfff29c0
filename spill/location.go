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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Location is an address in external storage.
// Spill bases are directories; each spilled
// Block lives in a distinct child object.
type Location struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	Directory bool   `json:"directory"`
}

// ParseLocation parses "s3://bucket/key" or
// "bucket/key". A trailing slash marks a directory.
func ParseLocation(uri string) (Location, error) {
	rest := strings.TrimPrefix(uri, "s3://")
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("location %q has no bucket", uri)
	}
	l := Location{
		Bucket:    bucket,
		Key:       strings.TrimSuffix(key, "/"),
		Directory: key == "" || strings.HasSuffix(key, "/"),
	}
	return l, nil
}

// Join returns the directory l/parts...
func (l Location) Join(parts ...string) Location {
	key := strings.Trim(l.Key, "/")
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		if key != "" {
			key += "/"
		}
		key += p
	}
	return Location{Bucket: l.Bucket, Key: key, Directory: true}
}

// Child returns the object that holds spilled
// block seq of request requestID under l:
//
//	l.Key + "/" + requestID + "/" + seq
func (l Location) Child(requestID string, seq int) Location {
	c := l.Join(requestID, strconv.Itoa(seq))
	c.Directory = false
	return c
}

// Path is bucket/key; it names the object
// independent of the storage scheme.
func (l Location) Path() string {
	if l.Key == "" {
		return l.Bucket
	}
	return l.Bucket + "/" + l.Key
}

func (l Location) String() string {
	s := "s3://" + l.Path()
	if l.Directory {
		s += "/"
	}
	return s
}

// UnmarshalJSON accepts either the object form
// or a location string understood by ParseLocation.
func (l *Location) UnmarshalJSON(b []byte) error {
	var uri string
	if err := json.Unmarshal(b, &uri); err == nil {
		loc, err := ParseLocation(uri)
		if err != nil {
			return err
		}
		*l = loc
		return nil
	}
	type plain Location
	return json.Unmarshal(b, (*plain)(l))
}
