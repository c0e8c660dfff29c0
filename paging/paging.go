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

// Package paging implements continuation-token
// pagination of metadata listings.
//
// A listing request carries a page size and an
// optional token. An empty token in a request means
// "start"; an empty token in a response means the
// listing is exhausted.
package paging

import (
	"context"
	"strings"

	"github.com/SnellerInc/blockspill/fault"
	"golang.org/x/exp/slices"
)

// UnlimitedPageSize requests every remaining item.
const UnlimitedPageSize = -1

// Request is one call of a paginated listing.
type Request struct {
	PageSize int    `json:"pageSize"`
	Token    string `json:"continuationToken,omitempty"`
}

// Validate rejects page sizes that are
// neither positive nor UnlimitedPageSize.
func (r Request) Validate() error {
	if r.PageSize == 0 || r.PageSize < UnlimitedPageSize {
		return fault.Unsupportedf("paginate", "invalid page size %d", r.PageSize)
	}
	return nil
}

// Page is one response of a paginated listing.
type Page[T any] struct {
	Items     []T    `json:"items"`
	NextToken string `json:"nextToken,omitempty"`
}

// Done reports whether p is the last page.
func (p *Page[T]) Done() bool { return p.NextToken == "" }

// Paginate returns the page of items selected by
// req. Items are ordered by id; the page starts at
// the first item whose id is not less than the token,
// so a token naming a since-removed item still
// resumes at the right place. The next token is the
// id of the first item not returned.
func Paginate[T any](items []T, req Request, id func(T) string) (*Page[T], error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sorted := slices.Clone(items)
	byID := func(a, b T) int { return strings.Compare(id(a), id(b)) }
	slices.SortStableFunc(sorted, byID)

	start := 0
	if req.Token != "" {
		start, _ = slices.BinarySearchFunc(sorted, req.Token, func(v T, tok string) int {
			return strings.Compare(id(v), tok)
		})
	}
	rest := sorted[start:]
	page := &Page[T]{Items: rest}
	if req.PageSize != UnlimitedPageSize && req.PageSize < len(rest) {
		page.Items = rest[:req.PageSize]
		page.NextToken = id(rest[req.PageSize])
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	return page, nil
}

// Fetch returns one page of a listing.
type Fetch[T any] func(ctx context.Context, req Request) (*Page[T], error)

// Collect drives a listing until it is exhausted and
// returns every item. It fails if the listing returns
// the token it was called with, which would never end.
func Collect[T any](ctx context.Context, pageSize int, fetch Fetch[T]) ([]T, error) {
	var out []T
	req := Request{PageSize: pageSize}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.Done() {
			return out, nil
		}
		if page.NextToken == req.Token {
			return nil, fault.Unsupportedf("collect", "continuation token %q did not advance", page.NextToken)
		}
		req.Token = page.NextToken
	}
}
