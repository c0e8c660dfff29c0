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

// Package constraint provides the predicates used
// to reject rows before they occupy Block space.
package constraint

import (
	"golang.org/x/exp/slices"
)

// Evaluator decides whether a value for
// a column may be admitted.
//
// Implementations must be pure: the same
// (column, value) always yields the same answer.
type Evaluator interface {
	Apply(column string, value any) bool
}

type empty struct{}

func (empty) Apply(string, any) bool { return true }

func (empty) Columns() []string { return nil }

// Empty returns the evaluator that admits everything.
func Empty() Evaluator { return empty{} }

// ValueSet is the set of values
// admitted for a single column.
type ValueSet interface {
	Contains(v any) bool
}

type evaluator struct {
	sets map[string]ValueSet
	cols []string
}

// New returns an Evaluator that applies sets[c] to
// column c. Columns without a set are unconstrained.
func New(sets map[string]ValueSet) Evaluator {
	if len(sets) == 0 {
		return Empty()
	}
	e := &evaluator{sets: make(map[string]ValueSet, len(sets))}
	for k, v := range sets {
		e.sets[k] = v
		e.cols = append(e.cols, k)
	}
	slices.Sort(e.cols)
	return e
}

func (e *evaluator) Apply(column string, value any) bool {
	s, ok := e.sets[column]
	if !ok {
		return true
	}
	return s.Contains(value)
}

func (e *evaluator) Columns() []string {
	return slices.Clone(e.cols)
}

// Columns returns the sorted names of the columns
// that ev constrains. Evaluators that do not report
// their columns are assumed to constrain nothing.
func Columns(ev Evaluator) []string {
	if c, ok := ev.(interface{ Columns() []string }); ok {
		return c.Columns()
	}
	return nil
}

// Matches reports whether every value in row is
// admitted by ev. Every column is evaluated, including
// constrained columns missing from row, which are
// evaluated as null.
func Matches(ev Evaluator, row map[string]any) bool {
	ok := true
	for k, v := range row {
		m := ev.Apply(k, v)
		ok = ok && m
	}
	for _, c := range Columns(ev) {
		if _, present := row[c]; !present {
			m := ev.Apply(c, nil)
			ok = ok && m
		}
	}
	return ok
}

// AllOrNone admits every non-null value or none of them.
type AllOrNone struct {
	All         bool
	NullAllowed bool
}

func (a AllOrNone) Contains(v any) bool {
	if v == nil {
		return a.NullAllowed
	}
	return a.All
}

// Equatable admits the listed values (WhiteList)
// or everything except them.
type Equatable struct {
	Values      []any
	WhiteList   bool
	NullAllowed bool
}

func (e Equatable) Contains(v any) bool {
	if v == nil {
		return e.NullAllowed
	}
	found := false
	for _, x := range e.Values {
		if c, ok := Compare(x, v); ok && c == 0 {
			found = true
			break
		}
	}
	return found == e.WhiteList
}
