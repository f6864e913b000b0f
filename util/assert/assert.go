// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package assert

import (
	"reflect"
	"testing"
)

// Equal fails the test if expected and actual are not deeply equal.
func Equal(t *testing.T, actual, expected interface{}) {
	t.Helper()
	if !reflect.DeepEqual(actual, expected) {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

// True fails the test if v is false.
func True(t *testing.T, v bool) {
	t.Helper()
	if !v {
		t.Fatalf("expected true")
	}
}

// Nil fails the test if err is non-nil.
func Nil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// NotNil fails the test if err is nil.
func NotNil(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}
