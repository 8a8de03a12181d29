// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseKindRoundTrip verifies every kind parses back from its name.
func TestParseKindRoundTrip(t *testing.T) {
	for _, k := range AllKinds() {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err, k.String())
		assert.Equal(t, k, parsed)
	}
}

// TestParseKindUnknown verifies unknown names are rejected.
func TestParseKindUnknown(t *testing.T) {
	_, err := ParseKind("quantum")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "quantum")
}

// TestPrimaryKindsExcludesAccelerators verifies file and key_value are not
// counted toward strategy selection.
func TestPrimaryKindsExcludesAccelerators(t *testing.T) {
	primaries := PrimaryKinds()
	assert.Len(t, primaries, 4)
	assert.NotContains(t, primaries, KindFile)
	assert.NotContains(t, primaries, KindKeyValue)
}

// TestClassifyWrappedError verifies Classify sees through fmt.Errorf wrapping.
func TestClassifyWrappedError(t *testing.T) {
	base := NewError(ClassDeadlock, KindRelational, "insert", errors.New("deadlock detected"))
	wrapped := fmt.Errorf("step failed: %w", base)

	assert.Equal(t, ClassDeadlock, Classify(wrapped))
	assert.True(t, IsRetriable(wrapped))
}

// TestClassifyRetriability covers the retry matrix.
func TestClassifyRetriability(t *testing.T) {
	tests := []struct {
		class     ErrorClass
		retriable bool
	}{
		{ClassConnectionLost, true},
		{ClassDeadlock, true},
		{ClassTimeout, true},
		{ClassConstraintViolation, false},
		{ClassSyntax, false},
		{ClassGovernance, false},
		{ClassAuth, false},
		{ClassUnavailable, false},
		{ClassUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.class.String(), func(t *testing.T) {
			assert.Equal(t, tt.retriable, tt.class.Retriable())
		})
	}
}

// TestClassifyUntaggedError verifies plain errors fall back to ClassUnknown.
func TestClassifyUntaggedError(t *testing.T) {
	assert.Equal(t, ClassUnknown, Classify(errors.New("something")))
	assert.False(t, IsRetriable(errors.New("something")))
}

// TestCrudResultHelpers verifies OK/Fail and typed accessors.
func TestCrudResultHelpers(t *testing.T) {
	ok := OK(map[string]any{"id": "row-1", "count": 3})
	assert.True(t, ok.Success)
	assert.Equal(t, "row-1", ok.GetString("id"))
	assert.Equal(t, "", ok.GetString("count")) // mistyped access is soft

	fail := Fail(NewError(ClassUnavailable, KindVector, "search", nil))
	assert.False(t, fail.Success)
	assert.Equal(t, ClassUnavailable, fail.Class())
	assert.Contains(t, fail.Message, "backend_unavailable")
}
