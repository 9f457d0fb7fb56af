/*
Copyright 2024 Haven Storage Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storeerr

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want FailureClass
	}{
		{ErrStoreUnavailable, ClassTransient},
		{ErrCommitFailed, ClassTransient},
		{ErrTransactionInProgress, ClassTransient},
		{ErrStoreCorrupt, ClassManual},
		{ErrVerificationFailed, ClassManual},
		{ErrConflict, ClassManual},
		{ErrPoisonThresholdExceeded, ClassPermanent},
		{ErrUnknownType, ClassPermanent},
		{ErrSchemaIncompatible, ClassPermanent},
		{ErrReplayFailed, ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(New(tt.code, "boom")))
		})
	}
}

func TestClassOfSurvivesWrapping(t *testing.T) {
	err := Wrap(errors.New("disk vanished"), ErrStoreUnavailable, "opening partition")
	wrapped := errors.Wrap(err, "queue pass")

	assert.Equal(t, ClassTransient, ClassOf(wrapped))
	assert.Equal(t, ErrStoreUnavailable, CodeOf(wrapped))
}

func TestClassOfUnknownErrorIsPermanent(t *testing.T) {
	assert.Equal(t, ClassPermanent, ClassOf(errors.New("not a store error")))
}

func TestFailureClassString(t *testing.T) {
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "manual", ClassManual.String())
}
