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

package haven

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenstore/haven/internal/storeerr"
)

type testNote struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

func TestCodecRegistryRoundTrip(t *testing.T) {
	reg := NewCodecRegistry()
	require.NoError(t, reg.Register(100, "note", JSONCodec{Factory: func() interface{} { return &testNote{} }}))

	data, err := reg.Encode(100, &testNote{Title: "groceries", Body: "milk"})
	require.NoError(t, err)

	value, err := reg.Decode(100, data)
	require.NoError(t, err)
	note, ok := value.(*testNote)
	require.True(t, ok)
	assert.Equal(t, "groceries", note.Title)
	assert.Equal(t, "milk", note.Body)
}

func TestCodecRegistryRejectsDuplicateTypeID(t *testing.T) {
	reg := NewCodecRegistry()
	codec := JSONCodec{Factory: func() interface{} { return &testNote{} }}

	require.NoError(t, reg.Register(100, "note", codec))
	err := reg.Register(100, "task", codec)
	require.Error(t, err)
	assert.True(t, storeerr.Is(err, storeerr.ErrDuplicateTypeID))
	assert.Contains(t, err.Error(), "note")
	assert.Contains(t, err.Error(), "task")
}

func TestCodecRegistryUnknownTypeID(t *testing.T) {
	reg := NewCodecRegistry()

	_, err := reg.Decode(9, []byte("{}"))
	require.Error(t, err)
	assert.True(t, storeerr.Is(err, storeerr.ErrUnknownType))

	_, err = reg.Encode(9, &testNote{})
	require.Error(t, err)
	assert.True(t, storeerr.Is(err, storeerr.ErrUnknownType))

	assert.False(t, reg.Registered(9))
}

func TestJSONCodecToleratesUnknownFields(t *testing.T) {
	codec := JSONCodec{Factory: func() interface{} { return &testNote{} }}

	// A newer writer may add fields; an older codec must still decode.
	value, err := codec.Decode([]byte(`{"title":"t","color":"red"}`))
	require.NoError(t, err)
	assert.Equal(t, "t", value.(*testNote).Title)
}
