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

package partition

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenstore/haven/internal/storeerr"
)

func TestDB_BootstrapsSchema(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	db, err := m.DB("devices")
	require.NoError(t, err)

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDB_CachesHandle(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	first, err := m.DB("devices")
	require.NoError(t, err)
	second, err := m.DB("devices")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestDB_RejectsInvalidName(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.DB("../escape")
	require.Error(t, err)
	assert.True(t, storeerr.Is(err, storeerr.ErrStoreUnavailable))
}

func TestDB_CorruptFileSurfacesTypedError(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	// A partition file that is not a sqlite database at all.
	require.NoError(t, os.WriteFile(m.Path("broken"), []byte("not a database, definitely"), 0o600))

	_, err = m.DB("broken")
	require.Error(t, err)
	assert.True(t, storeerr.Is(err, storeerr.ErrStoreCorrupt), "got: %v", err)
}

func TestList_ReturnsPartitionFiles(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.DB("devices")
	require.NoError(t, err)
	_, err = m.DB("_meta")
	require.NoError(t, err)

	names, err := m.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"devices", "_meta"}, names)
}
