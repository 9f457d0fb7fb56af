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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfig_MissingFileUsesDefaults(t *testing.T) {
	require.NoError(t, InitConfig(filepath.Join(t.TempDir(), "absent.json")))

	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "haven", cnf.AppIdentifier)
	assert.Equal(t, DEFAULT_MAX_ATTEMPTS, cnf.Queue.MaxAttempts)
	assert.Equal(t, DEFAULT_BACKOFF_BASE_SEC, cnf.Queue.BackoffBaseSec)
	assert.Equal(t, DEFAULT_BACKOFF_CEILING_SEC, cnf.Queue.BackoffCeilingSec)
	assert.Equal(t, DEFAULT_HEARTBEAT_TIMEOUT_SEC, cnf.Lock.HeartbeatTimeoutSec)
}

func TestInitConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "haven.json")
	body := `{"app_identifier":"haven-test","data_dir":"` + dir + `","queue":{"max_attempts":3}}`
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))

	require.NoError(t, InitConfig(file))

	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "haven-test", cnf.AppIdentifier)
	assert.Equal(t, dir, cnf.DataDir)
	assert.Equal(t, 3, cnf.Queue.MaxAttempts)
	// Unspecified fields still get defaults.
	assert.Equal(t, DEFAULT_BATCH_SIZE, cnf.Queue.BatchSize)
}

func TestInitConfig_EnvOverride(t *testing.T) {
	t.Setenv("HAVEN_QUEUE_MAX_ATTEMPTS", "5")
	require.NoError(t, InitConfig(filepath.Join(t.TempDir(), "absent.json")))

	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, 5, cnf.Queue.MaxAttempts)
}

func TestValidate_BackoffCeilingBelowBase(t *testing.T) {
	cnf := &Configuration{
		DataDir: t.TempDir(),
		Queue:   QueueConfig{BackoffBaseSec: 60, BackoffCeilingSec: 10, MaxAttempts: 7},
	}
	err := cnf.validateAndAddDefaults()
	assert.Error(t, err)
}
