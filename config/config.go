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
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_DATA_DIR = "./haven-data"

	// Queue defaults per the retry policy: base 2s doubling per attempt,
	// capped at 10 minutes, quarantined after 7 attempts.
	DEFAULT_MAX_ATTEMPTS        = 7
	DEFAULT_BACKOFF_BASE_SEC    = 2
	DEFAULT_BACKOFF_CEILING_SEC = 600
	DEFAULT_BATCH_SIZE          = 25
	DEFAULT_OVERFETCH_FACTOR    = 4

	DEFAULT_HEARTBEAT_TIMEOUT_SEC  = 120
	DEFAULT_HEARTBEAT_INTERVAL_SEC = 30

	DEFAULT_APPLIED_RETENTION_MIN = 60
	DEFAULT_FAILED_RETENTION_HRS  = 24
	DEFAULT_POISON_RETENTION_DAYS = 30
)

var ConfigStore atomic.Value

type QueueConfig struct {
	MaxAttempts       int `json:"max_attempts" envconfig:"HAVEN_QUEUE_MAX_ATTEMPTS"`
	BackoffBaseSec    int `json:"backoff_base_sec" envconfig:"HAVEN_QUEUE_BACKOFF_BASE_SEC"`
	BackoffCeilingSec int `json:"backoff_ceiling_sec" envconfig:"HAVEN_QUEUE_BACKOFF_CEILING_SEC"`
	BatchSize         int `json:"batch_size" envconfig:"HAVEN_QUEUE_BATCH_SIZE"`
	OverfetchFactor   int `json:"overfetch_factor" envconfig:"HAVEN_QUEUE_OVERFETCH_FACTOR"`
	PoisonRetention   int `json:"poison_retention_days" envconfig:"HAVEN_QUEUE_POISON_RETENTION_DAYS"`
}

type TransactionConfig struct {
	AppliedRetentionMin int `json:"applied_retention_min" envconfig:"HAVEN_TXN_APPLIED_RETENTION_MIN"`
	FailedRetentionHrs  int `json:"failed_retention_hrs" envconfig:"HAVEN_TXN_FAILED_RETENTION_HRS"`
}

type LockConfig struct {
	HeartbeatTimeoutSec  int `json:"heartbeat_timeout_sec" envconfig:"HAVEN_LOCK_HEARTBEAT_TIMEOUT_SEC"`
	HeartbeatIntervalSec int `json:"heartbeat_interval_sec" envconfig:"HAVEN_LOCK_HEARTBEAT_INTERVAL_SEC"`
}

type AuditConfig struct {
	SensitiveKeys []string `json:"sensitive_keys" envconfig:"HAVEN_AUDIT_SENSITIVE_KEYS"`
}

type Configuration struct {
	AppIdentifier string            `json:"app_identifier" envconfig:"HAVEN_APP_IDENTIFIER"`
	DataDir       string            `json:"data_dir" envconfig:"HAVEN_DATA_DIR"`
	BackupDir     string            `json:"backup_dir" envconfig:"HAVEN_BACKUP_DIR"`
	Queue         QueueConfig       `json:"queue"`
	Transaction   TransactionConfig `json:"transaction"`
	Lock          LockConfig        `json:"lock"`
	Audit         AuditConfig       `json:"audit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("haven", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called haven.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.AppIdentifier == "" {
		log.Println("Warning: App identifier is empty. Setting a default name.")
		cnf.AppIdentifier = "haven"
	}

	cnf.AppIdentifier = strings.TrimSpace(cnf.AppIdentifier)
	cnf.DataDir = strings.TrimSpace(cnf.DataDir)
	cnf.BackupDir = strings.TrimSpace(cnf.BackupDir)

	if cnf.DataDir == "" {
		cnf.DataDir = DEFAULT_DATA_DIR
		log.Printf("Warning: Data dir not specified in config. Setting default: %s", DEFAULT_DATA_DIR)
	}
	if cnf.BackupDir == "" {
		cnf.BackupDir = cnf.DataDir + "/backups"
	}

	if cnf.Queue.MaxAttempts == 0 {
		cnf.Queue.MaxAttempts = DEFAULT_MAX_ATTEMPTS
	}
	if cnf.Queue.BackoffBaseSec == 0 {
		cnf.Queue.BackoffBaseSec = DEFAULT_BACKOFF_BASE_SEC
	}
	if cnf.Queue.BackoffCeilingSec == 0 {
		cnf.Queue.BackoffCeilingSec = DEFAULT_BACKOFF_CEILING_SEC
	}
	if cnf.Queue.BatchSize == 0 {
		cnf.Queue.BatchSize = DEFAULT_BATCH_SIZE
	}
	if cnf.Queue.OverfetchFactor == 0 {
		cnf.Queue.OverfetchFactor = DEFAULT_OVERFETCH_FACTOR
	}
	if cnf.Queue.PoisonRetention == 0 {
		cnf.Queue.PoisonRetention = DEFAULT_POISON_RETENTION_DAYS
	}

	if cnf.Transaction.AppliedRetentionMin == 0 {
		cnf.Transaction.AppliedRetentionMin = DEFAULT_APPLIED_RETENTION_MIN
	}
	if cnf.Transaction.FailedRetentionHrs == 0 {
		cnf.Transaction.FailedRetentionHrs = DEFAULT_FAILED_RETENTION_HRS
	}

	if cnf.Lock.HeartbeatTimeoutSec == 0 {
		cnf.Lock.HeartbeatTimeoutSec = DEFAULT_HEARTBEAT_TIMEOUT_SEC
	}
	if cnf.Lock.HeartbeatIntervalSec == 0 {
		cnf.Lock.HeartbeatIntervalSec = DEFAULT_HEARTBEAT_INTERVAL_SEC
	}

	if len(cnf.Audit.SensitiveKeys) == 0 {
		cnf.Audit.SensitiveKeys = []string{"password", "token", "secret", "phone", "email"}
	}

	return cnf.validate()
}

func (cnf *Configuration) validate() error {
	return validation.ValidateStruct(cnf,
		validation.Field(&cnf.DataDir, validation.Required),
		validation.Field(&cnf.Queue, validation.By(func(interface{}) error {
			if cnf.Queue.MaxAttempts < 1 {
				return errors.New("queue max attempts must be at least 1")
			}
			if cnf.Queue.BackoffCeilingSec < cnf.Queue.BackoffBaseSec {
				return errors.New("backoff ceiling must not be below backoff base")
			}
			return nil
		})),
	)
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mock := *mockConfig
	if err := mock.validateAndAddDefaults(); err != nil {
		log.Printf("Warning: mock config failed validation: %v", err)
	}
	ConfigStore.Store(&mock)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
