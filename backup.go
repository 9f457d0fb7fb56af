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
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/havenstore/haven/internal/crypt"
	"github.com/havenstore/haven/internal/partition"
	"github.com/havenstore/haven/internal/storeerr"
	"github.com/havenstore/haven/model"
)

// backupEnvelope is the on-disk file: a small JSON wrapper naming the key
// version, around the sealed zip archive.
type backupEnvelope struct {
	KeyVersion int    `json:"key_version"`
	Sealed     []byte `json:"sealed"`
}

// BackupMetadata is the metadata.json section inside the archive.
type BackupMetadata struct {
	SchemaVersion int       `json:"schemaVersion"`
	ExportedAtUtc time.Time `json:"exportedAtUtc"`
	AppIdentifier string    `json:"appIdentifier"`
}

// BackupService exports and imports encrypted, compressed snapshots of
// store contents. The archive is a zip with one section per store plus a
// metadata section; the whole zip is sealed with a backup-scoped key, so a
// restore on a fresh install needs only the platform master key.
type BackupService struct {
	store      *EncryptedStore
	partitions *partition.Manager
	cipher     *crypt.CipherService
	appID      string
}

// NewBackupService creates the backup layer.
func NewBackupService(store *EncryptedStore, partitions *partition.Manager, cipher *crypt.CipherService, appID string) *BackupService {
	return &BackupService{store: store, partitions: partitions, cipher: cipher, appID: appID}
}

// Export writes an encrypted archive of the named stores to path. A nil or
// empty stores list exports every partition except the transaction log,
// which is meaningless outside the running engine.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - path string: The destination file path.
// - stores []string: The stores to include, or nil for all.
// - schemaVersion int: The schema version recorded in the metadata section.
//
// Returns:
// - error: A typed storage error on failure.
func (b *BackupService) Export(ctx context.Context, path string, stores []string, schemaVersion int) error {
	if len(stores) == 0 {
		all, err := b.partitions.List()
		if err != nil {
			return err
		}
		for _, name := range all {
			if name == txLogStore {
				continue
			}
			stores = append(stores, name)
		}
	}

	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)

	meta := BackupMetadata{
		SchemaVersion: schemaVersion,
		ExportedAtUtc: time.Now().UTC(),
		AppIdentifier: b.appID,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := writeZipEntry(writer, "metadata.json", metaBytes); err != nil {
		return err
	}

	for _, name := range stores {
		section, err := b.dumpStore(ctx, name)
		if err != nil {
			return err
		}
		if err := writeZipEntry(writer, "stores/"+name+".json", section); err != nil {
			return err
		}
	}

	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "finalizing backup archive")
	}

	sealed, err := b.cipher.Seal("backup", b.cipher.CurrentKeyVersion(), buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "sealing backup archive")
	}

	envelope, err := json.Marshal(backupEnvelope{
		KeyVersion: b.cipher.CurrentKeyVersion(),
		Sealed:     sealed,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "creating backup dir")
	}
	if err := os.WriteFile(path, envelope, 0o600); err != nil {
		return errors.Wrap(err, "writing backup file")
	}

	logrus.WithFields(logrus.Fields{
		"path":   path,
		"stores": len(stores),
	}).Info("backup exported")
	return nil
}

func (b *BackupService) dumpStore(ctx context.Context, store string) ([]byte, error) {
	cursor, err := b.store.ScanPrefix(ctx, store, "")
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var records []*model.Record
	for {
		rec, err := cursor.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		records = append(records, rec)
	}
	return json.Marshal(records)
}

// ReadMetadata opens a backup file and returns its metadata section without
// restoring anything.
func (b *BackupService) ReadMetadata(path string) (*BackupMetadata, error) {
	archive, err := b.openArchive(path)
	if err != nil {
		return nil, err
	}
	return readArchiveMetadata(archive)
}

// Import restores store contents from a backup file. A backup carrying a
// schema version newer than engineVersion is refused; an older one is
// accepted and the caller is expected to run migrations before use. Each
// restored store is wiped first so the result matches the backup exactly.
//
// Returns:
// - int: The schema version recorded in the backup.
// - error: SCHEMA_INCOMPATIBLE if the backup is too new, or a storage error.
func (b *BackupService) Import(ctx context.Context, path string, engineVersion int) (int, error) {
	archive, err := b.openArchive(path)
	if err != nil {
		return 0, err
	}

	meta, err := readArchiveMetadata(archive)
	if err != nil {
		return 0, err
	}
	if meta.SchemaVersion > engineVersion {
		return 0, storeerr.Newf(storeerr.ErrSchemaIncompatible,
			"backup schema version %d is newer than engine version %d", meta.SchemaVersion, engineVersion)
	}

	for _, file := range archive.File {
		if !strings.HasPrefix(file.Name, "stores/") || !strings.HasSuffix(file.Name, ".json") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(file.Name, "stores/"), ".json")
		if err := b.restoreStore(ctx, name, file); err != nil {
			return 0, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"path":           path,
		"schema_version": meta.SchemaVersion,
	}).Info("backup imported")
	return meta.SchemaVersion, nil
}

func (b *BackupService) restoreStore(ctx context.Context, name string, file *zip.File) error {
	reader, err := file.Open()
	if err != nil {
		return errors.Wrapf(err, "opening backup section %s", name)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return errors.Wrapf(err, "reading backup section %s", name)
	}

	var records []*model.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return errors.Wrapf(err, "decoding backup section %s", name)
	}

	if err := b.store.Wipe(ctx, name); err != nil {
		return err
	}
	return b.store.PutAll(ctx, name, records)
}

func (b *BackupService) openArchive(path string) (*zip.Reader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading backup file")
	}

	var envelope backupEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errors.Wrap(err, "backup file is not a haven backup")
	}

	plain, err := b.cipher.Open("backup", envelope.KeyVersion, envelope.Sealed)
	if err != nil {
		return nil, errors.Wrap(err, "decrypting backup archive")
	}

	archive, err := zip.NewReader(bytes.NewReader(plain), int64(len(plain)))
	if err != nil {
		return nil, errors.Wrap(err, "opening backup archive")
	}
	return archive, nil
}

func readArchiveMetadata(archive *zip.Reader) (*BackupMetadata, error) {
	for _, file := range archive.File {
		if file.Name != "metadata.json" {
			continue
		}
		reader, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, err
		}
		var meta BackupMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, err
		}
		return &meta, nil
	}
	return nil, errors.New("backup archive has no metadata section")
}

func writeZipEntry(writer *zip.Writer, name string, data []byte) error {
	entry, err := writer.Create(name)
	if err != nil {
		return err
	}
	_, err = entry.Write(data)
	return err
}
