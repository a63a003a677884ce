// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cursor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/inboxpulse/monitor/internal/registry"
)

// FileStore keeps each account's cursor in its configured cursor file,
// relative to a base directory. Writes go to a temp file in the same
// directory and are renamed into place, so a crash mid-write never leaves
// a truncated cursor behind.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed cursor store rooted at dir, creating
// the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cursor dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(acct *registry.Account) string {
	if filepath.IsAbs(acct.CursorFile) {
		return acct.CursorFile
	}
	return filepath.Join(s.dir, acct.CursorFile)
}

// Load reads the account's cursor. A missing file means the account has
// never been processed.
func (s *FileStore) Load(_ context.Context, acct *registry.Account) (string, bool, error) {
	data, err := os.ReadFile(s.path(acct))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cursor for %s: %w", acct.Address, err)
	}

	cursor := strings.TrimSpace(string(data))
	if cursor == "" {
		return "", false, nil
	}
	return cursor, true, nil
}

// Save atomically overwrites the account's cursor file.
func (s *FileStore) Save(_ context.Context, acct *registry.Account, cursor string) error {
	path := s.path(acct)

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp cursor file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(cursor); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cursor for %s: %w", acct.Address, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync cursor for %s: %w", acct.Address, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp cursor file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cursor for %s: %w", acct.Address, err)
	}
	return nil
}
