/*
Copyright 2026 The Xapiancore Authors

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

package block

import (
	"os"

	"golang.org/x/sys/unix"

	"xapiancore.dev/pkg/xerrors"
)

// FileLock is an advisory, single-writer lock held over a ".lock" file
// alongside a shard's tables (spec.md §4.3: "at most one open writer per
// database"). It is released automatically if the process dies, since
// flock locks are tied to the open file descriptor.
type FileLock struct {
	f *os.File
}

// Lock acquires the writer lock at path, failing immediately (rather than
// blocking) if another process already holds it.
func Lock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_CLOEXEC, 0644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Lock, err, "opening lock file %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, xerrors.New(xerrors.Lock, "database is already locked for writing: %s", path)
		}
		return nil, xerrors.Wrap(xerrors.Lock, err, "flock %s", path)
	}
	return &FileLock{f: f}, nil
}

// Unlock releases the lock and closes the underlying file.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return xerrors.Wrap(xerrors.Lock, err, "unlocking")
	}
	if cerr != nil {
		return xerrors.Wrap(xerrors.IO, cerr, "closing lock file")
	}
	return nil
}
