// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package pstore

import (
	"fmt"
	"os"
	"os/exec"
)

// SpawnGC is the storage subprocess hook: it launches command
// with args followed by path and compactedPath, expecting it to read the
// file and write a compacted copy to compactedPath, the temporary path of
// the caller's choosing. Once the command exits successfully and
// compactedPath exists, SpawnGC atomically renames the
// compacted copy over path, the same rename-into-place discipline
// builder.go's own Finalize uses to publish a finished table.
//
// The caller owns coordinating with any writer: SpawnGC makes no attempt
// to take the database's own writer lock, since the external process is
// expected to operate on a separate, already-quiesced copy of the file
// rather than the live one.
func SpawnGC(path string, compactedPath string, command string, args ...string) error {
	cmd := exec.Command(command, append(args, path, compactedPath)...)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pstore.SpawnGC: %w", err)
	}
	if _, err := os.Stat(compactedPath); err != nil {
		return fmt.Errorf("pstore.SpawnGC: compacted output missing: %w", err)
	}
	if err := os.Rename(compactedPath, path); err != nil {
		return fmt.Errorf("pstore.SpawnGC: %w", err)
	}
	return nil
}
