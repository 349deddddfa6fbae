// Copyright 2025 UMH Systems GmbH
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

package sqlite

import (
	"fmt"
	"path/filepath"
	"strings"
)

// isNetworkFSType matches filesystem type names of network filesystems.
// Only known types are matched. FUSE based remote mounts slip through.
func isNetworkFSType(fsType string) bool {
	lower := strings.ToLower(fsType)

	for _, nt := range []string{"nfs", "cifs", "smb", "webdav", "afp"} {
		if strings.Contains(lower, nt) {
			return true
		}
	}

	return false
}

// checkFilesystem refuses database files on network filesystems, where the
// WAL shared memory file does not work.
func checkFilesystem(dbPath string) error {
	dir := filepath.Dir(dbPath)

	isNetwork, fsType, err := isNetworkFilesystem(dir)
	if err != nil {
		return err
	}

	if isNetwork {
		return fmt.Errorf("database directory %s is on a network filesystem (%s), which WAL mode does not support", dir, fsType)
	}

	return nil
}
