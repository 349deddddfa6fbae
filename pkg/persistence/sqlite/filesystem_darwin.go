//go:build darwin

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
	"syscall"
)

// isNetworkFilesystem reports whether path lives on a network filesystem,
// judged by the statfs type name ("apfs", "nfs", "smbfs", ...).
func isNetworkFilesystem(path string) (bool, string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return false, "", fmt.Errorf("failed to stat filesystem at %s: %w", path, err)
	}

	name := make([]byte, 0, len(stat.Fstypename))

	for _, c := range stat.Fstypename {
		if c == 0 {
			break
		}

		name = append(name, byte(c))
	}

	fsType := string(name)

	return isNetworkFSType(fsType), fsType, nil
}
