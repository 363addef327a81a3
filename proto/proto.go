// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package proto

import "time"

const (
	// BackupVersion is the only backup file format version written and accepted.
	BackupVersion = "1.1"

	DefaultHost    = "127.0.0.1"
	DefaultPort    = 3000
	DefaultTimeout = 10 * time.Second

	// NodeNameSize is the fixed size of a cluster node name.
	NodeNameSize = 20
	// MaxNodes bounds the number of nodes in one work assignment.
	MaxNodes = 256

	ReqIdKey = "req-id"
)
