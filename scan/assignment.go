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

// Package scan runs one worker per node-group in parallel, aggregates their
// counters and reports progress.
package scan

import (
	"fmt"

	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
)

// Assignment is the immutable, ordered list of nodes a run scans.
type Assignment struct {
	nodes []string
}

func NewAssignment(names []string) (*Assignment, error) {
	if len(names) == 0 {
		return nil, apierrors.ErrEmptyNodeList
	}
	if len(names) > proto.MaxNodes {
		return nil, fmt.Errorf("%w: %d nodes, at most %d", apierrors.ErrTooManyNodes, len(names), proto.MaxNodes)
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name == "" || len(name) > proto.NodeNameSize {
			return nil, fmt.Errorf("%w: %q", apierrors.ErrInvalidNodeName, name)
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("%w: %q", apierrors.ErrDuplicateNode, name)
		}
		seen[name] = struct{}{}
	}
	return &Assignment{nodes: append([]string(nil), names...)}, nil
}

func (a *Assignment) Len() int { return len(a.nodes) }

func (a *Assignment) Nodes() []string {
	return append([]string(nil), a.nodes...)
}

// Groups splits the nodes round-robin into at most n node-groups, one per
// worker. Every group is non-empty.
func (a *Assignment) Groups(n int) [][]string {
	if n <= 0 || n > len(a.nodes) {
		n = len(a.nodes)
	}
	groups := make([][]string, n)
	for i, node := range a.nodes {
		groups[i%n] = append(groups[i%n], node)
	}
	return groups
}
