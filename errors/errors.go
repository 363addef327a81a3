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

package errors

import (
	"errors"
	"fmt"
	"strings"
)

// line format
var (
	ErrUnknownPrefix   = errors.New("unknown line prefix")
	ErrSequencing      = errors.New("record bin line without preceding record meta line")
	ErrTokenTooLong    = errors.New("token exceeds maximum size")
	ErrMetaLineTooLong = errors.New("meta line exceeds maximum length")
	ErrMalformedLine   = errors.New("malformed line")
	ErrUnknownType     = errors.New("unknown value type")
	ErrMissingHeader   = errors.New("missing version header")
	ErrUnsupported     = errors.New("unsupported backup version")
)

// backup file
var (
	ErrWriterClosed       = errors.New("backup writer is closed")
	ErrWriterFailed       = errors.New("backup writer is in error state")
	ErrReaderFailed       = errors.New("backup reader is in error state")
	ErrNamespaceMismatch  = errors.New("record namespace does not match backup file")
	ErrFirstFileNotFound  = errors.New("no backup file carries the first-file marker")
	ErrDuplicateFirstFile = errors.New("more than one backup file carries the first-file marker")
	ErrNoBackupFiles      = errors.New("no backup files found")
)

// scan and cluster
var (
	ErrEmptyNodeList     = errors.New("node list is empty")
	ErrTooManyNodes      = errors.New("too many nodes")
	ErrDuplicateNode     = errors.New("duplicate node name")
	ErrInvalidNodeName   = errors.New("invalid node name")
	ErrNodeNotFound      = errors.New("node not found")
	ErrNoWorkers         = errors.New("no workers to run")
	ErrCancelled         = errors.New("run cancelled")
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrRecordExists      = errors.New("record already exists")
	ErrGenerationTooOld  = errors.New("record generation is older than stored generation")
	ErrInsufficientSpace = errors.New("insufficient free disk space")
	ErrInvalidConfig     = errors.New("invalid config")
)

// FormatError reports a malformed line, prefix mismatch, size-limit
// violation or sequencing violation.
type FormatError struct {
	File   string
	Line   int
	Prefix string
	Err    error
	Detail string
}

func NewFormatError(err error, prefix string, format string, a ...interface{}) *FormatError {
	return &FormatError{Err: err, Prefix: prefix, Detail: fmt.Sprintf(format, a...)}
}

func (e *FormatError) Error() string {
	var sb strings.Builder
	sb.WriteString("format error")
	if e.File != "" {
		sb.WriteString(" in ")
		sb.WriteString(e.File)
	}
	if e.Line > 0 {
		fmt.Fprintf(&sb, " at line %d", e.Line)
	}
	if e.Prefix != "" {
		fmt.Fprintf(&sb, " (prefix %q)", e.Prefix)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Err.Error())
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

func (e *FormatError) Unwrap() error { return e.Err }

// At returns a copy of the error positioned at file and line.
func (e *FormatError) At(file string, line int) *FormatError {
	cp := *e
	cp.File = file
	cp.Line = line
	return &cp
}

// VersionError reports a missing, unparseable or unsupported version header.
type VersionError struct {
	File    string
	Version string
	Err     error
}

func (e *VersionError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("version error in %s: %s", e.File, e.Err)
	}
	return fmt.Sprintf("version error in %s: %s: %q", e.File, e.Err, e.Version)
}

func (e *VersionError) Unwrap() error { return e.Err }

// IOError reports a file or network failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

// WorkerFailure reports a scan or write failure inside one worker.
type WorkerFailure struct {
	Worker int
	Nodes  []string
	Err    error
}

func (e *WorkerFailure) Error() string {
	if len(e.Nodes) == 0 {
		return fmt.Sprintf("worker %d failed: %s", e.Worker, e.Err)
	}
	return fmt.Sprintf("worker %d (nodes %s) failed: %s", e.Worker, strings.Join(e.Nodes, ","), e.Err)
}

func (e *WorkerFailure) Unwrap() error { return e.Err }

// WorkerFailures is the aggregate failure of a coordinator run.
type WorkerFailures []*WorkerFailure

func (fs WorkerFailures) Error() string {
	msgs := make([]string, len(fs))
	for i, f := range fs {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%d worker(s) failed: %s", len(fs), strings.Join(msgs, "; "))
}

// Is reports whether any of the failures matches target.
func (fs WorkerFailures) Is(target error) bool {
	for _, f := range fs {
		if errors.Is(f, target) {
			return true
		}
	}
	return false
}
