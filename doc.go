/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# KVBackup: backup and restore of a distributed key-value cluster

## Backup file

A backup file is line oriented text:

	VERSION 1.1
	# namespace <ns>
	# first-file
	* i <ns> <set> <name> <index type> <path> <path type>
	* u <type> <name> <base64 content>
	+ digest <hex> generation <n> expiration <n> [set <set>] [key <typed value>]
	- <name> <type> <value>

Meta lines (`# `) form the header, global lines (`* `) carry secondary
indexes and UDF modules ahead of the first record, and every record is a
`+ ` line followed by one `- ` line per bin. Meta lines are limited to 1000
bytes and names and digests to 1000 bytes each.

A directory backup has exactly one file with the first-file marker; it holds
the globals. Files may be snappy compressed (.asb.sz).

## Runs

* backup, assigns the nodes of the cluster round robin to workers, each
  worker scans its nodes and writes into a shared file or its own rotating
  files in the directory.

* restore, registers UDF modules, restores the files in parallel and
  creates the secondary indexes once every record is in.

Workers count into exclusive partitions that are summed on read. A reporter
prints `PROGRESS ...` lines while a run lasts and one `SUMMARY ... status=`
line at its end. The first failing worker cancels its siblings.

## Path expressions

A secondary index names a bin path, `bin.key.key`, and the type its values
must have: string, numeric or geojson. The pathexpr package resolves a path
against a record and classifies the value it finds.

## Building Blocks

* gRPC
* bbolt
* Prometheus

*/

package kvbackup
