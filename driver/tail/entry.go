//
// Copyright (C) 2023 Andrew Grigorev.
//
// Authors:
// Andrew Grigorev <andrew@ei-grad.ru>
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

// Package tail implements a follower for a log file that may be rotated or
// truncated in place by an external rotator.  It makes one pathname look like
// one perpetual source of lines, and reports for every line the file instance
// (inode) and byte offset it was read from.
// The streaming loop is adapted from https://github.com/google/mtail/tree/main/internal
package tail

// Entry is one complete line read from the followed file, together with the
// position it was read from.  Line always ends with a line feed; Offset is
// the byte offset of the first byte of Line within the file identified by
// Inode.
type Entry struct {
	Inode  uint64
	Offset int64
	Line   string
}
