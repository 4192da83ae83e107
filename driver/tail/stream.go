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

package tail

import (
	"bufio"
	"context"
	"io"

	"github.com/sysflow-telemetry/sf-apis/go/logger"
)

// FollowReader streams entries from a non-seekable source such as standard
// input.  Rotation tracking does not apply: the inode is reported as zero,
// offsets accumulate from zero.  The channel is closed at EOF.  A final line
// without a terminating line feed is still emitted, since no more bytes can
// arrive for it.
func FollowReader(ctx context.Context, in io.Reader, buffer int) <-chan Entry {
	entries := make(chan Entry, buffer)
	go func() {
		defer close(entries)
		r := bufio.NewReader(in)
		var offset int64
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				select {
				case entries <- Entry{Inode: 0, Offset: offset, Line: line}:
				case <-ctx.Done():
					return
				}
				offset += int64(len(line))
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				logger.Error.Printf("read from stream: %v", err)
				return
			}
		}
	}()
	return entries
}
