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
	"expvar"
	"io"
	"os"

	"github.com/sysflow-telemetry/sf-apis/go/logger"
)

// logLines counts the number of lines read per log file.
var logLines = expvar.NewMap("log_lines_total")

// drain reads complete lines from fd starting at offset and sends them to the
// entries channel until it reaches EOF or a line without a terminating line
// feed.  An unterminated tail is never emitted: the descriptor is rewound to
// the start of it, so the next drain re-reads it once the rest arrives.  The
// returned offset is the position of the first unconsumed byte.
func (f *Follower) drain(ctx context.Context, fd *os.File, ino uint64, offset int64) (int64, error) {
	fi, err := fd.Stat()
	if err != nil {
		return offset, err
	}
	// The file shrank under us (copy-truncate rotation): start over.
	if fi.Size() < offset {
		logger.Info.Printf("%s truncated in place (size %d < offset %d), rewinding", f.config.Filename, fi.Size(), offset)
		fileTruncates.Add(f.config.Filename, 1)
		if _, err := fd.Seek(0, io.SeekStart); err != nil {
			return offset, err
		}
		offset = 0
	}

	r := bufio.NewReader(fd)
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			// line, if non-empty, is an unterminated tail: rewind past the
			// buffered read-ahead so it is re-read on the next event.
			_, serr := fd.Seek(offset, io.SeekStart)
			return offset, serr
		}
		if err != nil {
			return offset, err
		}
		select {
		case f.entries <- Entry{Inode: ino, Offset: offset, Line: line}:
		case <-ctx.Done():
			_, serr := fd.Seek(offset, io.SeekStart)
			if serr != nil {
				return offset, serr
			}
			return offset, nil
		}
		logLines.Add(f.config.Filename, 1)
		offset += int64(len(line))
	}
}
