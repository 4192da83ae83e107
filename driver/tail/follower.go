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
	"context"
	"expvar"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sysflow-telemetry/sf-apis/go/logger"

	"github.com/ei-grad/nginx2es/driver/tail/waker"
)

var (
	// logErrors counts the IO errors encountered per log.
	logErrors = expvar.NewMap("log_errors_total")
	// logOpens counts the opens of new log file descriptors.
	logOpens = expvar.NewMap("log_opens_total")
	// logCloses counts the closes of old log file descriptors.
	logCloses = expvar.NewMap("log_closes_total")
	// fileTruncates counts the truncations of a followed file.
	fileTruncates = expvar.NewMap("file_truncates_total")
)

// Mode selects how the first watch pass positions itself in the file.
type Mode int

const (
	// ModeTail seeks to the end of the file and follows.
	ModeTail Mode = iota
	// ModeFromStart reads the file from the beginning and follows.
	ModeFromStart
	// ModeOneShot reads to the current end of file and returns; no watch.
	ModeOneShot
)

// ParseMode maps a mode flag value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "tail":
		return ModeTail, nil
	case "from-start":
		return ModeFromStart, nil
	case "one-shot":
		return ModeOneShot, nil
	}
	return ModeTail, fmt.Errorf("unknown mode %q", s)
}

const (
	// defaultTeardownDelay is the grace period during which the old file
	// handle is still drained after a rename, before it is closed.  It gives
	// the producer web server time to flush its buffers into the old handle.
	defaultTeardownDelay = 10 * time.Second

	// defaultOpenRetryInterval is the pause between attempts to open the
	// recreated file after a rotation.
	defaultOpenRetryInterval = 100 * time.Millisecond

	// watchRestartDelay is the pause before restarting a watch pass that
	// failed with an I/O error.
	watchRestartDelay = time.Second
)

// Config holds the follower configuration.
type Config struct {
	// Filename is the path of the file to follow.
	Filename string
	// Mode selects the first-pass positioning, see Mode.
	Mode Mode
	// TeardownDelay overrides the rotation grace period when positive.
	TeardownDelay time.Duration
	// Waker, when set, wakes the follower to poll the file in addition to
	// kernel change notifications.
	Waker waker.Waker
	// BufferSize is the capacity of the entries channel.
	BufferSize int
}

// Follower streams complete lines from a single named file across rotations
// and in-place truncations.  The zero value is not usable; construct with New.
type Follower struct {
	config Config

	// last position of the previous watch pass, valid once haveLast is set.
	lastInode  uint64
	lastOffset int64
	haveLast   bool

	entries chan Entry
	err     error
}

// New creates a follower for the file named in config.
func New(config Config) *Follower {
	if config.TeardownDelay <= 0 {
		config.TeardownDelay = defaultTeardownDelay
	}
	return &Follower{
		config:  config,
		entries: make(chan Entry, config.BufferSize),
	}
}

// Follow starts the watch loop and returns the channel of entries.  The
// channel is closed on one-shot completion, on cancellation, or when the
// first watch pass fails before recording a position; later I/O errors
// restart the watch pass.  After it is closed Err reports the terminating
// error, if any.
func (f *Follower) Follow(ctx context.Context) <-chan Entry {
	go func() {
		defer close(f.entries)
		for {
			done, err := f.watch(ctx)
			if err != nil {
				logErrors.Add(f.config.Filename, 1)
				logger.Error.Printf("watch pass on %s failed at offset %d: %v", f.config.Filename, f.lastOffset, err)
				if !f.haveLast {
					// Nothing was ever read: a startup failure, not a
					// transient rotation race.
					f.err = err
					return
				}
				select {
				case <-time.After(watchRestartDelay):
				case <-ctx.Done():
					return
				}
				continue
			}
			if done {
				return
			}
		}
	}()
	return f.entries
}

// Err returns the error that terminated the follower, if any.  It must only
// be called after the entries channel has been closed.
func (f *Follower) Err() error {
	return f.err
}

// watch runs one watch pass: open the file, position, drain, then serve
// change notifications until the file is rotated away or the context is
// cancelled.  It reports done=true when following should stop for good.
func (f *Follower) watch(ctx context.Context) (done bool, err error) {
	fd, err := f.open(ctx)
	if err != nil {
		if err == context.Canceled {
			return true, nil
		}
		return true, err
	}
	defer func() {
		if cerr := fd.Close(); cerr != nil && err == nil {
			logErrors.Add(f.config.Filename, 1)
			logger.Warn.Printf("close %s: %v", f.config.Filename, cerr)
		}
		logCloses.Add(f.config.Filename, 1)
	}()

	fi, err := fd.Stat()
	if err != nil {
		return true, err
	}
	ino := inode(fi)
	logOpens.Add(f.config.Filename, 1)
	logger.Info.Printf("starting watch on %s (inode %d)", f.config.Filename, ino)

	var offset int64
	if f.haveLast {
		// Not the first watch pass: resume from the recorded position if the
		// file instance is unchanged, otherwise read the new file from the
		// beginning.
		if ino == f.lastInode {
			offset = f.lastOffset
			if _, err := fd.Seek(offset, io.SeekStart); err != nil {
				return true, errors.Wrap(err, "seek to last offset")
			}
		}
	} else if f.config.Mode == ModeTail {
		offset, err = fd.Seek(0, io.SeekEnd)
		if err != nil {
			return true, errors.Wrap(err, "seek to end")
		}
	}

	// Record the position for the next pass, whatever way this one ends.
	defer func() {
		f.lastInode, f.lastOffset, f.haveLast = ino, offset, true
		logger.Info.Printf("finished watch on %s (inode %d, offset %d)", f.config.Filename, ino, offset)
	}()

	offset, err = f.drain(ctx, fd, ino, offset)
	if err != nil {
		return true, err
	}
	if f.config.Mode == ModeOneShot {
		return true, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return true, errors.Wrap(err, "create watcher")
	}
	defer w.Close()
	if err := w.Add(f.config.Filename); err != nil {
		return true, errors.Wrap(err, "add watch")
	}

	// teardown is nil until the file is moved away; once armed it bounds how
	// long the old handle is still drained before this pass restarts on the
	// recreated file.
	var teardown <-chan time.Time
	var wake <-chan struct{}
	if f.config.Waker != nil {
		wake = f.config.Waker.Wake()
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("watcher closed")
			}
			if ev.Op&fsnotify.Write != 0 {
				offset, err = f.drain(ctx, fd, ino, offset)
				if err != nil {
					return true, err
				}
			}
			if ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 && teardown == nil {
				logger.Info.Printf("%s moved away, tearing down in %v", f.config.Filename, f.config.TeardownDelay)
				teardown = time.After(f.config.TeardownDelay)
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("watcher closed")
			}
			return true, errors.Wrap(werr, "watch")
		case <-teardown:
			// Last chance for writes that raced the rename.
			offset, err = f.drain(ctx, fd, ino, offset)
			return false, err
		case <-wake:
			wake = f.config.Waker.Wake()
			offset, err = f.drain(ctx, fd, ino, offset)
			if err != nil {
				return true, err
			}
			// Poll fallback for a missed rename: the path is gone or now
			// names another file instance.
			if teardown == nil {
				newfi, serr := os.Stat(f.config.Filename)
				if (serr != nil && os.IsNotExist(serr)) || (serr == nil && inode(newfi) != ino) {
					logger.Info.Printf("%s replaced under watch, tearing down in %v", f.config.Filename, f.config.TeardownDelay)
					teardown = time.After(f.config.TeardownDelay)
				}
			}
		case <-ctx.Done():
			return true, nil
		}
	}
}

// open opens the followed file.  On passes after a rotation the recreated
// file may not exist yet, so open retries until it shows up or the context
// is cancelled.  A missing file on the first pass is an error.
func (f *Follower) open(ctx context.Context) (*os.File, error) {
	for {
		fd, err := os.Open(f.config.Filename)
		if err == nil {
			return fd, nil
		}
		if !os.IsNotExist(err) || !f.haveLast {
			return nil, err
		}
		select {
		case <-time.After(defaultOpenRetryInterval):
		case <-ctx.Done():
			return nil, context.Canceled
		}
	}
}

// inode returns the inode number of a file.
func inode(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino)
	}
	return 0
}
