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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sysflow-telemetry/sf-apis/go/logger"

	"github.com/ei-grad/nginx2es/driver/tail/waker"
	"github.com/ei-grad/nginx2es/internal/testutil"
)

func TestMain(m *testing.M) {
	logger.InitLoggers(logger.TRACE)
	os.Exit(m.Run())
}

// makeTestFollower starts a follower on a fresh log file in a temp dir, with
// a short teardown and a fast poll waker so rotation tests finish quickly.
func makeTestFollower(t *testing.T, mode Mode) (string, <-chan Entry, *Follower, context.CancelFunc) {
	t.Helper()
	tmpDir := testutil.TestTempDir(t)
	logfile := filepath.Join(tmpDir, "access.json")
	f := testutil.TestOpenFile(t, logfile)
	testutil.FatalIfErr(t, f.Close())

	ctx, cancel := context.WithCancel(context.Background())
	follower := New(Config{
		Filename:      logfile,
		Mode:          mode,
		TeardownDelay: 200 * time.Millisecond,
		Waker:         waker.NewTimed(ctx, 20*time.Millisecond),
		BufferSize:    100,
	})
	entries := follower.Follow(ctx)
	t.Cleanup(cancel)
	return logfile, entries, follower, cancel
}

// receive reads n entries or fails the test after the timeout.
func receive(t *testing.T, entries <-chan Entry, n int, timeout time.Duration) []Entry {
	t.Helper()
	var got []Entry
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case e, ok := <-entries:
			if !ok {
				t.Fatalf("entries channel closed after %d of %d entries", len(got), n)
			}
			got = append(got, e)
		case <-deadline:
			t.Fatalf("timed out after %d of %d entries", len(got), n)
		}
	}
	return got
}

func TestParseMode(t *testing.T) {
	for value, want := range map[string]Mode{
		"tail":       ModeTail,
		"from-start": ModeFromStart,
		"one-shot":   ModeOneShot,
	} {
		got, err := ParseMode(value)
		testutil.FatalIfErr(t, err)
		if got != want {
			t.Errorf("ParseMode(%q) = %v, want %v", value, got, want)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Error("ParseMode(bogus) did not fail")
	}
}

func TestOneShotOffsets(t *testing.T) {
	tmpDir := testutil.TestTempDir(t)
	logfile := filepath.Join(tmpDir, "access.json")
	f := testutil.TestOpenFile(t, logfile)
	defer f.Close()
	lines := []string{"one\n", "second line\n", "3\n"}
	for _, l := range lines {
		testutil.WriteString(t, f, l)
	}

	follower := New(Config{Filename: logfile, Mode: ModeOneShot})
	var got []Entry
	for e := range follower.Follow(context.Background()) {
		got = append(got, e)
	}
	testutil.FatalIfErr(t, follower.Err())

	if len(got) != len(lines) {
		t.Fatalf("got %d entries, want %d", len(got), len(lines))
	}
	var offset int64
	for i, e := range got {
		if e.Line != lines[i] {
			t.Errorf("entry %d line %q, want %q", i, e.Line, lines[i])
		}
		if !strings.HasSuffix(e.Line, "\n") {
			t.Errorf("entry %d line %q does not end with LF", i, e.Line)
		}
		if e.Offset != offset {
			t.Errorf("entry %d offset %d, want %d", i, e.Offset, offset)
		}
		if e.Inode == 0 {
			t.Errorf("entry %d has zero inode", i)
		}
		offset += int64(len(e.Line))
	}
}

func TestPartialLineIsWithheld(t *testing.T) {
	logfile, entries, _, _ := makeTestFollower(t, ModeFromStart)
	f := testutil.TestOpenFile(t, logfile)
	defer f.Close()

	testutil.WriteString(t, f, "complete\n")
	testutil.WriteString(t, f, "partial")

	got := receive(t, entries, 1, 5*time.Second)
	if got[0].Line != "complete\n" {
		t.Fatalf("got line %q, want %q", got[0].Line, "complete\n")
	}

	// Nothing more may arrive until the line feed shows up.
	select {
	case e := <-entries:
		t.Fatalf("unterminated line was emitted: %q", e.Line)
	case <-time.After(200 * time.Millisecond):
	}

	testutil.WriteString(t, f, " at last\n")
	got = receive(t, entries, 1, 5*time.Second)
	if got[0].Line != "partial at last\n" {
		t.Fatalf("got line %q, want %q", got[0].Line, "partial at last\n")
	}
	if got[0].Offset != int64(len("complete\n")) {
		t.Fatalf("got offset %d, want %d", got[0].Offset, len("complete\n"))
	}
}

func TestRotation(t *testing.T) {
	logfile, entries, _, _ := makeTestFollower(t, ModeFromStart)
	f := testutil.TestOpenFile(t, logfile)

	testutil.WriteString(t, f, "before rotation\n")
	got := receive(t, entries, 1, 5*time.Second)
	if got[0].Line != "before rotation\n" {
		t.Fatalf("got line %q, want %q", got[0].Line, "before rotation\n")
	}
	testutil.FatalIfErr(t, f.Close())

	// Classic logrotate: rename the current file, then recreate at the same
	// path.
	testutil.FatalIfErr(t, os.Rename(logfile, logfile+".1"))
	f2 := testutil.TestOpenFile(t, logfile)
	defer f2.Close()
	testutil.WriteString(t, f2, "after rotation\n")

	got = receive(t, entries, 1, 10*time.Second)
	if got[0].Line != "after rotation\n" {
		t.Fatalf("got line %q, want %q", got[0].Line, "after rotation\n")
	}
	if got[0].Inode == 0 {
		t.Error("entry from new file has zero inode")
	}
	if got[0].Offset != 0 {
		t.Errorf("entry from new file has offset %d, want 0", got[0].Offset)
	}
}

func TestRotationDrainsOldHandle(t *testing.T) {
	logfile, entries, _, _ := makeTestFollower(t, ModeFromStart)
	f := testutil.TestOpenFile(t, logfile)
	defer f.Close()

	testutil.WriteString(t, f, "a\n")
	receive(t, entries, 1, 5*time.Second)

	// Writes into the renamed file during the teardown window must still be
	// served from the old handle.
	testutil.FatalIfErr(t, os.Rename(logfile, logfile+".1"))
	testutil.WriteString(t, f, "late write\n")
	f2 := testutil.TestOpenFile(t, logfile)
	defer f2.Close()
	testutil.WriteString(t, f2, "new file\n")

	got := receive(t, entries, 2, 10*time.Second)
	if got[0].Line != "late write\n" {
		t.Errorf("first entry %q, want %q", got[0].Line, "late write\n")
	}
	if got[1].Line != "new file\n" {
		t.Errorf("second entry %q, want %q", got[1].Line, "new file\n")
	}
	if got[0].Inode == got[1].Inode {
		t.Errorf("entries share inode %d across rotation", got[0].Inode)
	}
}

func TestInPlaceTruncation(t *testing.T) {
	logfile, entries, _, _ := makeTestFollower(t, ModeFromStart)
	f := testutil.TestOpenFile(t, logfile)
	defer f.Close()

	testutil.WriteString(t, f, "a long line before truncation\n")
	receive(t, entries, 1, 5*time.Second)

	testutil.FatalIfErr(t, os.Truncate(logfile, 0))
	testutil.WriteString(t, f, "x\n")

	got := receive(t, entries, 1, 5*time.Second)
	if got[0].Line != "x\n" {
		t.Fatalf("got line %q, want %q", got[0].Line, "x\n")
	}
	if got[0].Offset != 0 {
		t.Fatalf("got offset %d after truncation, want 0", got[0].Offset)
	}
}

func TestFollowReader(t *testing.T) {
	in := strings.NewReader("one\ntwo\nunterminated")
	var got []Entry
	for e := range FollowReader(context.Background(), in, 10) {
		got = append(got, e)
	}
	want := []Entry{
		{Inode: 0, Offset: 0, Line: "one\n"},
		{Inode: 0, Offset: 4, Line: "two\n"},
		{Inode: 0, Offset: 8, Line: "unterminated"},
	}
	testutil.ExpectNoDiff(t, want, got)
}

func TestCancellation(t *testing.T) {
	_, entries, follower, cancel := makeTestFollower(t, ModeTail)
	cancel()
	for range entries {
	}
	testutil.FatalIfErr(t, follower.Err())
}
