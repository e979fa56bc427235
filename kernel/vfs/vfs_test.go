package vfs

import (
	"bytes"
	"io"
	"testing"

	"gopheros/kernel"
)

// memFile is a minimal in-memory File used purely to exercise the mount
// table's routing logic without depending on fs/memfs.
type memFile struct {
	*bytes.Reader
}

func (memFile) Write(p []byte) (int, error) { return len(p), nil }
func (memFile) Close() error                 { return nil }

type stubFS struct {
	name    string
	entries []DirEntry
}

func (s *stubFS) Name() string { return s.name }

func (s *stubFS) DirOpen(path string) ([]DirEntry, *kernel.Error) {
	return s.entries, nil
}

func (s *stubFS) FOpen(path string, mode Mode) (File, *kernel.Error) {
	return memFile{bytes.NewReader([]byte(s.name + ":" + path))}, nil
}

func (s *stubFS) Rename(oldPath, newPath string) *kernel.Error { return nil }

func TestLongestPrefixMatch(t *testing.T) {
	table := New(nil)
	root := &stubFS{name: "root"}
	dev := &stubFS{name: "dev"}
	home := &stubFS{name: "home"}

	table.MountVirtual("/", root)
	table.MountVirtual("/dev", dev)
	table.MountVirtual("/home/user", home)

	fs, rel, err := table.Lookup("/home/user/docs/file.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs != home || rel != "/docs/file.txt" {
		t.Fatalf("expected home mount with rel /docs/file.txt, got fs=%v rel=%q", fs, rel)
	}

	fs, rel, err = table.Lookup("/dev/sda1")
	if err != nil || fs != dev || rel != "/sda1" {
		t.Fatalf("unexpected dev lookup: fs=%v rel=%q err=%v", fs, rel, err)
	}

	fs, rel, err = table.Lookup("/etc/passwd")
	if err != nil || fs != root || rel != "/etc/passwd" {
		t.Fatalf("expected fallback to root mount, got fs=%v rel=%q err=%v", fs, rel, err)
	}
}

func TestLookupFailsWithoutRootMount(t *testing.T) {
	table := New(nil)
	table.MountVirtual("/dev", &stubFS{name: "dev"})

	if _, _, err := table.Lookup("/anything"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMountRefusesDuplicateDevice(t *testing.T) {
	calls := 0
	resolver := func(devName string) (FileSystem, *kernel.Error) {
		calls++
		return &stubFS{name: devName}, nil
	}
	table := New(resolver)
	table.MountVirtual("/", &stubFS{name: "root"})

	if err := table.Mount("/mnt", "sda1"); err != nil {
		t.Fatalf("unexpected error on first mount: %v", err)
	}
	if err := table.Mount("/mnt2", "sda1"); err != ErrAlreadyMounted {
		t.Fatalf("expected ErrAlreadyMounted, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected resolver called once, got %d", calls)
	}
}

func TestUmountByDeviceOrMountPoint(t *testing.T) {
	resolver := func(devName string) (FileSystem, *kernel.Error) {
		return &stubFS{name: devName}, nil
	}
	table := New(resolver)
	table.MountVirtual("/", &stubFS{name: "root"})
	table.Mount("/mnt", "sda1")

	if err := table.Umount("sda1"); err != nil {
		t.Fatalf("unexpected error unmounting by device name: %v", err)
	}
	if err := table.Umount("/mnt"); err != ErrNotMounted {
		t.Fatalf("expected ErrNotMounted after already unmounted, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"r":  {},
		"r+": {Write: true},
		"w":  {Write: true, Truncate: true},
		"w+": {Write: true, Truncate: true},
		"a":  {Write: true, Append: true},
		"a+": {Write: true, Append: true},
		"rb": {},
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil {
			t.Fatalf("ParseMode(%q): unexpected error %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseMode(%q) = %+v, want %+v", in, got, want)
		}
	}

	if _, err := ParseMode("x"); err != ErrUnknownMode {
		t.Fatalf("expected ErrUnknownMode for invalid mode, got %v", err)
	}
}

func TestFOpenAppendSeeksToEnd(t *testing.T) {
	resolver := func(devName string) (FileSystem, *kernel.Error) {
		return &stubFS{name: devName}, nil
	}
	table := New(resolver)
	table.MountVirtual("/", &stubFS{name: "root"})

	f, err := table.FOpen("/foo.txt", "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos, serr := f.Seek(0, io.SeekCurrent)
	if serr != nil {
		t.Fatalf("unexpected seek error: %v", serr)
	}
	if pos != int64(len("root:/foo.txt")) {
		t.Fatalf("expected append mode to seek to end, got pos=%d", pos)
	}
}

func TestRenameRequiresSameFileSystem(t *testing.T) {
	resolver := func(devName string) (FileSystem, *kernel.Error) {
		return &stubFS{name: devName}, nil
	}
	table := New(resolver)
	table.MountVirtual("/", &stubFS{name: "root"})
	table.Mount("/mnt", "sda1")

	if err := table.Rename("/a", "/mnt/b"); err != ErrCrossFSRename {
		t.Fatalf("expected ErrCrossFSRename, got %v", err)
	}
}
