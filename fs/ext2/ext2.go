// Package ext2 implements Ext2Fs, a read/write ext2 file system mounted
// atop a gopheros/blockdev.Device. It supports the required-features and
// write-required-features masks described in the specification
// (directories_type / large_file_size respectively); any other required
// bit fails the mount outright, and any other write-required bit downgrades
// the mount to read-only rather than failing it.
//
// The on-disk layout (superblock, block group descriptor table, inodes,
// block pointer indirection, directory records) follows the format
// documented in the jwrm2/stable_genius kernel's Ext.h/Ext.cpp, which this
// port is grounded on; the Go types here are a direct re-expression of
// those C++ structs rather than a redesign.
package ext2

import (
	"gopheros/blockdev"
	"gopheros/kernel"
	"gopheros/kernel/sync"
	"gopheros/kernel/vfs"
)

const rootInode = 2

var (
	ErrBadMagic                = kernel.NewError("ext2", "superblock magic mismatch")
	ErrUnsupportedFeature      = kernel.NewError("ext2", "required feature bit not supported by this port")
	ErrReadOnlyFS              = kernel.NewError("ext2", "file system is mounted read-only")
	ErrBadInode                = kernel.NewError("ext2", "inode number out of range")
	ErrBadBlock                = kernel.NewError("ext2", "block number out of range")
	ErrFileTooLarge            = kernel.NewError("ext2", "logical block index exceeds triple-indirect range")
	ErrNoSpace                 = kernel.NewError("ext2", "no free blocks or inodes remain")
	ErrNotFound                = kernel.NewError("ext2", "path does not resolve to an inode")
	ErrNotDirectory            = kernel.NewError("ext2", "path does not resolve to a directory")
	ErrIsDirectory             = kernel.NewError("ext2", "path resolves to a directory, not a file")
)

// Ext2Fs is a mountable vfs.FileSystem backed by an ext2-formatted
// blockdev.Device.
type Ext2Fs struct {
	mu             sync.Spinlock
	dev            blockdev.Device
	sb             *superBlock
	bgdt           []blockGroupDescriptor
	readOnly       bool
	lastBlockGroup uint32
}

// Mount reads and validates the superblock and block group descriptor
// table of dev. It fails outright if required-features names an
// unsupported bit, and mounts read-only (without failing) if
// write-required-features does.
func Mount(dev blockdev.Device) (*Ext2Fs, *kernel.Error) {
	raw := make([]byte, superblockSize)
	if _, err := dev.ReadAt(raw, superblockOffset); err != nil {
		return nil, kernel.NewError("ext2", err.Error())
	}

	sb, err := parseSuperBlock(raw)
	if err != nil {
		return nil, err
	}

	if sb.requiredFeatures&^uint32(requiredSupportedMask) != 0 {
		return nil, ErrUnsupportedFeature
	}

	fs := &Ext2Fs{dev: dev, sb: sb}
	if sb.writeFeatures&^uint32(writeSupportedMask) != 0 {
		fs.readOnly = true
	}

	groups := sb.numGroups()
	bgdtByte := fs.blockToByte(fs.bgdtBlock())
	buf := make([]byte, int(groups)*bgdEntrySize)
	if _, err := dev.ReadAt(buf, bgdtByte); err != nil {
		return nil, kernel.NewError("ext2", err.Error())
	}

	fs.bgdt = make([]blockGroupDescriptor, groups)
	for i := uint32(0); i < groups; i++ {
		fs.bgdt[i] = parseBGD(buf[i*bgdEntrySize:])
	}

	return fs, nil
}

func (fs *Ext2Fs) Name() string { return "ext2" }

// ReadOnly reports whether this mount was downgraded to read-only because
// of an unsupported write-required feature bit.
func (fs *Ext2Fs) ReadOnly() bool { return fs.readOnly }

// FOpen resolves path and returns a handle honouring mode's truncate/
// write semantics. A missing path is created when mode.Write is set.
func (fs *Ext2Fs) FOpen(path string, mode vfs.Mode) (vfs.File, *kernel.Error) {
	num, in := fs.GetInode(path)
	if num == 0 {
		if !mode.Write {
			return nil, ErrNotFound
		}
		if fs.readOnly {
			return nil, ErrReadOnlyFS
		}
		var err *kernel.Error
		num, in, err = fs.createFile(path)
		if err != nil {
			return nil, err
		}
	}
	if in.isDirectory() {
		return nil, ErrIsDirectory
	}
	if mode.Write && fs.readOnly {
		return nil, ErrReadOnlyFS
	}

	inCopy := in
	if mode.Truncate {
		if err := fs.truncateToZero(&inCopy); err != nil {
			return nil, err
		}
		if err := fs.writeInode(num, &inCopy); err != nil {
			return nil, err
		}
	}

	return &Ext2File{fs: fs, ino: num, in: &inCopy, writable: mode.Write}, nil
}

// createFile allocates a new regular-file inode and binds it into its
// parent directory.
func (fs *Ext2Fs) createFile(path string) (uint32, inode, *kernel.Error) {
	parentPath, leaf := parentAndLeaf(path)
	if leaf == "" {
		return 0, inode{}, ErrNotFound
	}
	parentNum, parentIn := fs.GetInode(parentPath)
	if parentNum == 0 || !parentIn.isDirectory() {
		return 0, inode{}, ErrNotFound
	}

	num, err := fs.allocateInode()
	if err != nil {
		return 0, inode{}, err
	}

	newIn := &inode{mode: typeFile | 0644, linksCount: 1}
	if err := fs.writeInode(num, newIn); err != nil {
		return 0, inode{}, err
	}

	if err := fs.addDirEntry(parentNum, &parentIn, leaf, num, fTypeRegular); err != nil {
		return 0, inode{}, err
	}

	return num, *newIn, nil
}

// Rename retargets a directory entry's name; it refuses to move a file
// between directories in this port (same-directory rename only), since
// the specification requires only that cross-file-system rename fail.
func (fs *Ext2Fs) Rename(oldPath, newPath string) *kernel.Error {
	oldParentPath, oldLeaf := parentAndLeaf(oldPath)
	newParentPath, newLeaf := parentAndLeaf(newPath)
	if oldParentPath != newParentPath {
		return ErrNotDirectory
	}
	if fs.readOnly {
		return ErrReadOnlyFS
	}

	parentNum, parentIn := fs.GetInode(oldParentPath)
	if parentNum == 0 {
		return ErrNotFound
	}

	childNum, _ := fs.GetInode(oldPath)
	if childNum == 0 {
		return ErrNotFound
	}

	if err := fs.removeDirEntry(&parentIn, oldLeaf); err != nil {
		return err
	}
	return fs.addDirEntry(parentNum, &parentIn, newLeaf, childNum, fTypeRegular)
}
