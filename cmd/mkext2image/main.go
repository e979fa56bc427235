// Command mkext2image builds an ext2-formatted disk image on the host,
// suitable for a blockdev.FileDevice to be mmap'd and mounted by
// gopheros/fs/ext2. It is the Go-native analogue of a minimal mkfs.ext2:
// it formats an empty image and, optionally, copies a host directory tree
// into the new root.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"gopheros/blockdev"
	"gopheros/fs/ext2"
	"gopheros/kernel/vfs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		out        string
		sizeBytes  int64
		blockSize  uint32
		inodeCount uint32
		fromDir    string
	)

	cmd := &cobra.Command{
		Use:   "mkext2image",
		Short: "Build an ext2-formatted disk image",
		Long: "mkext2image formats a host file as a single-block-group ext2 file " +
			"system and, optionally, copies a host directory tree into its root.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(out, sizeBytes, blockSize, inodeCount, fromDir)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&out, "out", "o", "disk.img", "path to the image file to create")
	flags.Int64VarP(&sizeBytes, "size", "s", 16<<20, "image size in bytes")
	flags.Uint32Var(&blockSize, "block-size", 1024, "ext2 block size (1024, 2048 or 4096)")
	flags.Uint32Var(&inodeCount, "inodes", 1024, "total inode count")
	flags.StringVar(&fromDir, "from", "", "host directory whose contents are copied into the image root")

	return cmd
}

func run(out string, sizeBytes int64, blockSize, inodeCount uint32, fromDir string) error {
	dev, kerr := blockdev.CreateFileDevice(out, sizeBytes)
	if kerr != nil {
		return fmt.Errorf("create image: %w", kerr)
	}
	defer dev.Close()

	fs, kerr := ext2.Format(dev, ext2.FormatOptions{BlockSize: blockSize, InodeCount: inodeCount})
	if kerr != nil {
		return fmt.Errorf("format: %w", kerr)
	}

	if fromDir != "" {
		if err := copyTree(fs, fromDir, "/"); err != nil {
			return err
		}
	}

	if err := dev.Sync(); err != nil {
		return fmt.Errorf("sync image: %w", err)
	}
	return nil
}

// copyTree walks a host directory and recreates it under dstDir in fs,
// creating directories with Mkdir and copying regular files byte for byte.
func copyTree(fs *ext2.Ext2Fs, hostDir, dstDir string) error {
	entries, err := os.ReadDir(hostDir)
	if err != nil {
		return fmt.Errorf("read %s: %w", hostDir, err)
	}

	for _, entry := range entries {
		hostPath := filepath.Join(hostDir, entry.Name())
		dstPath := dstDir + entry.Name()

		if entry.IsDir() {
			if err := fs.Mkdir(dstPath); err != nil {
				return fmt.Errorf("mkdir %s: %w", dstPath, err)
			}
			if err := copyTree(fs, hostPath, dstPath+"/"); err != nil {
				return err
			}
			continue
		}

		if err := copyFile(fs, hostPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(fs *ext2.Ext2Fs, hostPath, dstPath string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", hostPath, err)
	}

	f, kerr := fs.FOpen(dstPath, vfs.Mode{Write: true, Truncate: true})
	if kerr != nil {
		return fmt.Errorf("create %s: %w", dstPath, kerr)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", dstPath, err)
	}
	return nil
}
