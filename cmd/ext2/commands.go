package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/djherbis/times.v1"

	"github.com/diskfs/go-ext2lite/backend/file"
	"github.com/diskfs/go-ext2lite/filesystem/ext2"
	"github.com/diskfs/go-ext2lite/sync"
)

func mkfsCmd() *cobra.Command {
	var (
		size           int64
		blockSize      uint32
		inodesPerGroup uint32
		label          string
		errorsBehavior string
	)
	cmd := &cobra.Command{
		Use:   "mkfs <image>",
		Short: "create an ext2 filesystem image",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			b, err := file.CreateFromPath(args[0], size)
			if err != nil {
				return err
			}
			defer b.Close()
			fs, err := ext2.Create(b, size, 0, 0, &ext2.Params{
				BlockSize:      blockSize,
				InodesPerGroup: inodesPerGroup,
				VolumeName:     label,
				Errors:         errorsBehavior,
			})
			if err != nil {
				return err
			}
			defer fs.Close()
			st := fs.Statfs()
			fmt.Printf("created %s: %d blocks of %d bytes, %d inodes\n", args[0], st.Blocks, st.BlockSize, st.Inodes)
			return nil
		},
	}
	cmd.Flags().Int64VarP(&size, "size", "s", 8*1024*1024, "image size in bytes")
	cmd.Flags().Uint32VarP(&blockSize, "block-size", "b", 1024, "block size: 1024, 2048 or 4096")
	cmd.Flags().Uint32VarP(&inodesPerGroup, "inodes-per-group", "N", 0, "inodes per block group")
	cmd.Flags().StringVarP(&label, "label", "L", "", "volume label")
	cmd.Flags().StringVarP(&errorsBehavior, "errors", "e", "", "errors behavior: continue, remount-ro or panic")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <image>",
		Short: "print superblock and usage information",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			fs, cleanup, err := mountImage(args[0], true)
			if err != nil {
				return err
			}
			defer cleanup()
			defer fs.Close()

			st := fs.Statfs()
			fmt.Printf("label:        %s\n", fs.Label())
			fmt.Printf("block size:   %d\n", st.BlockSize)
			fmt.Printf("blocks:       %d (%d free)\n", st.Blocks, st.BlocksFree)
			fmt.Printf("inodes:       %d (%d free)\n", st.Inodes, st.InodesFree)
			fmt.Printf("fsid:         %016x\n", st.FSID)
			fmt.Printf("options:      %s\n", fs.ShowOptions())

			// report the image file's own times next to the superblock ones
			if ts, err := times.Stat(args[0]); err == nil {
				fmt.Printf("image mtime:  %s\n", ts.ModTime())
				fmt.Printf("image atime:  %s\n", ts.AccessTime())
				if ts.HasChangeTime() {
					fmt.Printf("image ctime:  %s\n", ts.ChangeTime())
				}
			}
			return nil
		},
	}
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <image> [path]",
		Short: "list a directory in the image",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			p := "/"
			if len(args) > 1 {
				p = args[1]
			}
			fs, cleanup, err := mountImage(args[0], true)
			if err != nil {
				return err
			}
			defer cleanup()
			defer fs.Close()

			entries, err := fs.ReadDir(p)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s %10d %s %s\n", e.Mode(), e.Size(), e.ModTime().Format("Jan _2 15:04"), e.Name())
			}
			return nil
		},
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <image> <path>",
		Short: "write a file from the image to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			fs, cleanup, err := mountImage(args[0], true)
			if err != nil {
				return err
			}
			defer cleanup()
			defer fs.Close()

			f, err := fs.OpenFile(args[1], os.O_RDONLY)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(os.Stdout, f); err != nil && err != io.EOF {
				return err
			}
			return nil
		},
	}
}

func statfsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "statfs <image>",
		Short: "print filesystem usage counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			fs, cleanup, err := mountImage(args[0], true)
			if err != nil {
				return err
			}
			defer cleanup()
			defer fs.Close()

			st := fs.Statfs()
			fmt.Printf("blocks: %d free: %d inodes: %d ifree: %d namelen: %d\n",
				st.Blocks, st.BlocksFree, st.Inodes, st.InodesFree, st.NameLength)
			return nil
		},
	}
}

func cpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <image> <hostdir>",
		Short: "copy a host directory tree into the image",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			fs, cleanup, err := mountImage(args[0], false)
			if err != nil {
				return err
			}
			defer cleanup()
			defer fs.Close()

			return sync.CopyFileSystem(os.DirFS(args[1]), fs)
		},
	}
}
