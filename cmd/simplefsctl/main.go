// Command simplefsctl is a debug tool for simplefs images: it can lay down
// a fresh image, print an inode's metadata, and list or walk a directory
// tree. It is not a mount utility; there is no FUSE or VFS binding here,
// only the metadata engine exercised directly. Grounded on the teacher's
// cmd/main.go urfave/cli scaffolding.
package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/urfave/cli/v2"

	"github.com/dargueta/simplefs/blockdev"
	"github.com/dargueta/simplefs/dirindex"
	"github.com/dargueta/simplefs/format"
	"github.com/dargueta/simplefs/layout"
	"github.com/dargueta/simplefs/mount"
	"github.com/dargueta/simplefs/namespace"
)

// listDirEntries reads the directory at ino and annotates each entry with
// a short kind marker, for ls and tree to render.
func listDirEntries(m *mount.Mount, ino layout.InodeNumber) ([]dirEntryRow, error) {
	n, err := m.Inodes.Iget(ino)
	if err != nil {
		return nil, err
	}
	if !n.Mode.IsDir() {
		return nil, fmt.Errorf("inode %d is not a directory", ino)
	}

	raw, err := dirindex.ListEntries(m.Dev, n.EIBlock)
	if err != nil {
		return nil, err
	}

	rows := make([]dirEntryRow, 0, len(raw))
	for _, e := range raw {
		child, err := m.Inodes.Iget(e.Inode)
		if err != nil {
			return nil, err
		}
		rows = append(rows, dirEntryRow{
			Name:  e.Name,
			Inode: uint32(e.Inode),
			Mode:  kindMarker(child.Mode),
		})
	}
	return rows, nil
}

func kindMarker(m layout.Mode) string {
	switch {
	case m.IsDir():
		return "dir"
	case m.IsSymlink():
		return "link"
	default:
		return "file"
	}
}

func main() {
	app := cli.App{
		Name:  "simplefsctl",
		Usage: "Inspect and format simplefs images",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create or wipe an image",
				Action:    formatImage,
				ArgsUsage: "IMAGE_FILE",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "inodes", Value: 64, Usage: "number of inodes"},
					&cli.Uint64Flag{Name: "blocks", Value: 256, Usage: "number of blocks"},
				},
			},
			{
				Name:      "stat",
				Usage:     "Print an inode's metadata",
				Action:    statPath,
				ArgsUsage: "IMAGE_FILE PATH",
			},
			{
				Name:      "ls",
				Usage:     "List a directory's entries",
				Action:    lsPath,
				ArgsUsage: "IMAGE_FILE PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "csv", Usage: "emit entries as CSV"},
				},
			},
			{
				Name:      "tree",
				Usage:     "Recursively list a directory tree",
				Action:    treePath,
				ArgsUsage: "IMAGE_FILE PATH",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err)
	}
}

func formatImage(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return fmt.Errorf("missing IMAGE_FILE argument")
	}

	nrBlocks := uint32(ctx.Uint64("blocks"))
	nrInodes := uint32(ctx.Uint64("inodes"))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Truncate(int64(nrBlocks) * layout.BlockSize); err != nil {
		return err
	}

	dev := blockdev.New(f, nrBlocks)
	result, err := format.Format(dev, format.Options{
		NrInodes: nrInodes,
		NrBlocks: nrBlocks,
	})
	if err != nil {
		return err
	}
	if err := dev.Sync(); err != nil {
		return err
	}

	fmt.Printf(
		"formatted %s: %d inodes, %d blocks, data starts at block %d\n",
		path, nrInodes, nrBlocks, result.FirstDataBlock,
	)
	return nil
}

// resolvePath walks name components from the root inode using fs.Lookup,
// since the metadata engine only ever resolves one path component at a
// time against a known parent.
func resolvePath(fs *namespace.Filesystem, path string) (layout.InodeNumber, error) {
	ino := format.RootInode
	path = strings.Trim(path, "/")
	if path == "" {
		return ino, nil
	}

	for _, part := range strings.Split(path, "/") {
		next, err := fs.Lookup(ino, part)
		if err != nil {
			return layout.NoInode, err
		}
		ino = next
	}
	return ino, nil
}

func mountArgs(ctx *cli.Context) (string, string, error) {
	path := ctx.Args().Get(0)
	target := ctx.Args().Get(1)
	if path == "" || target == "" {
		return "", "", fmt.Errorf("usage: %s IMAGE_FILE PATH", ctx.Command.Name)
	}
	return path, target, nil
}

func statPath(ctx *cli.Context) error {
	path, target, err := mountArgs(ctx)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	dev := blockdev.New(f, uint32(fi.Size()/layout.BlockSize))

	m, err := mount.Mount(dev)
	if err != nil {
		return err
	}

	ino, err := resolvePath(m.FS, target)
	if err != nil {
		return err
	}

	n, err := m.Inodes.Iget(ino)
	if err != nil {
		return err
	}

	fmt.Printf("inode:    %d\n", n.Number)
	fmt.Printf("mode:     %#o\n", uint32(n.Mode))
	fmt.Printf("uid/gid:  %d/%d\n", n.Uid, n.Gid)
	fmt.Printf("size:     %d\n", n.Size)
	fmt.Printf("nlink:    %d\n", n.Nlink)
	fmt.Printf("blocks:   %d\n", n.Blocks)
	return nil
}

// dirEntryRow is the CSV row shape for `ls --csv`.
type dirEntryRow struct {
	Name  string `csv:"name"`
	Inode uint32 `csv:"inode"`
	Mode  string `csv:"mode"`
}

func lsPath(ctx *cli.Context) error {
	path, target, err := mountArgs(ctx)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	dev := blockdev.New(f, uint32(fi.Size()/layout.BlockSize))

	m, err := mount.Mount(dev)
	if err != nil {
		return err
	}

	ino, err := resolvePath(m.FS, target)
	if err != nil {
		return err
	}

	entries, err := listDirEntries(m, ino)
	if err != nil {
		return err
	}

	if ctx.Bool("csv") {
		out, err := gocsv.MarshalString(&entries)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	}

	for _, e := range entries {
		fmt.Printf("%8d  %6s  %s\n", e.Inode, e.Mode, e.Name)
	}
	return nil
}

func treePath(ctx *cli.Context) error {
	path, target, err := mountArgs(ctx)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	dev := blockdev.New(f, uint32(fi.Size()/layout.BlockSize))

	m, err := mount.Mount(dev)
	if err != nil {
		return err
	}

	ino, err := resolvePath(m.FS, target)
	if err != nil {
		return err
	}

	return walkTree(m, ino, target, 0)
}

func walkTree(m *mount.Mount, ino layout.InodeNumber, name string, depth int) error {
	fmt.Printf("%s%s\n", strings.Repeat("  ", depth), name)

	n, err := m.Inodes.Iget(ino)
	if err != nil {
		return err
	}
	if !n.Mode.IsDir() {
		return nil
	}

	entries, err := listDirEntries(m, ino)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if err := walkTree(m, layout.InodeNumber(e.Inode), e.Name, depth+1); err != nil {
			return err
		}
	}
	return nil
}
