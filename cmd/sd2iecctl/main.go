// Command sd2iecctl inspects and edits a mounted partition (FAT
// directory or D64/D71/D81/M2I image) offline, without a bus attached —
// the host-side counterpart to cmd/sd2iecsim, the way the teacher's
// cmd/w64tool gave direct command-line access to a WiCOS64 store
// without going through the HTTP server.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sd2iec/sd2iec/internal/diskimage"
	"github.com/sd2iec/sd2iec/internal/mount"
	"github.com/sd2iec/sd2iec/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:   "sd2iecctl",
		Short: "Inspect and edit an sd2iec partition offline",
	}

	var label, id string

	dirCmd := &cobra.Command{
		Use:   "dir <path>",
		Short: "List the directory of a mounted image or FAT root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := mount.Open(args[0], label, id)
			if err != nil {
				return err
			}
			entries, err := ops.ReadDir()
			if err != nil {
				return err
			}
			lbl, vid, _ := ops.Label()
			fmt.Printf("0 \"%-16s\" %-2s\n", lbl, vid)
			for _, e := range entries {
				fmt.Printf("%-4d \"%-16s\" %s\n", e.Blocks, e.Name, fileTypeName(e.Type))
			}
			free, _ := ops.FreeBlocks()
			fmt.Printf("%d blocks free.\n", free)
			return nil
		},
	}

	extractCmd := &cobra.Command{
		Use:   "extract <image> <name> <outfile>",
		Short: "Copy one file out of a mounted image to a host file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := mount.Open(args[0], label, id)
			if err != nil {
				return err
			}
			src, err := ops.OpenRead(args[1])
			if err != nil {
				return err
			}
			defer src.Close()
			dst, err := os.Create(args[2])
			if err != nil {
				return err
			}
			defer dst.Close()
			_, err = io.Copy(dst, src)
			return err
		},
	}

	var replace bool
	putCmd := &cobra.Command{
		Use:   "put <image> <infile> <name>",
		Short: "Copy a host file into a mounted image",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := mount.Open(args[0], label, id)
			if err != nil {
				return err
			}
			src, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer src.Close()
			dst, err := ops.OpenWrite(args[2], diskimage.FilePRG, replace)
			if err != nil {
				return err
			}
			if _, err := io.Copy(dst, src); err != nil {
				_ = dst.Close()
				return err
			}
			return dst.Close()
		},
	}
	putCmd.Flags().BoolVar(&replace, "replace", false, "overwrite an existing entry")

	scratchCmd := &cobra.Command{
		Use:   "scratch <image> <pattern>",
		Short: "Delete files matching pattern (wildcards allowed)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := mount.Open(args[0], label, id)
			if err != nil {
				return err
			}
			n, err := ops.Scratch(args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%d files scratched\n", n)
			return nil
		},
	}

	formatCmd := &cobra.Command{
		Use:   "format <image> <label> <id>",
		Short: "Reinitialize a D64 or M2I image (unsupported on D71/D81/FAT)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := mount.Open(args[0], "", "")
			if err != nil {
				return err
			}
			if err := ops.Format(args[1], args[2]); err != nil {
				if err == diskimage.ErrFormatUnsupported {
					return errors.Errorf("%s: format not supported on this image type", args[0])
				}
				return err
			}
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Get().String())
		},
	}

	for _, c := range []*cobra.Command{dirCmd, extractCmd, putCmd} {
		c.Flags().StringVar(&label, "label", "SD2IEC", "FAT partition label (ignored for D64/D71/D81)")
		c.Flags().StringVar(&id, "id", "00", "FAT partition id (ignored for D64/D71/D81)")
	}

	root.AddCommand(dirCmd, extractCmd, putCmd, scratchCmd, formatCmd, versionCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sd2iecctl:", err)
		os.Exit(1)
	}
}

func fileTypeName(t diskimage.FileType) string {
	switch t {
	case diskimage.FileDEL:
		return "DEL"
	case diskimage.FileSEQ:
		return "SEQ"
	case diskimage.FilePRG:
		return "PRG"
	case diskimage.FileUSR:
		return "USR"
	case diskimage.FileREL:
		return "REL"
	case diskimage.FileCBM:
		return "CBM"
	case diskimage.FileDIR:
		return "DIR"
	default:
		return "???"
	}
}
