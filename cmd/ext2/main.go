// Command ext2 inspects and manipulates ext2 filesystem images: mkfs,
// superblock info, listing, file extraction and host-tree copy-in.
// Read-only commands accept xz- and lz4-compressed images transparently.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	verbose   bool
	mountOpts string
)

func main() {
	root := &cobra.Command{
		Use:   "ext2",
		Short: "work with ext2 filesystem images",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().StringVarP(&mountOpts, "options", "o", "", "mount options, e.g. errors=remount-ro,debug")

	root.AddCommand(mkfsCmd())
	root.AddCommand(infoCmd())
	root.AddCommand(lsCmd())
	root.AddCommand(catCmd())
	root.AddCommand(statfsCmd())
	root.AddCommand(cpCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
