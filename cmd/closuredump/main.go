// Command closuredump pretty-prints a closure previously written by
// closurebuild, mirroring the teacher's cmd/dtest register of small,
// single-purpose inspection tools.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lgcooci/dyldclosure/pkg/closure"
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: closuredump <closure-file>")
		os.Exit(2)
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "closuredump: %v\n", err)
		os.Exit(1)
	}

	c, err := closure.Decode(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "closuredump: decode: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("top image: %d\n", c.TopImageNum)
	if c.HasMainEntry {
		fmt.Printf("main entry: %s\n", c.MainEntry.Kind)
	}
	if c.HasStartEntry {
		fmt.Printf("start entry: %s\n", c.StartEntry.Kind)
	}
	if c.HasCacheUUID {
		fmt.Printf("dyld cache uuid: %x\n", c.DyldCacheUUID)
	}
	for _, e := range c.EnvVars {
		fmt.Printf("env: %s\n", e)
	}
	for _, m := range c.MissingFiles {
		fmt.Printf("missing: %s\n", m)
	}
	fmt.Printf("interposing tuples: %d\n", len(c.Interposing))
	fmt.Println()

	for _, img := range c.Images {
		dumpImage(img)
	}
}

func dumpImage(img *closure.Image) {
	fmt.Printf("image %d: %s\n", img.ImageNum, img.Path)
	if img.HasFileID {
		fmt.Printf("  inode=%d mtime=%d\n", img.FileID.Inode, img.FileID.Mtime)
	}
	if img.HasCDHash {
		fmt.Printf("  cdhash=%x\n", img.CDHash)
	}
	fmt.Printf("  segments=%d vmpages=%d sliceoffsetpages=%d\n",
		len(img.Segments), img.Mapping.TotalVMPages, img.Mapping.SliceOffsetPages)
	fmt.Printf("  dependents=%d rebaseRuns=%d bindRuns=%d initOffsets=%d dofOffsets=%d\n",
		len(img.Dependents), len(img.RebaseFixups), len(img.BindFixups), len(img.InitOffsets), len(img.DOFOffsets))
	if img.Flags.Has(closure.FlagHasWeakDefs) {
		fmt.Println("  flags: weak-defs")
	}
	if img.Flags.Has(closure.FlagInSharedCache) {
		fmt.Println("  flags: in-shared-cache")
	}
	for _, d := range img.Dependents {
		fmt.Printf("  dep: kind=%d imageNum=%d\n", d.Kind, d.ImageNum)
	}
}
