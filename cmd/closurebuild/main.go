// Command closurebuild builds a launch closure for a main executable,
// exercising pkg/builder against the real filesystem, and writes the
// encoded closure to disk.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/lgcooci/dyldclosure/pkg/builder"
	"github.com/xyproto/env/v2"
)

func main() {
	out := flag.String("o", "closure.bin", "output path for the encoded closure")
	verbose := flag.Bool("v", env.Bool("CLOSUREBUILD_VERBOSE"), "log the main executable before building (dependencies are not logged individually)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: closurebuild [-o path] <main-executable>")
		os.Exit(2)
	}
	mainPath := flag.Arg(0)

	logger := log.New(os.Stderr, "closurebuild: ", 0)

	dyldEnv := builder.NewEnvironment(os.Environ())
	b := builder.New(&osFileSystem{}, nil)
	b.SetEnvironment(dyldEnv)

	if *verbose {
		logger.Printf("building closure for %s", mainPath)
	}

	c, err := b.Build(mainPath)
	if err != nil {
		logger.Fatalf("build %s: %v", mainPath, err)
	}
	for _, w := range b.Warnings() {
		logger.Printf("warning: %s", w)
	}

	data := c.Encode()
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		logger.Fatalf("write %s: %v", *out, err)
	}
	logger.Printf("wrote closure for %s (%d images, %d bytes) to %s", mainPath, len(c.Images), len(data), *out)
}

// osFileSystem implements builder.FileSystem against the real filesystem.
type osFileSystem struct{}

func (osFileSystem) Stat(path string) (uint64, int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	ino, mtime := fileIdentity(fi)
	return ino, mtime, nil
}

func (osFileSystem) Open(path string) (builder.SliceSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &osSlice{File: f, size: fi.Size()}, nil
}

type osSlice struct {
	*os.File
	size int64
}

func (s *osSlice) Size() int64 { return s.size }
