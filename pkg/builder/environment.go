package builder

import "strings"

// Environment carries the `DYLD_*` variables the builder recognizes
// (§6 "Environment"). It is populated by the caller from an
// `os.Environ()`-shaped slice rather than read directly, so the builder
// itself stays host-agnostic and testable.
type Environment struct {
	LibraryPath             []string
	FrameworkPath           []string
	FallbackLibraryPath     []string
	FallbackFrameworkPath   []string
	InsertLibraries         []string
	ImageSuffix             string
	RootPath                []string
}

// NewEnvironment parses a raw "KEY=VALUE" slice (as returned by
// os.Environ()) into an Environment. Unrecognized variables are ignored;
// path-list variables split on ':' per dyld convention.
func NewEnvironment(environ []string) Environment {
	var e Environment
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "DYLD_LIBRARY_PATH":
			e.LibraryPath = splitPathList(val)
		case "DYLD_FRAMEWORK_PATH":
			e.FrameworkPath = splitPathList(val)
		case "DYLD_FALLBACK_LIBRARY_PATH":
			e.FallbackLibraryPath = splitPathList(val)
		case "DYLD_FALLBACK_FRAMEWORK_PATH":
			e.FallbackFrameworkPath = splitPathList(val)
		case "DYLD_INSERT_LIBRARIES":
			e.InsertLibraries = splitPathList(val)
		case "DYLD_IMAGE_SUFFIX":
			e.ImageSuffix = val
		case "DYLD_ROOT_PATH":
			e.RootPath = splitPathList(val)
		}
	}
	return e
}

func splitPathList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ":")
}
