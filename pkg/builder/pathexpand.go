package builder

import (
	"path"
	"strings"
)

// RPathScope is one @rpath search frame: the ordered LC_RPATH strings
// contributed by a single image, already expanded of their own
// @loader_path/@executable_path references (§4.E step 2, "path-variant
// expansion").
type RPathScope struct {
	ImagePath string
	Rpaths    []string
}

// RPathStack is the chain of RPathScope frames in effect while resolving
// a dependent of some client image: the client's own scope first, then
// its loader's, up to the main executable's.
type RPathStack []RPathScope

// ExpandVariant substitutes @loader_path and @executable_path in p using
// loaderPath (the image whose load command named p) and mainExecutable.
// @rpath is left untouched; ExpandRPath handles it with the full stack.
func ExpandVariant(p, loaderPath, mainExecutable string) string {
	switch {
	case strings.HasPrefix(p, "@loader_path"):
		return path.Join(path.Dir(loaderPath), strings.TrimPrefix(p, "@loader_path"))
	case strings.HasPrefix(p, "@executable_path"):
		return path.Join(path.Dir(mainExecutable), strings.TrimPrefix(p, "@executable_path"))
	default:
		return p
	}
}

// ExpandRPath enumerates the candidate paths for an "@rpath/..." reference:
// the stack is searched innermost-scope first (the client's own LC_RPATHs),
// each entry already having had its own @loader_path/@executable_path
// resolved when the scope was built, per §4.E step 2.
func ExpandRPath(p string, stack RPathStack, mainExecutable string) []string {
	suffix := strings.TrimPrefix(p, "@rpath")
	var candidates []string
	for _, scope := range stack {
		for _, rp := range scope.Rpaths {
			candidates = append(candidates, path.Join(rp, suffix))
		}
	}
	return candidates
}

// NewRPathScope builds an RPathScope from a loaded image's raw LC_RPATH
// strings, expanding any @loader_path/@executable_path within them.
func NewRPathScope(imagePath string, rawRpaths []string, mainExecutable string) RPathScope {
	scope := RPathScope{ImagePath: imagePath}
	for _, rp := range rawRpaths {
		scope.Rpaths = append(scope.Rpaths, ExpandVariant(rp, imagePath, mainExecutable))
	}
	return scope
}

// CandidatePaths returns every path the builder must try, in search
// order, for a dependent's raw load-command path (§4.E step 2 and the
// DependencyMissingError.AttemptedPaths list of §7):
//   - a literal path (no @-prefix) is tried as-is
//   - @loader_path/@executable_path expand to exactly one candidate
//   - @rpath expands to one candidate per RPathScope entry on the stack
func CandidatePaths(rawPath string, stack RPathStack, loaderPath, mainExecutable string) []string {
	switch {
	case strings.HasPrefix(rawPath, "@rpath"):
		return ExpandRPath(rawPath, stack, mainExecutable)
	case strings.HasPrefix(rawPath, "@loader_path"), strings.HasPrefix(rawPath, "@executable_path"):
		return []string{ExpandVariant(rawPath, loaderPath, mainExecutable)}
	default:
		return []string{rawPath}
	}
}
