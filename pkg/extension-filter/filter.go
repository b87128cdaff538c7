package extfilter

import (
	"strings"
)

// DefaultExtensions are resource file types that never get redirected.
var DefaultExtensions = []string{
	"css", "js", "map",
	"png", "jpg", "jpeg", "gif", "svg", "ico", "webp",
	"woff", "woff2", "ttf", "eot",
}

// Filter classifies paths as resource files by extension.
type Filter struct {
	exts            map[string]struct{}
	caseInsensitive bool
}

// New creates a filter for the given extensions (with or without leading dot).
func New(exts []string, caseInsensitive bool) *Filter {
	f := &Filter{
		exts:            make(map[string]struct{}, len(exts)),
		caseInsensitive: caseInsensitive,
	}
	for _, ext := range exts {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if ext == "" {
			continue
		}
		if caseInsensitive {
			ext = strings.ToLower(ext)
		}
		f.exts[ext] = struct{}{}
	}
	return f
}

// Default returns a case-insensitive filter for DefaultExtensions.
func Default() *Filter {
	return New(DefaultExtensions, true)
}

// IsResourceExtension reports whether the last segment of path has an ignored extension.
// Dotfiles such as `/.gitignore` are not resource files.
func (f *Filter) IsResourceExtension(path string) bool {
	if f == nil {
		return false
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	segment := path[strings.LastIndex(path, "/")+1:]
	dot := strings.LastIndex(segment, ".")
	if dot <= 0 {
		return false
	}
	ext := segment[dot+1:]
	if ext == "" {
		return false
	}
	if f.caseInsensitive {
		ext = strings.ToLower(ext)
	}
	_, ok := f.exts[ext]
	return ok
}
