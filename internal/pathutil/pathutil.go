// Package pathutil validates and normalizes the client-supplied SD
// card paths carried in CGI parameters before they reach the
// filesystem layer.
package pathutil

import (
	"fmt"
	"path"
	"strings"
)

// Normalize validates and normalizes a storage path:
// - separator '/'
// - collapses '//' and removes '/./'
// - '/dir' and '/dir/' are identical (trailing slash removed except root)
// - forbids '..' segments
// - enforces printable ASCII and rejects characters FAT cannot store
//
// It returns the normalized path ALWAYS starting with '/'.
func Normalize(raw string, maxPath, maxName int) (string, error) {
	// Empty means root.
	if raw == "" {
		return "/", nil
	}

	if strings.Contains(raw, "\\") {
		return "", fmt.Errorf("backslash not allowed")
	}

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == 0 {
			return "", fmt.Errorf("NUL not allowed")
		}
		if c < 0x20 || c == 0x7F {
			return "", fmt.Errorf("control/DEL not allowed")
		}
		switch c {
		case ':', '"', '<', '>', '|', '*', '?':
			return "", fmt.Errorf("invalid character 0x%02x", c)
		}
	}

	if maxPath > 0 && len(raw) > maxPath {
		return "", fmt.Errorf("path length %d exceeds %d", len(raw), maxPath)
	}

	p := raw
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	// path.Clean also resolves '..', which must be FORBIDDEN, so check
	// segments first.
	for _, s := range strings.Split(p, "/") {
		if s == ".." {
			return "", fmt.Errorf(".. segment not allowed")
		}
		if s == "" || s == "." {
			continue
		}
		if maxName > 0 && len(s) > maxName {
			return "", fmt.Errorf("segment too long (%d>%d)", len(s), maxName)
		}
		if strings.HasSuffix(s, " ") || strings.HasSuffix(s, ".") {
			return "", fmt.Errorf("segment may not end with space or dot")
		}
	}

	p = path.Clean(p)
	if p == "." {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p, nil
}

// Join normalizes folder and name into a single path, the way the CGI
// mutation handlers combine their "folder" and "src" parameters.
func Join(folder, name string, maxPath, maxName int) (string, error) {
	if strings.Contains(name, "/") {
		return "", fmt.Errorf("name may not contain '/'")
	}
	return Normalize(folder+"/"+name, maxPath, maxName)
}
