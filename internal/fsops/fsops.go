// Package fsops is the filesystem layer under the CGI handlers. It
// resolves normalized storage paths into on-disk paths inside the
// configured root and exposes the FAT-flavored metadata (attribute
// bits, packed DOS timestamps) the file manager protocol speaks.
package fsops

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrSymlinkNotAllowed = errors.New("symlink not allowed")
	ErrDirNotEmpty       = errors.New("directory not empty")
)

// FAT attribute bits as reported in directory listings.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrDirectory = 0x10
)

// Result codes embedded in JSON error responses, matching the numeric
// scheme of the FAT driver the web client already understands.
const (
	ResultDiskErr = 1
	ResultNoFile  = 4
	ResultNoPath  = 5
	ResultDenied  = 7
	ResultExist   = 8
)

// ResultCode maps an error to the protocol's numeric result code.
func ResultCode(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ResultNoFile
	case errors.Is(err, fs.ErrExist):
		return ResultExist
	case errors.Is(err, fs.ErrPermission), errors.Is(err, ErrDirNotEmpty):
		return ResultDenied
	default:
		return ResultDiskErr
	}
}

// ToOSPath converts a normalized storage path (starting with '/') into
// an on-disk path inside root. It performs a lexical sandbox check (no
// '..') and ensures the resulting path stays within root.
//
// The storage medium is FAT, so lookups are case-insensitive: each
// existing path segment is resolved against the directory's actual
// entries so that files written with different casing stay reachable
// on case-sensitive host filesystems.
func ToOSPath(rootAbs, normalized string) (string, error) {
	cleanRoot := filepath.Clean(rootAbs)
	if normalized == "" || normalized == "/" {
		return cleanRoot, nil
	}
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}

	segs := strings.Split(strings.TrimPrefix(normalized, "/"), "/")
	cur := cleanRoot
	for i, seg := range segs {
		if seg == "" || seg == "." {
			continue
		}
		entries, err := os.ReadDir(cur)
		if err != nil {
			// Cannot list this directory; fall back to the lexical join
			// for the remaining path.
			return joinRest(cleanRoot, cur, segs[i:])
		}

		best := ""
		for _, e := range entries {
			name := e.Name()
			if strings.EqualFold(name, seg) {
				if best == "" || name < best {
					best = name
				}
			}
		}
		if best == "" {
			// Segment does not exist (yet).
			return joinRest(cleanRoot, cur, segs[i:])
		}

		next := filepath.Join(cur, best)
		fi, err := os.Lstat(next)
		if err != nil {
			return joinRest(cleanRoot, cur, segs[i:])
		}
		// Never follow symlinks during resolution.
		if fi.Mode()&os.ModeSymlink != 0 {
			return "", ErrSymlinkNotAllowed
		}
		if i < len(segs)-1 && !fi.IsDir() {
			return joinRest(cleanRoot, next, segs[i+1:])
		}
		cur = next
	}
	return ensureWithinRoot(cleanRoot, cur)
}

func joinRest(cleanRoot, cur string, rest []string) (string, error) {
	p := cur
	if len(rest) > 0 {
		p = filepath.Join(cur, filepath.FromSlash(strings.Join(rest, "/")))
	}
	return ensureWithinRoot(cleanRoot, p)
}

func ensureWithinRoot(cleanRoot, p string) (string, error) {
	cleanP := filepath.Clean(p)
	rel, err := filepath.Rel(cleanRoot, cleanP)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root")
	}
	return cleanP, nil
}

// Entry is one directory entry as exposed by the listing endpoint.
type Entry struct {
	Name       string `json:"n"`
	Attr       int    `json:"a"`
	Size       int64  `json:"s"`
	PackedTime uint32 `json:"t"`
}

// List reads all entries of dir in directory order.
func List(dir string) ([]Entry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		info, err := de.Info()
		if err != nil {
			// Entry vanished between ReadDir and Info.
			continue
		}
		out = append(out, entryFromInfo(info))
	}
	return out, nil
}

// ListDirs returns the names of subdirectories only, for folder pickers.
func ListDirs(dir string) ([]string, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, de := range des {
		if de.IsDir() {
			out = append(out, de.Name())
		}
	}
	return out, nil
}

func entryFromInfo(info fs.FileInfo) Entry {
	e := Entry{
		Name:       info.Name(),
		PackedTime: PackTime(info.ModTime()),
	}
	if info.IsDir() {
		e.Attr |= AttrDirectory
	} else {
		e.Size = info.Size()
	}
	if info.Mode().Perm()&0o200 == 0 {
		e.Attr |= AttrReadOnly
	}
	if strings.HasPrefix(info.Name(), ".") {
		e.Attr |= AttrHidden
	}
	return e
}

// PackTime packs a timestamp into the FAT on-disk format: the 16-bit
// date word in the high half, the 16-bit time word (2-second
// resolution) in the low half.
func PackTime(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	y := t.Year()
	if y < 1980 {
		y = 1980
	}
	if y > 2107 {
		y = 2107
	}
	date := uint32(y-1980)<<9 | uint32(t.Month())<<5 | uint32(t.Day())
	tim := uint32(t.Hour())<<11 | uint32(t.Minute())<<5 | uint32(t.Second()/2)
	return date<<16 | tim
}

// Mkdir creates a single directory (no parents, matching the CGI
// contract).
func Mkdir(path string) error {
	return os.Mkdir(path, 0o755)
}

// Rename renames a file or directory within the same folder.
func Rename(from, to string) error {
	return os.Rename(from, to)
}

// Delete removes a regular file, or a directory only when it is
// empty. Recursive delete is deliberately unsupported.
func Delete(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		des, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		if len(des) > 0 {
			return ErrDirNotEmpty
		}
	}
	return os.Remove(path)
}

// SetAttributes applies the hidden and read-only attribute bits.
//
// Read-only maps to the host file mode. FAT's hidden bit has no POSIX
// representation: the listing derives it from a leading dot, so here
// it is accepted and acknowledged but only the read-only bit actually
// changes the file.
func SetAttributes(path string, hidden, readOnly bool) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := fi.Mode().Perm()
	if readOnly {
		mode &^= 0o222
	} else {
		mode |= 0o200
	}
	_ = hidden
	return os.Chmod(path, mode)
}

// ClearReadOnly strips the read-only bit if present, so a download
// target can be overwritten.
func ClearReadOnly(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	if fi.Mode().Perm()&0o200 == 0 {
		_ = os.Chmod(path, fi.Mode().Perm()|0o200)
	}
}
