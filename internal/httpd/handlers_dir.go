package httpd

import (
	"errors"
	"net/http"
	"strconv"

	"cartbridge/internal/fsops"
)

// handleFolder answers /folder.cgi: bare subdirectory names of the
// requested folder, for folder pickers. Any failure yields an empty
// array, never an error object.
func (s *Server) handleFolder(r *http.Request) {
	folder, ok := decodeParam(r, "folder", s.cfg.MaxPath)
	if !ok {
		s.emptyArray()
		return
	}
	dir, err := s.resolve(folder)
	if err != nil {
		s.emptyArray()
		return
	}
	names, err := fsops.ListDirs(dir)
	if err != nil {
		s.emptyArray()
		return
	}
	aw := s.resp.BeginArray(lsHeadroom)
	for _, name := range names {
		ok, err := aw.Append(name)
		if err != nil || !ok {
			break
		}
	}
	aw.Close()
}

// handleLs answers /ls.cgi: one page of directory entries starting at
// nextItem. When the buffer fills before the entries run out, the page
// ends with an empty-object sentinel and the client resumes from the
// count it has consumed so far.
func (s *Server) handleLs(r *http.Request) {
	folder, ok1 := decodeParam(r, "folder", s.cfg.MaxPath)
	nextRaw, ok2 := decodeParam(r, "nextItem", 16)
	if !ok1 || !ok2 {
		s.emptyArray()
		return
	}
	next, err := strconv.Atoi(nextRaw)
	if err != nil || next < 0 {
		s.emptyArray()
		return
	}
	dir, err := s.resolve(folder)
	if err != nil {
		s.emptyArray()
		return
	}
	entries, err := fsops.List(dir)
	if err != nil {
		s.emptyArray()
		return
	}
	if next > len(entries) {
		next = len(entries)
	}

	aw := s.resp.BeginArray(lsHeadroom)
	for _, e := range entries[next:] {
		ok, err := aw.Append(e)
		if err != nil {
			break
		}
		if !ok {
			aw.CloseTruncated()
			return
		}
	}
	aw.Close()
}

func (s *Server) handleMkdir(r *http.Request) {
	target, ok := s.folderSrcPath(r)
	if !ok {
		return
	}
	if err := fsops.Mkdir(target); err != nil {
		s.resp.SetErrorf("mkdir failed %d", fsops.ResultCode(err))
		return
	}
	s.resp.SetStatus("created")
}

func (s *Server) handleRename(r *http.Request) {
	folder, ok1 := decodeParam(r, "folder", s.cfg.MaxPath)
	src, ok2 := decodeParam(r, "src", s.cfg.MaxName)
	dst, ok3 := decodeParam(r, "dst", s.cfg.MaxName)
	if !ok1 || !ok2 || !ok3 {
		s.resp.SetError("missing parameters")
		return
	}
	from, err := s.resolveChild(folder, src)
	if err != nil {
		s.resp.SetError("invalid encoding")
		return
	}
	to, err := s.resolveChild(folder, dst)
	if err != nil {
		s.resp.SetError("invalid encoding")
		return
	}
	if err := fsops.Rename(from, to); err != nil {
		s.resp.SetErrorf("rename failed %d", fsops.ResultCode(err))
		return
	}
	s.resp.SetStatus("renamed")
}

func (s *Server) handleDelete(r *http.Request) {
	target, ok := s.folderSrcPath(r)
	if !ok {
		return
	}
	if err := fsops.Delete(target); err != nil {
		if errors.Is(err, fsops.ErrDirNotEmpty) {
			s.resp.SetError("directory not empty")
			return
		}
		s.resp.SetErrorf("delete failed %d", fsops.ResultCode(err))
		return
	}
	s.resp.SetStatus("deleted")
}

func (s *Server) handleAttr(r *http.Request) {
	folder, ok1 := decodeParam(r, "folder", s.cfg.MaxPath)
	src, ok2 := decodeParam(r, "src", s.cfg.MaxName)
	hiddenRaw, ok3 := decodeParam(r, "hidden", 8)
	roRaw, ok4 := decodeParam(r, "readonly", 8)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		s.resp.SetError("missing parameters")
		return
	}
	target, err := s.resolveChild(folder, src)
	if err != nil {
		s.resp.SetError("invalid encoding")
		return
	}
	if err := fsops.SetAttributes(target, boolParam(hiddenRaw), boolParam(roRaw)); err != nil {
		s.resp.SetErrorf("chmod failed %d", fsops.ResultCode(err))
		return
	}
	s.resp.SetStatus("attributes updated")
}

// folderSrcPath decodes the folder/src pair shared by mkdir and del,
// writing the error response itself when the pair is unusable.
func (s *Server) folderSrcPath(r *http.Request) (string, bool) {
	folder, ok1 := decodeParam(r, "folder", s.cfg.MaxPath)
	src, ok2 := decodeParam(r, "src", s.cfg.MaxName)
	if !ok1 || !ok2 {
		s.resp.SetError("missing parameters")
		return "", false
	}
	target, err := s.resolveChild(folder, src)
	if err != nil {
		s.resp.SetError("invalid encoding")
		return "", false
	}
	return target, true
}

func (s *Server) emptyArray() {
	s.resp.Reset()
	_ = s.resp.WriteString("[]")
}

func boolParam(v string) bool {
	return v == "1" || v == "true"
}
