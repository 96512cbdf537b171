// Package upload stores images attached to issue reports in the workspace.
package upload

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"civicsense/internal/config"
	"civicsense/internal/domain"
	"civicsense/internal/lifecycle"
)

// URLPrefix is the path under which stored files are served.
const URLPrefix = "/uploads/"

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

type Store struct {
	Dir          string
	MaxBytes     int64
	AllowedTypes []string
	NewID        func() string
}

// New returns a store rooted at dir with the limits from cfg.
func New(dir string, cfg *config.Config) *Store {
	s := &Store{Dir: dir, NewID: uuid.NewString}
	if cfg != nil {
		s.MaxBytes = cfg.Uploads.MaxBytes
		s.AllowedTypes = cfg.Uploads.AllowedTypes
	}
	return s
}

// File is one upload in a batch.
type File struct {
	Name string
	Body io.Reader
}

// Result reports the outcome of one file in a batch.
type Result struct {
	Name string
	URL  string
	Err  error
}

// Store sniffs the content type of r, writes it under a fresh name and
// returns the reference to keep on the issue. The original name is only used
// in error messages.
func (s *Store) Store(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	br := bufio.NewReaderSize(r, 512)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", &lifecycle.StoreError{Op: "read upload", Err: err}
	}
	if len(head) == 0 {
		return "", &lifecycle.ValidationError{Field: "image", Reason: fmt.Sprintf("%s is empty", name)}
	}
	ctype := http.DetectContentType(head)
	ext, known := extensions[ctype]
	if !known || (len(s.AllowedTypes) > 0 && !slices.Contains(s.AllowedTypes, ctype)) {
		return "", &lifecycle.ValidationError{Field: "image", Reason: fmt.Sprintf("%s has unsupported type %s", name, ctype)}
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", &lifecycle.StoreError{Op: "create upload dir", Err: err}
	}
	tmp, err := os.CreateTemp(s.Dir, ".upload-*")
	if err != nil {
		return "", &lifecycle.StoreError{Op: "create upload", Err: err}
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	var src io.Reader = br
	if s.MaxBytes > 0 {
		src = io.LimitReader(br, s.MaxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", &lifecycle.StoreError{Op: "write upload", Err: err}
	}
	if s.MaxBytes > 0 && n > s.MaxBytes {
		return "", &lifecycle.ValidationError{Field: "image", Reason: fmt.Sprintf("%s exceeds %d bytes", name, s.MaxBytes)}
	}

	newID := s.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	final := newID() + ext
	if err := os.Rename(tmpPath, filepath.Join(s.Dir, final)); err != nil {
		return "", &lifecycle.StoreError{Op: "store upload", Err: err}
	}
	ok = true
	return URLPrefix + final, nil
}

// StoreAll stores each file independently. A failed file does not stop the
// others; callers keep the URLs that succeeded and report the rest. Files
// past the per-issue limit fail with a ValidationError.
func (s *Store) StoreAll(ctx context.Context, files []File) []Result {
	out := make([]Result, 0, len(files))
	for i, f := range files {
		res := Result{Name: f.Name}
		if i >= domain.MaxImages {
			res.Err = &lifecycle.ValidationError{Field: "images", Reason: fmt.Sprintf("at most %d images per report", domain.MaxImages)}
		} else {
			res.URL, res.Err = s.Store(ctx, f.Name, f.Body)
		}
		out = append(out, res)
	}
	return out
}

// URLs returns the references of the successful results, in order.
func URLs(results []Result) []string {
	var out []string
	for _, r := range results {
		if r.Err == nil && r.URL != "" {
			out = append(out, r.URL)
		}
	}
	return out
}

// Path maps a reference returned by Store back to its file. References that
// do not name a direct child of the store directory are rejected.
func (s *Store) Path(ref string) (string, error) {
	name, found := strings.CutPrefix(ref, URLPrefix)
	if !found {
		name = ref
	}
	if name == "" || name != path.Base(name) || strings.HasPrefix(name, ".") {
		return "", &lifecycle.ValidationError{Field: "image", Reason: fmt.Sprintf("bad reference %q", ref)}
	}
	return filepath.Join(s.Dir, name), nil
}
