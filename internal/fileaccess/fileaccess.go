// Package fileaccess reads outgoing files and stores incoming ones on the
// local file system.
package fileaccess

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"lanbridge/internal/models"
)

const defaultMimeType = "application/octet-stream"

var ErrNotExist = errors.New("selected file does not exist")

// FileAccess is everything the transfer layer needs from the host.
type FileAccess interface {
	ReadMetadata(ref string) (models.FileMeta, error)
	ReadBytes(ref string) ([]byte, error)
	SaveIncomingFile(name string, data []byte) (string, error)
	DefaultSaveDirectory() string
	OpenFile(path string) error
	OpenFolder(path string) error
}

// Local treats file references as paths.
type Local struct {
	dir string
}

func NewLocal(saveDir string) *Local {
	return &Local{dir: saveDir}
}

func (l *Local) DefaultSaveDirectory() string { return l.dir }

func (l *Local) ReadMetadata(ref string) (models.FileMeta, error) {
	info, err := os.Stat(ref)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.FileMeta{}, ErrNotExist
		}
		return models.FileMeta{}, fmt.Errorf("stat %s: %w", ref, err)
	}
	if info.IsDir() {
		return models.FileMeta{}, fmt.Errorf("%s is a directory", ref)
	}
	return models.FileMeta{
		DisplayName: info.Name(),
		SizeBytes:   info.Size(),
		MimeType:    detectMimeType(ref),
	}, nil
}

func (l *Local) ReadBytes(ref string) ([]byte, error) {
	data, err := os.ReadFile(ref)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	return data, err
}

// SaveIncomingFile writes data under the save directory. An existing file is
// never replaced: "a.txt" becomes "a-1.txt", "a-2.txt" and so on.
func (l *Local) SaveIncomingFile(name string, data []byte) (string, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("create save dir: %w", err)
	}
	name = SanitizeName(name)
	stem, ext := splitName(name)

	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		path := filepath.Join(l.dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", candidate, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write %s: %w", candidate, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", candidate, err)
		}
		return filepath.Abs(path)
	}
}

func (l *Local) OpenFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file does not exist: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return openWithDesktop(path)
}

func (l *Local) OpenFolder(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("folder does not exist: %w", err)
	}
	if !info.IsDir() {
		path = filepath.Dir(path)
	}
	return openWithDesktop(path)
}

// SanitizeName strips directories from a peer-supplied file name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "file"
	}
	return name
}

// splitName separates "archive.tar" into "archive" and ".tar". Dotfiles keep
// their leading dot in the stem.
func splitName(name string) (string, string) {
	dot := strings.LastIndex(name, ".")
	if dot <= 0 {
		return name, ""
	}
	return name[:dot], name[dot:]
}

func detectMimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	if m, err := mimetype.DetectFile(path); err == nil && m != nil {
		return m.String()
	}
	return defaultMimeType
}

func openWithDesktop(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("explorer", path)
	case "darwin":
		cmd = exec.Command("open", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	go cmd.Wait()
	return nil
}
