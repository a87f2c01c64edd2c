package steps

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/burrow/pkg/rpc"
)

// hostFS serializes every host-side file mutation performed by trial
// engines, so parallel workers never interleave writes to shared
// aggregation files.
var hostFS sync.Mutex

// copyFile pulls one guest file to the host. Failures are warnings: a
// missing per-trial artifact must not abort an ongoing campaign.
func (e *Engine) copyFile(step *CopyFile) {
	src := e.vars.Expand(step.Src)
	dst := e.vars.Expand(step.Dst)

	data, err := rpc.ReadFile(e.agent, src)
	if err != nil {
		e.logger.Warn().Err(err).Str("src", src).Msg("Error reading file from agent")
		return
	}

	hostFS.Lock()
	defer hostFS.Unlock()

	if parent := filepath.Dir(dst); parent != "." {
		_ = os.MkdirAll(parent, 0o755)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if step.ShouldAppend() {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(dst, flags, 0o644)
	if err != nil {
		e.logger.Warn().Err(err).Str("dst", dst).Msg("Error opening destination")
		return
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		e.logger.Warn().Err(err).Str("dst", dst).Msg("Error writing data")
	}
}

// copySink receives the entries of a guest directory walk.
type copySink interface {
	AddDir(rel string) error
	AddFile(rel string, content []byte) error
}

// folderSink writes entries under a host directory, preserving layout.
type folderSink struct {
	root   string
	engine *Engine
}

func (s *folderSink) AddDir(rel string) error {
	path := filepath.Join(s.root, rel)
	if err := os.MkdirAll(path, 0o755); err != nil {
		s.engine.logger.Warn().Err(err).Str("path", path).Msg("Error creating directory")
	}
	return nil
}

func (s *folderSink) AddFile(rel string, content []byte) error {
	path := filepath.Join(s.root, rel)
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		s.engine.logger.Warn().Err(err).Str("path", path).Msg("Error writing file")
	}
	return nil
}

// archiveSink streams entries into a gzip-compressed tar file. Stored
// entries carry mode 0o666; directories are zero-length dir entries.
type archiveSink struct {
	file    *os.File
	gz      *gzip.Writer
	archive *tar.Writer
}

func newArchiveSink(path string) (*archiveSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	gz, err := gzip.NewWriterLevel(file, 6)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &archiveSink{file: file, gz: gz, archive: tar.NewWriter(gz)}, nil
}

func (s *archiveSink) AddDir(rel string) error {
	return s.archive.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     rel + "/",
		Mode:     0o666,
	})
}

func (s *archiveSink) AddFile(rel string, content []byte) error {
	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     rel,
		Size:     int64(len(content)),
		Mode:     0o666,
	}
	if err := s.archive.WriteHeader(header); err != nil {
		return err
	}
	_, err := s.archive.Write(content)
	return err
}

func (s *archiveSink) Close() error {
	if err := s.archive.Close(); err != nil {
		s.gz.Close()
		s.file.Close()
		return err
	}
	if err := s.gz.Close(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

func (e *Engine) copyDir(step *CopyDir) error {
	src := e.vars.Expand(step.Src)
	dst := e.vars.Expand(step.Dst)

	if parent := filepath.Dir(dst); parent != "." {
		_ = os.MkdirAll(parent, 0o755)
	}

	var err error
	if step.Archive {
		var sink *archiveSink
		sink, err = newArchiveSink(dst)
		if err == nil {
			err = e.walkToSink(src, sink)
			if closeErr := sink.Close(); err == nil {
				err = closeErr
			}
		}
	} else {
		err = e.walkToSink(src, &folderSink{root: dst, engine: e})
	}

	if err != nil {
		e.logger.Warn().Err(err).Str("src", src).Msg("Error copying directory")
	}
	return nil
}

// walkToSink walks the guest directory iteratively: the agent's listing is
// one level deep, so the walk keeps an explicit stack of pending entries.
func (e *Engine) walkToSink(src string, sink copySink) error {
	hostFS.Lock()
	defer hostFS.Unlock()

	root, err := e.normalizedRoot(src)
	if err != nil {
		return err
	}

	stack, err := rpc.ReadDir(e.agent, src)
	if err != nil {
		return fmt.Errorf("error reading %s from agent: %w", src, err)
	}

	for len(stack) > 0 {
		entry := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		rel, ok := relativeTo(root, entry.Path)
		if !ok {
			e.logger.Warn().
				Str("path", entry.Path).
				Str("root", root).
				Msg("Entry is not relative to the copy root")
			continue
		}

		if entry.IsFile {
			data, err := rpc.ReadFile(e.agent, entry.Path)
			if err != nil {
				e.logger.Warn().Err(err).Str("path", entry.Path).Msg("Error reading file from agent")
				continue
			}
			if err := sink.AddFile(rel, data); err != nil {
				return err
			}
			continue
		}

		if err := sink.AddDir(rel); err != nil {
			return err
		}
		children, err := rpc.ReadDir(e.agent, entry.Path)
		if err != nil {
			e.logger.Warn().Err(err).Str("path", entry.Path).Msg("Error reading directory from agent")
			continue
		}
		stack = append(stack, children...)
	}
	return nil
}

// normalizedRoot resolves the copy root the same way the agent canonicalizes
// entry paths, so prefix stripping lines up.
func (e *Engine) normalizedRoot(src string) (string, error) {
	entry, err := rpc.Stat(e.agent, src)
	if err != nil {
		return "", fmt.Errorf("error resolving %s on agent: %w", src, err)
	}
	return entry.Path, nil
}

// relativeTo strips root from path, returning the slash-joined remainder.
func relativeTo(root, path string) (string, bool) {
	if path == root {
		return ".", true
	}
	prefix := strings.TrimSuffix(root, "/") + "/"
	rel, ok := strings.CutPrefix(path, prefix)
	if !ok || rel == "" {
		return "", false
	}
	return rel, true
}
