// Package setup acquires the host-side binaries the VM backend needs (the
// firecracker binary and a kernel image): by configured path, from the
// cache, or by download with optional gzip decompression, tar member
// extraction, and SHA-256 verification.
package setup

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/cuemby/burrow/pkg/imagebuilder"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/log"
)

// BinarySpec locates one binary: a direct path wins; otherwise it is
// downloaded from URL into the cache under Name.
type BinarySpec struct {
	// Name is the file name inside the cache dir.
	Name string

	// Path, when set, is used directly and never copied to the cache.
	Path string

	// URL to download from. A `url::member` suffix names the tar member to
	// extract.
	URL string

	// SHA256, when set, must match the final artifact.
	SHA256 string
}

// Fetch resolves the binary to a local path, downloading if needed.
func Fetch(spec BinarySpec, cache imagebuilder.Cache) (string, error) {
	logger := log.WithComponent("setup")

	if spec.Path != "" {
		if _, err := os.Stat(spec.Path); err == nil {
			logger.Debug().Str("name", spec.Name).Str("path", spec.Path).Msg("Found configured binary")
			return spec.Path, nil
		}
		return "", fmt.Errorf("%s does not exist", spec.Path)
	}

	if spec.URL == "" {
		return "", fmt.Errorf("%s path not configured", spec.Name)
	}

	target := filepath.Join(cache.Dir, spec.Name)
	if _, err := os.Stat(target); err == nil {
		logger.Debug().Str("name", spec.Name).Str("path", target).Msg("Found cached binary")
		return target, nil
	}

	if err := downloadAndExtract(spec, target); err != nil {
		return "", fmt.Errorf("failed to download %s from %s: %w", spec.Name, spec.URL, err)
	}

	if runtime.GOOS != "windows" {
		if err := ensureExecutable(target); err != nil {
			return "", err
		}
	}
	return target, nil
}

func downloadAndExtract(spec BinarySpec, target string) error {
	url, member, hasMember := strings.Cut(spec.URL, "::")
	if !hasMember {
		member = spec.Name
	}
	extension := path.Ext(path.Base(url))

	scratch := target + ".download.tmp"
	guard := lifecycle.NewTempGuard(scratch)
	defer guard.Cleanup()

	if err := downloadTo(url, scratch, extension); err != nil {
		return err
	}

	if strings.Contains(extension, "tar") || strings.Contains(extension, "tgz") {
		if err := extractMember(scratch, target, member); err != nil {
			return fmt.Errorf("error extracting %s from archive: %w", member, err)
		}
	} else {
		if err := os.Rename(scratch, target); err != nil {
			return fmt.Errorf("error moving binary to %s: %w", target, err)
		}
		guard.Commit()
	}

	if spec.SHA256 != "" {
		digest, err := sha256ForPath(target)
		if err != nil {
			return fmt.Errorf("error computing digest: %w", err)
		}
		if digest != spec.SHA256 {
			_ = os.Rename(target, target+".bad")
			return fmt.Errorf("SHA256 mismatch: %s != %s", digest, spec.SHA256)
		}
	}
	return nil
}

// downloadTo streams url into a file, transparently decompressing gzip
// payloads identified by the URL's extension.
func downloadTo(url, dst, extension string) error {
	log.WithComponent("setup").Info().Str("url", url).Str("dst", dst).Msg("Downloading")

	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	var reader io.Reader = resp.Body
	if strings.HasSuffix(extension, "gz") || strings.HasSuffix(extension, "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("error decompressing download: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	file, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("error creating %q: %w", dst, err)
	}
	if _, err := io.Copy(file, reader); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// extractMember copies the first archive entry whose path ends with member
// to dst.
func extractMember(archive, dst, member string) error {
	file, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := tar.NewReader(file)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("corrupted archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg || !strings.HasSuffix(header.Name, member) {
			continue
		}

		out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode&0o777))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, reader); err != nil {
			out.Close()
			_ = os.Remove(dst)
			return err
		}
		return out.Close()
	}
	return fmt.Errorf("target not found in the archive")
}

func sha256ForPath(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("error reading from %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ensureExecutable adds the owner execute bit when missing.
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode()&0o100 != 0 {
		return nil
	}
	if err := os.Chmod(path, info.Mode()|0o100); err != nil {
		return fmt.Errorf("error enabling execute permission for %s: %w", path, err)
	}
	return nil
}
