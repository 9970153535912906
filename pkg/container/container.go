package container

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
	whiteoutLink   = ".wh..wh..plnk"

	maxSymlinks = 255
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXz   = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
)

// ErrExtraction is returned when layer can't be applied to the destination.
var ErrExtraction = errors.New("layer extraction failed")

// ExtractionError reports the layer which failed.
type ExtractionError struct {
	Layer string
	Err   error
}

func (e ExtractionError) Error() string {
	return "extracting layer " + e.Layer + ": " + e.Err.Error()
}

// Unwrap makes both ErrExtraction and the cause visible to errors.Is.
func (e ExtractionError) Unwrap() []error {
	return []error{ErrExtraction, e.Err}
}

// ExtractLayer applies the layer archive stored in file to dest. Layers must be applied from base to leaf.
// On failure dest is left partially modified.
func ExtractLayer(ctx context.Context, file, dest string) error {
	if err := extractLayer(ctx, file, dest); err != nil {
		return errors.WithStack(ExtractionError{Layer: file, Err: err})
	}
	return nil
}

func extractLayer(ctx context.Context, file, dest string) error {
	f, err := os.Open(file)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	r, err := decompress(f)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return errors.WithStack(err)
	}

	logger.Get(ctx).Debug("Extracting layer", zap.String("layer", file), zap.String("dest", dest))
	return apply(ctx, tar.NewReader(r), dest)
}

// decompress detects compression by the magic bytes. Uncompressed tar is returned as is.
func decompress(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(magicXz))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.WithStack(err)
	}

	switch {
	case bytes.HasPrefix(magic, magicGzip):
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return gr, nil
	case bytes.HasPrefix(magic, magicZstd):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return zr.IOReadCloser(), nil
	case bytes.HasPrefix(magic, magicXz):
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return io.NopCloser(xr), nil
	default:
		return io.NopCloser(br), nil
	}
}

//nolint:gocyclo
func apply(ctx context.Context, tr *tar.Reader, dest string) error {
	log := logger.Get(ctx)
	privileged := os.Geteuid() == 0

	// Entries created by this layer, opaque whiteouts apply to lower layers only.
	added := map[string]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}

		header, err := tr.Next()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return errors.WithStack(err)
		}

		name, ok := entryName(header.Name)
		if !ok {
			log.Warn("Skipping entry escaping the root", zap.String("name", header.Name))
			continue
		}
		if name == "/" {
			continue
		}

		dir, base := path.Split(name)
		parent, err := resolvePath(dest, dir)
		if err != nil {
			return err
		}
		target := filepath.Join(parent, base)

		switch {
		case base == whiteoutLink:
			continue
		case base == whiteoutOpaque:
			entries, err := os.ReadDir(parent)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return errors.WithStack(err)
			}
			for _, e := range entries {
				if added[path.Join(dir, e.Name())] {
					continue
				}
				if err := os.RemoveAll(filepath.Join(parent, e.Name())); err != nil {
					return errors.WithStack(err)
				}
			}
			continue
		case strings.HasPrefix(base, whiteoutPrefix):
			hidden := strings.TrimPrefix(base, whiteoutPrefix)
			if hidden == "" || hidden == "." || hidden == ".." {
				log.Warn("Skipping whiteout escaping its directory", zap.String("name", header.Name))
				continue
			}
			if added[path.Join(dir, hidden)] {
				continue
			}
			if err := os.RemoveAll(filepath.Join(parent, hidden)); err != nil {
				return errors.WithStack(err)
			}
			continue
		}

		// We take mode from header.FileInfo().Mode(), not from header.Mode because they may be in different formats
		// (meaning of bits may be different). header.FileInfo().Mode() returns compatible value.
		mode := header.FileInfo().Mode()

		switch header.Typeflag {
		case tar.TypeDir:
			if err := replaceNonDir(target); err != nil {
				return err
			}
			if err := os.MkdirAll(target, 0o700); err != nil {
				return errors.WithStack(err)
			}
			if !privileged {
				mode |= 0o700
			}
		case tar.TypeReg:
			if err := remove(target); err != nil {
				return err
			}
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return errors.WithStack(err)
			}
			if err := writeFile(target, tr); err != nil {
				return err
			}
			if !privileged {
				mode |= 0o600
			}
		case tar.TypeSymlink:
			if err := remove(target); err != nil {
				return err
			}
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return errors.WithStack(err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return errors.WithStack(err)
			}
		case tar.TypeLink:
			linkName, ok := entryName(header.Linkname)
			if !ok {
				log.Warn("Skipping hard link escaping the root", zap.String("name", header.Name),
					zap.String("link", header.Linkname))
				continue
			}
			linkDir, linkBase := path.Split(linkName)
			linkParent, err := resolvePath(dest, linkDir)
			if err != nil {
				return err
			}
			source := filepath.Join(linkParent, linkBase)

			if err := remove(target); err != nil {
				return err
			}
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return errors.WithStack(err)
			}
			// linked file may not exist yet, so let's create it - it will be overwritten later
			if err := os.MkdirAll(linkParent, 0o755); err != nil {
				return errors.WithStack(err)
			}
			f, err := os.OpenFile(source, os.O_CREATE|os.O_EXCL, mode)
			if err != nil {
				if !os.IsExist(err) {
					return errors.WithStack(err)
				}
			} else {
				_ = f.Close()
			}
			if err := os.Link(source, target); err != nil {
				return errors.WithStack(err)
			}
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			log.Debug("Skipping device entry", zap.String("name", header.Name))
			continue
		case tar.TypeXGlobalHeader:
			continue
		default:
			return errors.Errorf("unsupported file type %d of %q", header.Typeflag, header.Name)
		}

		added[name] = true

		if privileged {
			if err := os.Lchown(target, header.Uid, header.Gid); err != nil {
				return errors.WithStack(err)
			}
		}

		// Unless CAP_FSETID capability is set for the process every operation modifying the file/dir will reset
		// setuid, setgid nd sticky bits. After saving those files/dirs the mode has to be set once again to set those
		// bits. This has to be the last operation on the file/dir.
		// On linux mode is not supported for symlinks, mode is always taken from target location.
		// Hard links share the inode with the file they point to, which already has its mode set.
		if header.Typeflag != tar.TypeSymlink && header.Typeflag != tar.TypeLink {
			if err := os.Chmod(target, mode); err != nil {
				return errors.WithStack(err)
			}
		}
		if header.Typeflag == tar.TypeReg {
			if err := os.Chtimes(target, header.ModTime, header.ModTime); err != nil {
				return errors.WithStack(err)
			}
		}
	}
}

// entryName returns the entry path relative to the root in the form of "/a/b". Names escaping the root are reported.
func entryName(name string) (string, bool) {
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return path.Clean("/" + cleaned), true
}

// resolvePath resolves name inside root following symlinks as if root was the filesystem root,
// so the result never points outside root. Missing components are taken literally.
func resolvePath(root, name string) (string, error) {
	current := "/"
	remaining := name
	var links int
	for {
		remaining = strings.TrimLeft(remaining, "/")
		if remaining == "" {
			return filepath.Join(root, current), nil
		}

		var part string
		part, remaining, _ = strings.Cut(remaining, "/")
		switch part {
		case ".":
			continue
		case "..":
			current = path.Dir(current)
			continue
		}

		next := path.Join(current, part)
		info, err := os.Lstat(filepath.Join(root, next))
		switch {
		case os.IsNotExist(err):
			current = next
			continue
		case err != nil:
			return "", errors.WithStack(err)
		case info.Mode()&os.ModeSymlink == 0:
			current = next
			continue
		}

		links++
		if links > maxSymlinks {
			return "", errors.Errorf("too many symbolic links in %q", name)
		}
		linkTarget, err := os.Readlink(filepath.Join(root, next))
		if err != nil {
			return "", errors.WithStack(err)
		}
		if path.IsAbs(linkTarget) {
			current = "/"
		}
		remaining = linkTarget + "/" + remaining
	}
}

func remove(target string) error {
	if err := os.RemoveAll(target); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// replaceNonDir removes target unless it is a directory, directories are merged across layers.
func replaceNonDir(target string) error {
	info, err := os.Lstat(target)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return errors.WithStack(err)
	case info.IsDir():
		return nil
	}
	return remove(target)
}

func writeFile(target string, r io.Reader) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.WithStack(err)
}
