package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"
)

var ErrOutsideRoot = errors.New("path escapes file root")

// fileHandler runs write, append, copy, move, delete and mkdir under root.
type fileHandler struct {
	root string
}

func (h *fileHandler) Execute(ctx context.Context, params, _ map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	op, err := required(params, "operation")
	if err != nil {
		return nil, err
	}
	rel, err := required(params, "path")
	if err != nil {
		return nil, err
	}
	path, err := h.resolve(rel)
	if err != nil {
		return nil, err
	}
	res := map[string]any{"operation": op, "path": rel}

	switch strings.ToLower(op) {
	case "write", "append":
		content := cast.ToString(params["content"])
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if strings.EqualFold(op, "append") {
			flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(path, flag, 0o644)
		if err != nil {
			return nil, err
		}
		n, werr := f.WriteString(content)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return nil, werr
		}
		res["bytes"] = n
	case "copy", "move":
		destRel, err := required(params, "destination")
		if err != nil {
			return nil, err
		}
		dest, err := h.resolve(destRel)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, err
		}
		if strings.EqualFold(op, "move") {
			err = os.Rename(path, dest)
		} else {
			err = copyFile(path, dest)
		}
		if err != nil {
			return nil, err
		}
		res["destination"] = destRel
	case "delete":
		if path == filepath.Clean(h.root) {
			return nil, fmt.Errorf("%w: refusing to delete the root", ErrOutsideRoot)
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, err
		}
	case "mkdir":
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown file operation %q", op)
	}
	return res, nil
}

// resolve maps a relative path into root and rejects anything outside it.
func (h *fileHandler) resolve(rel string) (string, error) {
	root := filepath.Clean(h.root)
	p := filepath.Join(root, filepath.FromSlash(rel))
	r, err := filepath.Rel(root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return p, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
