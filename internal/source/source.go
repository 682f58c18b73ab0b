// Package source 负责从本地目录或远程地址读取扩展清单。
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/internal/transport"
	"Forged-Core/pkg/descriptor"
	"Forged-Core/pkg/logger"
)

// Source 产出待校验的清单记录。
type Source interface {
	Specs(ctx context.Context) ([]descriptor.Spec, error)
}

// Directory 递归遍历目录下的 *.yaml / *.yml 文件。
type Directory struct {
	Root string
}

// NewDirectory 创建目录源。
func NewDirectory(root string) *Directory {
	return &Directory{Root: root}
}

// Specs 按文件路径字典序返回全部清单，同一文件内保持文档顺序。
func (d *Directory) Specs(ctx context.Context) ([]descriptor.Spec, error) {
	if strings.TrimSpace(d.Root) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "manifest directory is required")
	}
	info, err := os.Stat(d.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "manifest directory not found",
				xerrors.WithMetadata("path", d.Root))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "stat manifest directory")
	}
	if !info.IsDir() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s is not a directory", d.Root))
	}

	var files []string
	err = filepath.WalkDir(d.Root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			if path != d.Root && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "walk manifest directory")
	}
	sort.Strings(files)

	log := logger.Named("source")
	var specs []descriptor.Spec
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read manifest",
				xerrors.WithMetadata("path", path))
		}
		decoded, err := descriptor.DecodeManifest(data)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeMalformedDescriptor, err, "decode manifest",
				xerrors.WithMetadata("path", path))
		}
		log.Debug("manifest loaded", "path", path, "descriptors", len(decoded))
		specs = append(specs, decoded...)
	}
	return specs, nil
}

// HTTP 通过带重试与熔断的客户端拉取 YAML 清单包。
type HTTP struct {
	URL    string
	client *transport.Client
}

// NewHTTP 创建远程源。client 为 nil 时使用默认客户端。
func NewHTTP(url string, client *transport.Client) *HTTP {
	if client == nil {
		client = transport.New()
	}
	return &HTTP{URL: url, client: client}
}

// Specs 拉取并解析远程清单。
func (h *HTTP) Specs(ctx context.Context) ([]descriptor.Spec, error) {
	if strings.TrimSpace(h.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "manifest url is required")
	}
	resp, err := h.client.Get(ctx, h.URL)
	if err != nil {
		code := xerrors.CodeStorageFailure
		if errors.Is(err, transport.ErrNotFound) {
			code = xerrors.CodeNotFound
		}
		return nil, xerrors.Wrap(code, err, "fetch manifest", xerrors.WithMetadata("url", h.URL))
	}
	specs, err := descriptor.DecodeManifest(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedDescriptor, err, "decode manifest",
			xerrors.WithMetadata("url", h.URL))
	}
	return specs, nil
}

// Open 根据位置选择实现：http(s) 地址使用 HTTP，其余视为目录。
func Open(location string, client *transport.Client) Source {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewHTTP(location, client)
	}
	return NewDirectory(location)
}

// Multi 依次合并多个源，任一失败即返回。
type Multi []Source

// Specs 实现 Source。
func (m Multi) Specs(ctx context.Context) ([]descriptor.Spec, error) {
	var out []descriptor.Spec
	for _, src := range m {
		specs, err := src.Specs(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, specs...)
	}
	return out, nil
}
