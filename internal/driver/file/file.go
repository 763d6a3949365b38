// Package file 实现从本地目录读取文件作为采集结果的驱动。
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"daq-plugin/pkg/driver"
)

// Kind 是清单中引用该驱动的名称。
const Kind = "file"

const defaultMaxSize = 16 << 20

// Driver 读取 root 目录下的文件。采集参数 path 指定相对路径，
// 也可以通过 pattern 选择最近修改的匹配文件。
type Driver struct {
	root    string
	path    string
	pattern string
	maxSize int64
}

// New 创建文件驱动。
func New() driver.Driver { return &Driver{} }

// Factory 供驱动管理器注册内置驱动。
func Factory() driver.Factory { return New }

func (d *Driver) Info() driver.Info {
	return driver.Info{
		Kind:        Kind,
		Name:        "File capture",
		Description: "Captures files written by external tools into a watched directory.",
		Version:     "1.0.0",
	}
}

func (d *Driver) Configure(cfg map[string]any) error {
	root, err := driver.String(cfg, "root", "")
	if err != nil {
		return err
	}
	if strings.TrimSpace(root) == "" {
		return errors.New("file driver requires root")
	}
	path, err := driver.String(cfg, "path", "")
	if err != nil {
		return err
	}
	pattern, err := driver.String(cfg, "pattern", "")
	if err != nil {
		return err
	}
	if pattern != "" {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}
	maxSize, err := driver.Int(cfg, "max_size", defaultMaxSize)
	if err != nil {
		return err
	}
	if maxSize <= 0 {
		return errors.New("max_size must be positive")
	}
	d.root = filepath.Clean(root)
	d.path = path
	d.pattern = pattern
	d.maxSize = int64(maxSize)
	return nil
}

func (d *Driver) Open(context.Context) error {
	info, err := os.Stat(d.root)
	if err != nil {
		return fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", d.root)
	}
	return nil
}

func (d *Driver) Capture(ctx context.Context, req driver.CaptureRequest) (*driver.Payload, error) {
	path, err := d.resolve(req.Parameters)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	if info.Size() > d.maxSize {
		return nil, fmt.Errorf("%s exceeds max size (%d > %d)", filepath.Base(path), info.Size(), d.maxSize)
	}
	data, err := io.ReadAll(io.LimitReader(f, d.maxSize+1))
	if err != nil {
		return nil, driver.Transient(fmt.Errorf("read %s: %w", filepath.Base(path), err))
	}

	rel, _ := filepath.Rel(d.root, path)
	return &driver.Payload{
		ContentType: contentType(path),
		Data:        data,
		Metadata: map[string]string{
			"file":        filepath.ToSlash(rel),
			"size":        strconv.Itoa(len(data)),
			"modified_at": info.ModTime().UTC().Format(time.RFC3339Nano),
		},
		CapturedAt: time.Now().UTC(),
	}, nil
}

func (d *Driver) Close(context.Context) error { return nil }

// resolve 计算本次采集读取的文件，结果必须位于 root 之内。
func (d *Driver) resolve(params map[string]any) (string, error) {
	rel, err := driver.String(params, "path", d.path)
	if err != nil {
		return "", err
	}
	pattern, err := driver.String(params, "pattern", d.pattern)
	if err != nil {
		return "", err
	}
	if rel == "" && pattern == "" {
		return "", errors.New("either path or pattern is required")
	}
	if rel != "" {
		return d.within(rel)
	}
	if _, err := d.within(pattern); err != nil {
		return "", err
	}
	matches, err := filepath.Glob(filepath.Join(d.root, pattern))
	if err != nil {
		return "", fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	var files []candidate
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, candidate{path: m, mod: info.ModTime()})
	}
	if len(files) == 0 {
		// 外部工具可能尚未写完文件，允许重试一次。
		return "", driver.Transientf("no file matches %q", pattern)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod.Equal(files[j].mod) {
			return files[i].path > files[j].path
		}
		return files[i].mod.After(files[j].mod)
	})
	return files[0].path, nil
}

func (d *Driver) within(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative", rel)
	}
	full := filepath.Join(d.root, rel)
	back, err := filepath.Rel(d.root, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes root", rel)
	}
	return full, nil
}

func contentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

var _ driver.Driver = (*Driver)(nil)
