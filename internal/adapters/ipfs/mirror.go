package ipfs

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"taskcoord/internal/coordinator"
)

// MirrorClient 从本地目录读取与 CID 同名的 Wasm 模块，替代真实 IPFS 拉取。
type MirrorClient struct {
	ModuleDir string
	log       coordinator.Logger
}

// NewMirrorClient 从 dir 读取以 CID 命名的模块文件。
func NewMirrorClient(dir string, log coordinator.Logger) *MirrorClient {
	return &MirrorClient{
		ModuleDir: dir,
		log:       coordinator.DefaultLogger(log),
	}
}

// FetchModule 从磁盘加载模块字节，CID 不允许跳出镜像目录。
func (p *MirrorClient) FetchModule(_ context.Context, cid string) ([]byte, error) {
	if p.ModuleDir == "" {
		return nil, errors.New("module directory not configured")
	}
	if cid == "" || cid != filepath.Base(cid) {
		return nil, errors.Errorf("invalid cid %q", cid)
	}
	path := filepath.Join(p.ModuleDir, cid)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read module %s", path)
	}
	p.log.Infof("loaded wasm module %s (%d bytes)", cid, len(data))
	return data, nil
}
