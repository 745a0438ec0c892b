package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tanq16/ferry/internal/utils"
)

// FileRetriever reads items that the event source has already spooled to
// disk. References are paths, optionally prefixed with "file://", resolved
// against Root when relative.
type FileRetriever struct {
	Label   string
	Root    string
	MaxSize int64 // items above this are refused with utils.ErrTooLarge; 0 accepts all
}

func (f *FileRetriever) Name() string {
	if f.Label == "" {
		return "file"
	}
	return f.Label
}

func (f *FileRetriever) Open(ctx context.Context, ref string) (io.ReadCloser, Item, error) {
	path := strings.TrimPrefix(ref, "file://")
	if !filepath.IsAbs(path) && f.Root != "" {
		path = filepath.Join(f.Root, path)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, Item{}, utils.NewTransferError(utils.StageDownload, utils.KindProtocol, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, Item{}, err
	}
	if stat.IsDir() {
		file.Close()
		return nil, Item{}, utils.NewTransferError(utils.StageDownload, utils.KindProtocol, fmt.Errorf("%s is a directory", path))
	}
	if f.MaxSize > 0 && stat.Size() > f.MaxSize {
		file.Close()
		return nil, Item{}, utils.NewTransferError(utils.StageDownload, utils.KindLimit,
			fmt.Errorf("%w for %s retriever: %s", utils.ErrTooLarge, f.Name(), utils.FormatBytes(uint64(stat.Size()))))
	}
	return file, Item{Name: filepath.Base(path), Size: stat.Size()}, nil
}
