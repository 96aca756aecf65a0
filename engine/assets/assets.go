package assets

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/anima-gpu/engine/assets/loaders"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"golang.org/x/exp/slices"
)

var ErrAssetNotFound = errors.New("asset not found")

type AssetInfo struct {
	// Slash separated and relative to the manager root.
	Path       string
	Type       AssetType
	LastLoaded time.Time
}

type Asset struct {
	AssetInfo
	Data interface{}
}

// Called on the watcher goroutine when an asset is created or rewritten.
type FnOnAssetChanged func(info AssetInfo)

// AssetManager indexes the loadable files under a root directory and keeps the index
// current with fsnotify.
type AssetManager struct {
	root     string
	assets   map[string]AssetInfo
	loaders  map[AssetType]Loader
	onChange FnOnAssetChanged

	mutex sync.RWMutex

	done     chan struct{}
	fsnotify *fsnotify.Watcher
	isClosed atomic.Bool
	wg       sync.WaitGroup
}

func NewAssetManager(root string, onChange FnOnAssetChanged) (*AssetManager, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating asset watcher")
	}

	am := &AssetManager{
		root:     filepath.Clean(root),
		assets:   make(map[string]AssetInfo),
		loaders:  make(map[AssetType]Loader),
		onChange: onChange,
		fsnotify: fsWatch,
		done:     make(chan struct{}),
	}

	// Register loaders
	am.registerLoader(AssetTypeShader, &loaders.ShaderLoader{})
	am.registerLoader(AssetTypeImage, &loaders.TextureLoader{})

	if err := am.watchRecursive(am.root); err != nil {
		fsWatch.Close()
		return nil, errors.Wrapf(err, "indexing assets under %q", root)
	}

	am.wg.Add(1)
	go am.start()
	return am, nil
}

func (am *AssetManager) registerLoader(assetType AssetType, loader Loader) {
	am.loaders[assetType] = loader
}

// LoadAsset reads the asset at name, a path relative to the root, from disk.
func (am *AssetManager) LoadAsset(name string) (*Asset, error) {
	name = filepath.ToSlash(filepath.Clean(name))

	am.mutex.RLock()
	info, exists := am.assets[name]
	am.mutex.RUnlock()
	if !exists {
		return nil, errors.Wrapf(ErrAssetNotFound, "%s under %s", name, am.root)
	}

	loader, ok := am.loaders[info.Type]
	if !ok {
		return nil, errors.Newf("no loader registered for %s assets", info.Type)
	}
	data, err := loader.Load(filepath.Join(am.root, filepath.FromSlash(name)))
	if err != nil {
		return nil, err
	}

	info.LastLoaded = time.Now()
	am.mutex.Lock()
	if _, still := am.assets[name]; still {
		am.assets[name] = info
	}
	am.mutex.Unlock()

	return &Asset{AssetInfo: info, Data: data}, nil
}

func (am *AssetManager) Has(name string) bool {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	_, ok := am.assets[filepath.ToSlash(filepath.Clean(name))]
	return ok
}

// List returns the sorted paths of every indexed asset of type t.
func (am *AssetManager) List(t AssetType) []string {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	var paths []string
	for p, info := range am.assets {
		if info.Type == t {
			paths = append(paths, p)
		}
	}
	slices.Sort(paths)
	return paths
}

func (am *AssetManager) Close() error {
	if am.isClosed.Swap(true) {
		return nil
	}
	close(am.done)
	err := am.fsnotify.Close()
	am.wg.Wait()
	return err
}

func (am *AssetManager) start() {
	defer am.wg.Done()
	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			s, err := os.Stat(e.Name)
			if err == nil && s.IsDir() {
				if e.Op&fsnotify.Create != 0 {
					if err := am.watchRecursive(e.Name); err != nil {
						core.LogWarn("watching new asset directory: %s", err)
					}
				}
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if info, ok := am.handleFileEvent(e.Name); ok && am.onChange != nil {
					am.onChange(info)
				}
			}
			// Deleted paths cannot be stat'ed, drop both the asset and any watch on it.
			if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				am.removeAsset(e.Name)
				am.fsnotify.Remove(e.Name)
			}

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("asset watcher: %s", err)

		case <-am.done:
			return
		}
	}
}

// watchRecursive adds path and its subdirectories to the watch list and indexes their files.
func (am *AssetManager) watchRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return am.fsnotify.Add(walkPath)
		}
		am.handleFileEvent(walkPath)
		return nil
	})
}

func (am *AssetManager) handleFileEvent(path string) (AssetInfo, bool) {
	assetType := determineAssetType(path)
	if assetType == AssetTypeNone {
		return AssetInfo{}, false
	}
	rel, ok := am.relative(path)
	if !ok {
		return AssetInfo{}, false
	}

	am.mutex.Lock()
	defer am.mutex.Unlock()
	info := AssetInfo{Path: rel, Type: assetType}
	if prev, exists := am.assets[rel]; exists {
		info.LastLoaded = prev.LastLoaded
	}
	am.assets[rel] = info
	return info, true
}

func (am *AssetManager) removeAsset(path string) {
	rel, ok := am.relative(path)
	if !ok {
		return
	}
	am.mutex.Lock()
	defer am.mutex.Unlock()
	delete(am.assets, rel)
}

func (am *AssetManager) relative(path string) (string, bool) {
	rel, err := filepath.Rel(am.root, filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func determineAssetType(path string) AssetType {
	switch filepath.Ext(path) {
	case ".spv":
		return AssetTypeShader
	case ".png", ".jpg", ".jpeg", ".bmp":
		return AssetTypeImage
	default:
		return AssetTypeNone
	}
}
