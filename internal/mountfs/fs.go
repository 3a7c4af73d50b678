package mountfs

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/im-red/failed-requests-monitor/internal/surface"
)

const defaultCacheTTL = time.Second

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	CacheTTL time.Duration
	Logger   Logger
	Debug    bool
	Now      func() time.Time
}

// FS serves directory listings from a short-lived cached view of the log.
type FS struct {
	client surface.Client
	ttl    time.Duration
	logger Logger
	debug  bool
	now    func() time.Time

	mu        sync.Mutex
	cached    view
	fetchedAt time.Time
	valid     bool
}

func New(client surface.Client, opts Options) (*FS, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &FS{client: client, ttl: ttl, logger: opts.Logger, debug: opts.Debug, now: now}, nil
}

func (f *FS) current(ctx context.Context) (view, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.valid && f.now().Sub(f.fetchedAt) < f.ttl {
		return f.cached, nil
	}
	records, err := f.client.ListFailures(ctx)
	if err != nil {
		return view{}, err
	}
	f.cached = buildView(records)
	f.fetchedAt = f.now()
	f.valid = true
	return f.cached, nil
}

func (f *FS) invalidate() {
	f.mu.Lock()
	f.valid = false
	f.mu.Unlock()
}

func (f *FS) fileData(ctx context.Context, tabID int, name string) ([]byte, syscall.Errno) {
	v, err := f.current(ctx)
	if err != nil {
		f.logf("list failures: %v", err)
		return nil, syscall.EIO
	}
	if _, ok := v.tabs[tabID]; !ok {
		return nil, syscall.ENOENT
	}
	var value any
	if name == badgeFileName {
		value = v.badge(tabID)
	} else {
		record, ok := v.record(tabID, name)
		if !ok {
			return nil, syscall.ENOENT
		}
		value = record
	}
	data, err := renderJSON(value)
	if err != nil {
		return nil, syscall.EIO
	}
	return data, 0
}

func (f *FS) remove(ctx context.Context, tabID int, name string) syscall.Errno {
	if name == badgeFileName {
		return syscall.EPERM
	}
	v, err := f.current(ctx)
	if err != nil {
		f.logf("list failures: %v", err)
		return syscall.EIO
	}
	record, ok := v.record(tabID, name)
	if !ok {
		return syscall.ENOENT
	}
	if err := f.client.Remove(ctx, record.ID); err != nil && !surface.IsNotFound(err) {
		f.logf("remove %s: %v", record.ID, err)
		return syscall.EIO
	}
	f.invalidate()
	if f.debug {
		f.logf("removed failure %s via unlink", record.ID)
	}
	return 0
}

func (f *FS) logf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Printf(format, args...)
	}
}

type rootNode struct {
	fs.Inode
	fsys *FS
}

var (
	_ fs.NodeReaddirer = (*rootNode)(nil)
	_ fs.NodeLookuper  = (*rootNode)(nil)
	_ fs.NodeReaddirer = (*tabNode)(nil)
	_ fs.NodeLookuper  = (*tabNode)(nil)
	_ fs.NodeUnlinker  = (*tabNode)(nil)
	_ fs.NodeOpener    = (*fileNode)(nil)
	_ fs.NodeReader    = (*fileNode)(nil)
	_ fs.NodeGetattrer = (*fileNode)(nil)
)

func (r *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	v, err := r.fsys.current(ctx)
	if err != nil {
		return nil, syscall.EIO
	}
	return fs.NewListDirStream(v.rootEntries()), 0
}

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	tabID, ok := parseTabDir(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	v, err := r.fsys.current(ctx)
	if err != nil {
		return nil, syscall.EIO
	}
	if _, ok := v.tabs[tabID]; !ok {
		return nil, syscall.ENOENT
	}
	out.Mode = fuse.S_IFDIR | 0o555
	child := r.NewInode(ctx, &tabNode{fsys: r.fsys, tabID: tabID}, fs.StableAttr{Mode: fuse.S_IFDIR})
	return child, 0
}

type tabNode struct {
	fs.Inode
	fsys  *FS
	tabID int
}

func (t *tabNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	v, err := t.fsys.current(ctx)
	if err != nil {
		return nil, syscall.EIO
	}
	return fs.NewListDirStream(v.tabEntries(t.tabID)), 0
}

func (t *tabNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	data, errno := t.fsys.fileData(ctx, t.tabID, name)
	if errno != 0 {
		return nil, errno
	}
	out.Mode = fuse.S_IFREG | 0o444
	out.Size = uint64(len(data))
	child := t.NewInode(ctx, &fileNode{fsys: t.fsys, tabID: t.tabID, name: name}, fs.StableAttr{Mode: fuse.S_IFREG})
	return child, 0
}

func (t *tabNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return t.fsys.remove(ctx, t.tabID, name)
}

type fileNode struct {
	fs.Inode
	fsys  *FS
	tabID int
	name  string
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (n *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, errno := n.fsys.fileData(ctx, n.tabID, n.name)
	if errno != 0 {
		return errno
	}
	out.Mode = 0o444
	out.Size = uint64(len(data))
	return 0
}

func (n *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, errno := n.fsys.fileData(ctx, n.tabID, n.name)
	if errno != 0 {
		return nil, errno
	}
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), 0
}

// Mount serves the tree at dir until ctx ends, then unmounts.
func Mount(ctx context.Context, dir string, fsys *FS) error {
	root := &rootNode{fsys: fsys}
	server, err := fs.Mount(dir, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "failmon",
			Name:   "failmon",
			Debug:  fsys.debug,
		},
	})
	if err != nil {
		return fmt.Errorf("mount %s: %w", dir, err)
	}
	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		if err := server.Unmount(); err != nil {
			return fmt.Errorf("unmount %s: %w", dir, err)
		}
		<-done
		return nil
	case <-done:
		return nil
	}
}

