// Package fs provides a read-only FUSE view of the issue cache: one
// directory per project holding one markdown file per issue.
package fs

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/JohanCodinha/jiracache/internal/cache"
	"github.com/JohanCodinha/jiracache/internal/logger"
	"github.com/JohanCodinha/jiracache/internal/md"
)

// attrTimeout is how long the kernel may cache attributes and entries.
// The cache only changes when a sync runs, so a short timeout is enough.
const attrTimeout = time.Second

// filenameRegex matches issue filenames: KEY.md, e.g. ABC-123.md
var filenameRegex = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_]*)-(\d+)\.md$`)

// makeFilename returns the file name of an issue.
func makeFilename(key string) string {
	return key + ".md"
}

// parseFilename extracts the issue key from a file name in the directory of
// project. Returns false if the name is not an issue of that project.
func parseFilename(project, name string) (string, bool) {
	matches := filenameRegex.FindStringSubmatch(name)
	if matches == nil || matches[1] != project {
		return "", false
	}
	return matches[1] + "-" + matches[2], true
}

// inodeFor derives a stable inode number from a name. Directories and
// files are hashed with different prefixes so they never collide.
func inodeFor(kind, name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(name))
	// Inode 1 is the root.
	return h.Sum64() | 2
}

// FS is the read-only FUSE filesystem over a cache repository.
type FS struct {
	repo       cache.Repository
	mountpoint string
	server     *fuse.Server
}

// NewFS creates a filesystem serving repo at mountpoint. repo must be
// initialized and stay open while mounted.
func NewFS(repo cache.Repository, mountpoint string) *FS {
	return &FS{
		repo:       repo,
		mountpoint: mountpoint,
	}
}

// Mount starts the FUSE server and blocks until unmounted.
// It sets up signal handlers for graceful shutdown on SIGINT/SIGTERM.
func (f *FS) Mount() error {
	root := &rootNode{repo: f.repo}

	timeout := attrTimeout
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:  "jiracache",
			Name:    "jiracache",
			Options: []string{"ro"},
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		UID:          uint32(os.Getuid()),
		GID:          uint32(os.Getgid()),
	}

	server, err := fs.Mount(f.mountpoint, root, opts)
	if err != nil {
		return fmt.Errorf("failed to mount FUSE filesystem: %w", err)
	}
	f.server = server
	logger.Info("fs: mounted at %s", f.mountpoint)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		if _, ok := <-sigChan; ok {
			if err := f.Unmount(); err != nil {
				logger.Warn("fs: unmount failed: %v", err)
			}
		}
	}()

	server.Wait()
	logger.Debug("fs: unmounted %s", f.mountpoint)
	return nil
}

// Unmount stops the FUSE server gracefully.
func (f *FS) Unmount() error {
	if f.server != nil {
		return f.server.Unmount()
	}
	return nil
}

// readOnly rejects every modification of a directory.
type readOnly struct{}

func (readOnly) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

func (readOnly) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

func (readOnly) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (readOnly) Rmdir(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (readOnly) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EROFS
}

// rootNode lists one directory per cached project.
type rootNode struct {
	fs.Inode
	readOnly
	repo cache.Repository
}

var _ = (fs.NodeReaddirer)((*rootNode)(nil))
var _ = (fs.NodeLookuper)((*rootNode)(nil))
var _ = (fs.NodeCreater)((*rootNode)(nil))
var _ = (fs.NodeMkdirer)((*rootNode)(nil))
var _ = (fs.NodeUnlinker)((*rootNode)(nil))
var _ = (fs.NodeRmdirer)((*rootNode)(nil))
var _ = (fs.NodeRenamer)((*rootNode)(nil))

// Readdir returns the project directories.
func (r *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	projects, err := r.repo.Projects(ctx)
	if err != nil {
		logger.Warn("fs: failed to list projects: %v", err)
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(projects))
	for _, p := range projects {
		entries = append(entries, fuse.DirEntry{
			Name: p,
			Ino:  inodeFor("project", p),
			Mode: fuse.S_IFDIR,
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Lookup finds a project directory by name.
func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	projects, err := r.repo.Projects(ctx)
	if err != nil {
		return nil, syscall.EIO
	}
	found := false
	for _, p := range projects {
		if p == name {
			found = true
			break
		}
	}
	if !found {
		return nil, syscall.ENOENT
	}

	ino := inodeFor("project", name)
	out.Mode = fuse.S_IFDIR | 0555
	out.Ino = ino

	dir := &projectNode{repo: r.repo, project: name}
	return r.NewInode(ctx, dir, fs.StableAttr{Mode: fuse.S_IFDIR, Ino: ino}), 0
}

// projectNode lists the issues of one project.
type projectNode struct {
	fs.Inode
	readOnly
	repo    cache.Repository
	project string
}

var _ = (fs.NodeReaddirer)((*projectNode)(nil))
var _ = (fs.NodeLookuper)((*projectNode)(nil))
var _ = (fs.NodeGetattrer)((*projectNode)(nil))
var _ = (fs.NodeCreater)((*projectNode)(nil))
var _ = (fs.NodeUnlinker)((*projectNode)(nil))

// Getattr reports the directory as read-only.
func (d *projectNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0555
	out.Ino = inodeFor("project", d.project)
	return 0
}

// Readdir returns one entry per cached issue of the project.
func (d *projectNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	issues, err := d.repo.GetByProject(ctx, d.project)
	if err != nil {
		logger.Warn("fs: failed to list %s: %v", d.project, err)
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(issues))
	for _, issue := range issues {
		entries = append(entries, fuse.DirEntry{
			Name: makeFilename(issue.Key),
			Ino:  inodeFor("issue", issue.Key),
			Mode: fuse.S_IFREG,
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Lookup finds an issue file by name.
func (d *projectNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	key, ok := parseFilename(d.project, name)
	if !ok {
		return nil, syscall.ENOENT
	}

	issue, err := d.repo.Get(ctx, key)
	if err != nil {
		return nil, syscall.EIO
	}
	if issue == nil {
		return nil, syscall.ENOENT
	}

	fillAttr(&out.Attr, issue, inodeFor("issue", key))

	file := &issueFileNode{repo: d.repo, key: key}
	return d.NewInode(ctx, file, fs.StableAttr{Mode: fuse.S_IFREG, Ino: inodeFor("issue", key)}), 0
}

// fillAttr sets the attributes of an issue file. Times come from the issue.
func fillAttr(out *fuse.Attr, issue *cache.IssueRecord, ino uint64) {
	out.Mode = fuse.S_IFREG | 0444
	out.Ino = ino
	out.Size = uint64(len(md.ToMarkdown(*issue)))

	mtime := issue.Updated
	ctime := issue.Created
	if ctime.IsZero() {
		ctime = mtime
	}
	out.SetTimes(&mtime, &mtime, &ctime)
}

// issueFileNode is a single rendered issue.
type issueFileNode struct {
	fs.Inode
	repo cache.Repository
	key  string
}

var _ = (fs.NodeGetattrer)((*issueFileNode)(nil))
var _ = (fs.NodeSetattrer)((*issueFileNode)(nil))
var _ = (fs.NodeOpener)((*issueFileNode)(nil))
var _ = (fs.NodeReader)((*issueFileNode)(nil))

func (f *issueFileNode) load(ctx context.Context) (*cache.IssueRecord, syscall.Errno) {
	issue, err := f.repo.Get(ctx, f.key)
	if err != nil {
		logger.Warn("fs: failed to read %s: %v", f.key, err)
		return nil, syscall.EIO
	}
	if issue == nil {
		return nil, syscall.ENOENT
	}
	return issue, 0
}

// Getattr returns file attributes.
func (f *issueFileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	issue, errno := f.load(ctx)
	if errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, issue, inodeFor("issue", f.key))
	return 0
}

// Setattr rejects truncation and mode changes.
func (f *issueFileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return syscall.EROFS
}

// Open renders the issue once; reads are served from that snapshot.
func (f *issueFileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}

	issue, errno := f.load(ctx)
	if errno != 0 {
		return nil, 0, errno
	}

	handle := &issueFileHandle{content: []byte(md.ToMarkdown(*issue))}
	return handle, fuse.FOPEN_KEEP_CACHE, 0
}

// Read reads data from the file.
func (f *issueFileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	var content []byte
	if handle, ok := fh.(*issueFileHandle); ok {
		content = handle.content
	} else {
		issue, errno := f.load(ctx)
		if errno != 0 {
			return nil, errno
		}
		content = []byte(md.ToMarkdown(*issue))
	}
	return fuse.ReadResultData(readAt(content, dest, off)), 0
}

// readAt returns the slice of content that a read of len(dest) bytes at off
// returns.
func readAt(content, dest []byte, off int64) []byte {
	if off < 0 || off >= int64(len(content)) {
		return nil
	}
	end := off + int64(len(dest))
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return content[off:end]
}

// issueFileHandle holds the content rendered at open time.
type issueFileHandle struct {
	content []byte
}

var _ = (fs.FileHandle)((*issueFileHandle)(nil))
