package local

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rfratto/vfsd/internal/monitor"
	"github.com/rfratto/vfsd/internal/mountsource"
	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/rfratto/vfsd/internal/vfs/job"
	"github.com/stretchr/testify/require"
)

func mountTemp(t *testing.T) (*Backend, string) {
	t.Helper()
	root := t.TempDir()
	b := New(nil)
	err := b.Mount(context.Background(), &vfs.MountRequest{
		Spec: vfs.MountSpec{Type: Type, Items: map[string]string{RootItem: root}},
	}, mountsource.NewDummy())
	require.NoError(t, err)
	return b, root
}

func TestMount(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	err := b.Mount(ctx, &vfs.MountRequest{Spec: vfs.MountSpec{Type: Type}}, nil)
	require.ErrorIs(t, err, vfs.ErrorInvalidArgument)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	err = b.Mount(ctx, &vfs.MountRequest{
		Spec: vfs.MountSpec{Type: Type, Items: map[string]string{RootItem: file}},
	}, nil)
	require.ErrorIs(t, err, vfs.ErrorNotDirectory)

	_, err = b.OpenForRead(ctx, &vfs.OpenForReadRequest{Path: "/file"})
	require.ErrorIs(t, err, vfs.ErrorNotMounted)
}

func TestOpenForRead(t *testing.T) {
	b, root := mountTemp(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello, world"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0755))

	_, err := b.OpenForRead(ctx, &vfs.OpenForReadRequest{Path: "/missing"})
	require.Equal(t, vfs.ErrorNotFound, vfs.ToErrorInfo(err).Code)

	_, err = b.OpenForRead(ctx, &vfs.OpenForReadRequest{Path: "/dir"})
	require.ErrorIs(t, err, vfs.ErrorIsDirectory)

	resp, err := b.OpenForRead(ctx, &vfs.OpenForReadRequest{Path: "/hello.txt"})
	require.NoError(t, err)
	require.True(t, resp.CanSeek)
	require.Equal(t, 1, b.openFiles())

	rr, err := b.Read(ctx, resp.Handle, &vfs.ReadRequest{Size: 5})
	require.NoError(t, err)
	require.Equal(t, "hello", string(rr.Data))

	sr, err := b.SeekOnRead(ctx, resp.Handle, &vfs.SeekRequest{Offset: -5, Whence: vfs.SeekEnd})
	require.NoError(t, err)
	require.Equal(t, int64(7), sr.Offset)

	rr, err = b.Read(ctx, resp.Handle, &vfs.ReadRequest{Size: 100})
	require.NoError(t, err)
	require.Equal(t, "world", string(rr.Data))

	rr, err = b.Read(ctx, resp.Handle, &vfs.ReadRequest{Size: 100})
	require.NoError(t, err)
	require.Empty(t, rr.Data, "end of file is an empty read")

	ir, err := b.QueryInfoOnRead(ctx, resp.Handle, &vfs.QueryInfoRequest{Attributes: "standard::*"})
	require.NoError(t, err)
	size, ok := ir.Info.GetInt64(vfs.AttrStandardSize)
	require.True(t, ok)
	require.Equal(t, int64(12), size)
	name, _ := ir.Info.GetString(vfs.AttrStandardName)
	require.Equal(t, "hello.txt", name)
	_, ok = ir.Info.GetString(vfs.AttrEtagValue)
	require.False(t, ok)

	_, err = b.CloseRead(ctx, resp.Handle, &vfs.CloseRequest{})
	require.NoError(t, err)
	require.Equal(t, 0, b.openFiles())
}

func TestPathsStayRelative(t *testing.T) {
	b, root := mountTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("a"), 0644))

	resp, err := b.OpenForRead(context.Background(), &vfs.OpenForReadRequest{Path: "../../a"})
	require.NoError(t, err)
	require.Equal(t, "/a", resp.Handle.(*file).path)
}

func TestOpenForWrite_Create(t *testing.T) {
	b, root := mountTemp(t)
	ctx := context.Background()

	resp, err := b.OpenForWrite(ctx, &vfs.OpenForWriteRequest{Path: "/new", Mode: vfs.OpenCreate})
	require.NoError(t, err)
	require.Equal(t, int64(0), resp.InitialOffset)

	wr, err := b.Write(ctx, resp.Handle, &vfs.WriteRequest{Data: []byte("0123456789")})
	require.NoError(t, err)
	require.Equal(t, 10, wr.Written)
	require.NoError(t, b.Truncate(ctx, resp.Handle, &vfs.TruncateRequest{Size: 4}))

	cr, err := b.CloseWrite(ctx, resp.Handle, &vfs.CloseRequest{})
	require.NoError(t, err)
	require.NotEmpty(t, cr.Etag)

	data, err := os.ReadFile(filepath.Join(root, "new"))
	require.NoError(t, err)
	require.Equal(t, "0123", string(data))

	fi, err := os.Stat(filepath.Join(root, "new"))
	require.NoError(t, err)
	require.Equal(t, etag(fi), cr.Etag)

	_, err = b.OpenForWrite(ctx, &vfs.OpenForWriteRequest{Path: "/new", Mode: vfs.OpenCreate})
	require.Equal(t, vfs.ErrorExists, vfs.ToErrorInfo(err).Code)
}

func TestOpenForWrite_Append(t *testing.T) {
	b, root := mountTemp(t)
	ctx := context.Background()
	path := filepath.Join(root, "log")
	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0644))

	resp, err := b.OpenForWrite(ctx, &vfs.OpenForWriteRequest{Path: "/log", Mode: vfs.OpenAppend})
	require.NoError(t, err)
	require.Equal(t, int64(4), resp.InitialOffset)
	require.False(t, resp.CanSeek)

	_, err = b.Write(ctx, resp.Handle, &vfs.WriteRequest{Data: []byte("two\n")})
	require.NoError(t, err)
	_, err = b.CloseWrite(ctx, resp.Handle, &vfs.CloseRequest{})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\n", string(data))
}

func TestOpenForWrite_Replace(t *testing.T) {
	b, root := mountTemp(t)
	ctx := context.Background()
	path := filepath.Join(root, "doc")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0600))

	_, err := b.OpenForWrite(ctx, &vfs.OpenForWriteRequest{Path: "/doc", Mode: vfs.OpenReplace, Etag: "1:2"})
	require.ErrorIs(t, err, vfs.ErrorWrongEtag)

	fi, err := os.Stat(path)
	require.NoError(t, err)

	resp, err := b.OpenForWrite(ctx, &vfs.OpenForWriteRequest{
		Path:       "/doc",
		Mode:       vfs.OpenReplace,
		Etag:       etag(fi),
		MakeBackup: true,
	})
	require.NoError(t, err)

	_, err = b.Write(ctx, resp.Handle, &vfs.WriteRequest{Data: []byte("new")})
	require.NoError(t, err)

	// Nothing changes until the handle is closed.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "old", string(data))

	ir, err := b.QueryInfoOnWrite(ctx, resp.Handle, &vfs.QueryInfoRequest{Attributes: vfs.AttrStandardName})
	require.NoError(t, err)
	name, _ := ir.Info.GetString(vfs.AttrStandardName)
	require.Equal(t, "doc", name)

	_, err = b.CloseWrite(ctx, resp.Handle, &vfs.CloseRequest{})
	require.NoError(t, err)

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "new", string(data))

	backup, err := os.ReadFile(path + "~")
	require.NoError(t, err)
	require.Equal(t, "old", string(backup))

	nfi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), nfi.Mode().Perm())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 2, "temporary file must be gone")
}

func TestTry_Seek(t *testing.T) {
	b, root := mountTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("0123456789"), 0644))

	pool, err := job.NewPool(nil, job.Options{Handler: b})
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Close()
		pool.Wait()
	})

	resp, err := b.OpenForRead(context.Background(), &vfs.OpenForReadRequest{Path: "/f"})
	require.NoError(t, err)
	id, err := pool.Handles().Add(resp.Handle)
	require.NoError(t, err)

	// With no Source, a job finishes as soon as it completes; Try completes
	// it before Queue returns.
	j := job.New(1, job.Params{
		Op:      vfs.OpSeekOnRead,
		Handle:  id,
		Request: &vfs.SeekRequest{Offset: 3},
	})
	pool.Queue(j)
	require.True(t, j.Finished())

	res, ei := j.Result()
	require.Nil(t, ei)
	require.Equal(t, int64(3), res.(*vfs.SeekResponse).Offset)
}

func TestPull(t *testing.T) {
	b, root := mountTemp(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(root, "src"), []byte("payload"), 0644))

	dest := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, b.Pull(ctx, &vfs.PullRequest{Source: "/src", LocalPath: dest}))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
	require.FileExists(t, filepath.Join(root, "src"))

	moved := filepath.Join(t.TempDir(), "moved")
	require.NoError(t, b.Pull(ctx, &vfs.PullRequest{Source: "/src", LocalPath: moved, RemoveSource: true}))
	require.FileExists(t, moved)
	require.NoFileExists(t, filepath.Join(root, "src"))

	err = b.Pull(ctx, &vfs.PullRequest{Source: "/src", LocalPath: moved})
	require.Equal(t, vfs.ErrorNotFound, vfs.ToErrorInfo(err).Code)
}

func TestPull_Canceled(t *testing.T) {
	b, root := mountTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "src"), []byte("payload"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(t.TempDir(), "copy")
	err := b.Pull(ctx, &vfs.PullRequest{Source: "/src", LocalPath: dest})
	require.Equal(t, vfs.ErrorCancelled, vfs.ToErrorInfo(err).Code)
	require.NoFileExists(t, dest)
}

type recordingPeer struct {
	mut    sync.Mutex
	events []monitor.ChangedArgs
}

func (p *recordingPeer) ID() string { return "peer" }

func (p *recordingPeer) Emit(_, _ string, args interface{}) error {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.events = append(p.events, args.(monitor.ChangedArgs))
	return nil
}

func (p *recordingPeer) OnClose(func()) func() { return func() {} }

func (p *recordingPeer) Events() []monitor.ChangedArgs {
	p.mut.Lock()
	defer p.mut.Unlock()
	return append([]monitor.ChangedArgs(nil), p.events...)
}

func TestCreateMonitor(t *testing.T) {
	b, root := mountTemp(t)
	ctx := context.Background()
	require.NoError(t, os.Mkdir(filepath.Join(root, "watched"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "watched", "existing"), nil, 0644))

	m := monitor.New(nil, &vfs.IDGenerator{}, vfs.MountSpec{Type: Type})
	peer := &recordingPeer{}
	require.NoError(t, m.Subscribe(peer, "/client/monitor"))
	require.NoError(t, b.CreateMonitor(ctx, &vfs.CreateMonitorRequest{Path: "/watched"}, m))

	write := func(path string, mode vfs.OpenMode) {
		resp, err := b.OpenForWrite(ctx, &vfs.OpenForWriteRequest{Path: path, Mode: mode})
		require.NoError(t, err)
		_, err = b.CloseWrite(ctx, resp.Handle, &vfs.CloseRequest{})
		require.NoError(t, err)
	}
	write("/watched/new", vfs.OpenCreate)
	write("/watched/existing", vfs.OpenAppend)
	write("/elsewhere", vfs.OpenCreate)

	var got []monitor.Event
	for _, ev := range peer.Events() {
		got = append(got, ev.Event)
		require.Contains(t, ev.Path, "/watched/")
	}
	require.Equal(t, []monitor.Event{
		monitor.EventCreated, monitor.EventChangesDoneHint,
		monitor.EventChanged, monitor.EventChangesDoneHint,
	}, got)

	require.True(t, b.RemoveMonitor(m))
	require.False(t, b.RemoveMonitor(m))
}

func TestUnmount_Busy(t *testing.T) {
	b, root := mountTemp(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), nil, 0644))

	_, err := b.OpenForRead(ctx, &vfs.OpenForReadRequest{Path: "/f"})
	require.NoError(t, err)

	err = b.Unmount(ctx, &vfs.UnmountRequest{}, mountsource.NewDummy())
	require.ErrorIs(t, err, vfs.ErrorBusy)
	require.Equal(t, 1, b.openFiles())

	require.NoError(t, b.Unmount(ctx, &vfs.UnmountRequest{Force: true}, mountsource.NewDummy()))
	require.Equal(t, 0, b.openFiles())
}
