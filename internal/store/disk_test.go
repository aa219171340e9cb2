package store

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/value"
)

func TestDisk_Layout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	d, err := OpenDisk(ctx, root)
	require.NoError(t, err)
	defer d.Close()

	pid, err := os.ReadFile(filepath.Join(root, "pid"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(pid))

	_, err = d.NewID(ctx)
	require.NoError(t, err)
	next, err := os.ReadFile(filepath.Join(root, "next_id"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(next))

	require.NoError(t, d.Set(ctx, ident.Parse("local/0/x"), value.NewInt(1)))
	data, err := os.ReadFile(filepath.Join(root, "store", "local", "0"))
	require.NoError(t, err)
	got, err := value.UnmarshalCBOR(data)
	require.NoError(t, err)
	assert.True(t, value.Equal(value.NewMap(value.E("x", value.NewInt(1))), got))
}

func TestDisk_StaysInsideRoot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	root := filepath.Join(dir, "node")

	d, err := OpenDisk(ctx, root)
	require.NoError(t, err)
	defer d.Close()

	err = d.Set(ctx, ident.New("../../escaped", "1"), value.Text("x"))
	assert.True(t, errors.Is(err, fault.ErrDecode))
	assert.NoFileExists(t, filepath.Join(dir, "escaped", "1"))

	err = d.Set(ctx, ident.New("", "1"), value.Text("x"))
	assert.True(t, errors.Is(err, fault.ErrDecode))
	assert.NoFileExists(t, filepath.Join(root, "store", "1"))

	_, _, err = d.FirstID(ctx, "..")
	assert.True(t, errors.Is(err, fault.ErrDecode))
}

func TestDisk_SecondOpenFailsWhileHolderAlive(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	d, err := OpenDisk(ctx, root)
	require.NoError(t, err)
	defer d.Close()

	_, err = OpenDisk(ctx, root)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrAlreadyOpen))
}

func TestDisk_OpenAfterHolderGone(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	// A finished child leaves behind a pid that no longer names a process.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	dead := cmd.Process.Pid
	require.NoError(t, os.WriteFile(filepath.Join(root, "pid"), []byte(strconv.Itoa(dead)), 0o644))

	d, err := OpenDisk(ctx, root)
	require.NoError(t, err)
	defer d.Close()

	pid, err := os.ReadFile(filepath.Join(root, "pid"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(pid))
}

func TestDisk_CloseReleasesLockAndDataSurvives(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	d, err := OpenDisk(ctx, root)
	require.NoError(t, err)
	id, err := d.NewID(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Set(ctx, ident.New("local", id, "name"), value.Text("kept")))
	require.NoError(t, d.Close())
	require.NoError(t, d.Close(), "Close is idempotent")

	_, err = os.Stat(filepath.Join(root, "pid"))
	assert.True(t, os.IsNotExist(err))

	d2, err := OpenDisk(ctx, root)
	require.NoError(t, err)
	defer d2.Close()

	got, err := d2.GetFull(ctx, ident.New("local", id, "name"))
	require.NoError(t, err)
	assert.Equal(t, value.Text("kept"), got)

	next, err := d2.NewID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", next)
}

func TestDisk_IgnoresStrayFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	d, err := OpenDisk(ctx, root)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Set(ctx, ident.Parse("local/2"), value.Null{}))
	require.NoError(t, os.WriteFile(filepath.Join(root, "store", "local", ".tmp-2-123"), []byte("junk"), 0o644))

	assert.Equal(t, []uint64{2}, collect(t, d, "local"))
}
