//go:build unix

package shm

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniqueName(t *testing.T) string {
	t.Helper()
	name := fmt.Sprintf("test_%d_%d", os.Getpid(), rand.Int63())
	t.Cleanup(func() { _ = Remove(name) })
	return name
}

func TestCreateOpen_ShareMemory(t *testing.T) {
	name := uniqueName(t)

	owner, err := Create(name, 4096)
	require.NoError(t, err)
	assert.True(t, owner.Owner())
	assert.Equal(t, 4096, owner.Size())
	assert.Equal(t, Path(name), owner.Path())

	peer, err := Open(name, 4096)
	require.NoError(t, err)
	assert.False(t, peer.Owner())

	owner.Bytes()[100] = 0x5A
	assert.Equal(t, byte(0x5A), peer.Bytes()[100])
	peer.Bytes()[4095] = 0xA5
	assert.Equal(t, byte(0xA5), owner.Bytes()[4095])

	require.NoError(t, peer.Close())
	require.NoError(t, owner.Close())
}

func TestOpen_BeforeCreateFails(t *testing.T) {
	name := uniqueName(t)

	seg, err := Open(name, 4096)
	assert.Nil(t, seg)
	assert.True(t, errors.Is(err, ErrSegmentNotFound), "got %v", err)
}

func TestCreate_ExistingNameFails(t *testing.T) {
	name := uniqueName(t)

	first, err := Create(name, 4096)
	require.NoError(t, err)
	defer first.Close()

	second, err := Create(name, 4096)
	assert.Nil(t, second)
	assert.True(t, errors.Is(err, ErrSegmentExists), "got %v", err)
}

func TestOpen_TooSmallFails(t *testing.T) {
	name := uniqueName(t)

	owner, err := Create(name, 4096)
	require.NoError(t, err)
	defer owner.Close()

	_, err = Open(name, 8192)
	assert.True(t, errors.Is(err, ErrSegmentSize), "got %v", err)
}

func TestClose_OwnerUnlinks(t *testing.T) {
	name := uniqueName(t)

	owner, err := Create(name, 4096)
	require.NoError(t, err)
	peer, err := Open(name, 4096)
	require.NoError(t, err)

	require.NoError(t, owner.Close())

	_, err = os.Stat(Path(name))
	assert.True(t, os.IsNotExist(err))

	_, err = Open(name, 4096)
	assert.True(t, errors.Is(err, ErrSegmentNotFound))

	// The peer mapping outlives the name.
	peer.Bytes()[0] = 1
	assert.Equal(t, byte(1), peer.Bytes()[0])
	require.NoError(t, peer.Close())
}

func TestClose_PeerDoesNotUnlink(t *testing.T) {
	name := uniqueName(t)

	owner, err := Create(name, 4096)
	require.NoError(t, err)
	defer owner.Close()

	peer, err := Open(name, 4096)
	require.NoError(t, err)
	require.NoError(t, peer.Close())

	_, err = os.Stat(Path(name))
	assert.NoError(t, err)
}

func TestClose_Twice(t *testing.T) {
	name := uniqueName(t)

	seg, err := Create(name, 4096)
	require.NoError(t, err)
	require.NoError(t, seg.Close())
	assert.ErrorIs(t, seg.Close(), ErrSegmentClosed)
}

func TestInvalidArguments(t *testing.T) {
	_, err := Create("", 4096)
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = Create("a/b", 4096)
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = Create(uniqueName(t), 0)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = Open(uniqueName(t), -1)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestRemove(t *testing.T) {
	name := uniqueName(t)
	assert.NoError(t, Remove(name), "missing name is not an error")

	seg, err := Create(name, 4096)
	require.NoError(t, err)
	require.NoError(t, Remove(name))

	again, err := Create(name, 4096)
	require.NoError(t, err)
	require.NoError(t, again.Close())
	require.NoError(t, seg.Close())
}
