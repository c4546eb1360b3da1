package proctable

import (
	"testing"

	"github.com/nsproc/kernelns/pkg/kernel/cpu"
	"github.com/nsproc/kernelns/pkg/kernel/mm"
	"github.com/nsproc/kernelns/pkg/kernel/nstable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocAssignsNamespacePIDVector(t *testing.T) {
	c := cpu.New(0)
	nsTable := nstable.New(4)
	procTable := New(4, 16, 8, mm.NewFake())

	root := nsTable.Alloc(c)
	p, err := procTable.Alloc(c, root, nsTable, 10)
	require.NoError(t, err)
	defer p.Lock.Release(c)

	assert.Equal(t, Used, p.State)
	assert.Equal(t, 1, p.GlobalPID)
	assert.Equal(t, 1, p.NSPids[0])
	assert.NotNil(t, p.PageTable)
	assert.NotZero(t, p.Trapframe)
}

func TestAllocAssignsOnePIDPerAncestor(t *testing.T) {
	c := cpu.New(0)
	nsTable := nstable.New(4)
	procTable := New(4, 16, 8, mm.NewFake())

	root := nsTable.Alloc(c)
	child := nsTable.Alloc(c)
	child.ParentIdx = root.Index
	child.Depth = root.Depth + 1

	p, err := procTable.Alloc(c, child, nsTable, 0)
	require.NoError(t, err)
	defer p.Lock.Release(c)

	assert.NotZero(t, p.NSPids[0])
	assert.NotZero(t, p.NSPids[1])
	for _, pid := range p.NSPids[2:] {
		assert.Zero(t, pid)
	}
}

func TestAllocFailsWhenTableFull(t *testing.T) {
	c := cpu.New(0)
	nsTable := nstable.New(4)
	procTable := New(1, 16, 8, mm.NewFake())
	root := nsTable.Alloc(c)

	p, err := procTable.Alloc(c, root, nsTable, 0)
	require.NoError(t, err)
	p.Lock.Release(c)

	_, err = procTable.Alloc(c, root, nsTable, 0)
	assert.Error(t, err)
}

func TestFreeResetsSlotToUnused(t *testing.T) {
	c := cpu.New(0)
	nsTable := nstable.New(4)
	procTable := New(2, 16, 8, mm.NewFake())
	root := nsTable.Alloc(c)

	p, err := procTable.Alloc(c, root, nsTable, 0)
	require.NoError(t, err)

	procTable.Free(p, 5)
	p.Lock.Release(c)

	assert.Equal(t, Unused, p.State)
	assert.Equal(t, 0, p.GlobalPID)
	assert.Equal(t, -1, p.NSIdx)
	assert.Nil(t, p.PageTable)
	assert.Zero(t, p.Trapframe)
	for _, pid := range p.NSPids {
		assert.Equal(t, 0, pid)
	}
}

func TestEnterLeaveKernelAccruesKernelTime(t *testing.T) {
	c := cpu.New(0)
	nsTable := nstable.New(4)
	procTable := New(2, 16, 8, mm.NewFake())
	root := nsTable.Alloc(c)

	p, err := procTable.Alloc(c, root, nsTable, 0)
	require.NoError(t, err)
	defer p.Lock.Release(c)

	p.EnterKernel(10)
	p.LeaveKernel(17)
	assert.Equal(t, uint64(7), p.KernelTime)
	assert.Zero(t, p.LastKernelTime)
}

func TestStateStringsMatchWireFormat(t *testing.T) {
	assert.Equal(t, "unused", Unused.String())
	assert.Equal(t, "used ", Used.String())
	assert.Equal(t, "sleep ", Sleeping.String())
	assert.Equal(t, "runble", Runnable.String())
	assert.Equal(t, "run   ", Running.String())
	assert.Equal(t, "zombie", Zombie.String())
}
