// Package lvm is an in-process, thread-safe cache that sits between nova's
// storage code and the host's LVM command-line toolset (pvs, vgs, lvs,
// pvcreate, vgcreate, lvcreate, lvchange, lvextend, lvreduce, lvremove,
// vgextend, vgreduce, vgremove, vgchange, pvresize, pvmove, vgck,
// pvchange). It gives the volume manager and the VM pool a way to reuse
// LVM logical volumes as VM disk backing stores without re-invoking the
// toolchain on every read, while keeping per-entity staleness so writes
// only invalidate what they actually touch.
//
// The cache assumes single-writer-per-VG discipline: callers may run reads
// and writes against different volume groups concurrently, but must
// externally serialize read-then-write sequences against the same VG
// (sizing decisions, extent accounting) the way a cluster's single point
// of management node would.
package lvm
