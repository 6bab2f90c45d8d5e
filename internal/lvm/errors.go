package lvm

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the NotFound family. Use errors.Is against
// these; the concrete error also carries the entity name/command context.
var (
	ErrInaccessiblePhysDev       = errors.New("lvm: physical volume is inaccessible")
	ErrVolumeGroupDoesNotExist   = errors.New("lvm: volume group does not exist")
	ErrLogicalVolumeDoesNotExist = errors.New("lvm: logical volume does not exist")
)

// Mutation-family sentinels.
var (
	ErrVolumeGroupCreate          = errors.New("lvm: vgcreate failed")
	ErrVolumeGroupExtend          = errors.New("lvm: vgextend failed")
	ErrVolumeGroupReduce          = errors.New("lvm: vgreduce failed")
	ErrVolumeGroupRemove          = errors.New("lvm: vgremove failed")
	ErrVolumeGroupReplaceTag      = errors.New("lvm: vgchange tag update failed")
	ErrLogicalVolumeCreate        = errors.New("lvm: lvcreate failed")
	ErrLogicalVolumeRemove        = errors.New("lvm: lvremove failed")
	ErrLogicalVolumeExtend        = errors.New("lvm: lvextend failed")
	ErrLogicalVolumeRefresh       = errors.New("lvm: lvchange --refresh failed")
	ErrLogicalVolumeReplaceTag    = errors.New("lvm: lvchange tag update failed")
	ErrCannotActivateLVs          = errors.New("lvm: cannot activate logical volumes")
	ErrCannotDeactivateLV         = errors.New("lvm: cannot deactivate logical volume")
	ErrCannotSetRWLogicalVolume   = errors.New("lvm: cannot change logical volume permission")
	ErrCouldNotResizePhysicalVol  = errors.New("lvm: pvresize failed")
	ErrCouldNotMovePVData         = errors.New("lvm: pvmove failed")
	ErrPhysDevInitialization      = errors.New("lvm: pvcreate failed")
)

// Validation/invariant sentinels.
var (
	ErrInvalidOutputLine             = errors.New("lvm: invalid command output line")
	ErrUnexpectedVolumeGroupMetadata = errors.New("lvm: unexpected volume group metadata layout")
	ErrDuplicateTag                  = errors.New("lvm: tag present in both add and delete sets")
	ErrBadAvailability               = errors.New("lvm: invalid availability value")
	ErrDeviceBlockSize               = errors.New("lvm: unsupported device block size")
	ErrVolumeGroupBlockSize          = errors.New("lvm: mismatched block sizes within volume group")
	ErrNotEnoughFreeExtents          = errors.New("lvm: not enough free extents")
)

// CommandError wraps a failed external LVM command invocation, carrying
// the argv, exit code and captured stdout/stderr so callers (and tests)
// can inspect exactly what the toolchain said.
type CommandError struct {
	Cmd    []string
	RC     int
	Stdout []string
	Stderr []string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("lvm: command %q failed (rc=%d): %s", strings.Join(e.Cmd, " "), e.RC, strings.Join(e.Stderr, "; "))
}

// LVInUse reports whether the command failed because the target logical
// volume is currently open/in use by another process. MutationAPI uses
// this to downgrade a failed deactivation into a warning instead of a
// hard error.
func (e *CommandError) LVInUse() bool {
	for _, line := range e.Stderr {
		l := strings.ToLower(line)
		if strings.Contains(l, "in use") || strings.Contains(l, "busy") {
			return true
		}
	}
	return false
}

// wrapf builds an error chaining a sentinel with a *CommandError (or any
// other cause) and free-form context, using the same
// fmt.Errorf("...: %w", err) convention used throughout internal/store.
func wrapf(sentinel error, context string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %v", sentinel, context, cause)
	}
	return fmt.Errorf("%w: %s", sentinel, context)
}
