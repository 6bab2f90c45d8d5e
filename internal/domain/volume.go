package domain

import "time"

// Volume is a named block of persistent storage that can be mounted into
// one or more function invocations. Backing storage is either a flat
// ext4-formatted image file (ImagePath) or, when the LVM backend is
// enabled, a logical volume (VGName/LVName) whose device node is
// /dev/<VGName>/<LVName>.
type Volume struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Namespace   string    `json:"namespace"`
	Name        string    `json:"name"`
	SizeMB      int       `json:"size_mb"`
	ImagePath   string    `json:"image_path,omitempty"`
	VGName      string    `json:"vg_name,omitempty"`
	LVName      string    `json:"lv_name,omitempty"`
	Shared      bool      `json:"shared"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DevicePath returns the block device backing the volume, preferring the
// LVM-backed logical volume when present.
func (v *Volume) DevicePath() string {
	if v.VGName != "" && v.LVName != "" {
		return "/dev/" + v.VGName + "/" + v.LVName
	}
	return v.ImagePath
}

// VolumeMount attaches a Volume to a function invocation's guest filesystem.
type VolumeMount struct {
	VolumeID  string `json:"volume_id"`
	MountPath string `json:"mount_path"`
	ReadOnly  bool   `json:"read_only"`
}

// ResolvedMount carries a VolumeMount plus the host-side path the executor
// needs to hand the backend, after VolumeID has been resolved against the
// function's attached volumes.
type ResolvedMount struct {
	ImagePath string `json:"image_path"`
	MountPath string `json:"mount_path"`
	ReadOnly  bool   `json:"read_only"`
}
