package volume

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/lvm"
	"github.com/oriys/nova/internal/store"
)

// Manager handles persistent volume lifecycle operations
type Manager struct {
	store     *store.Store
	volumeDir string

	// lvmBackend, when non-nil, routes CreateVolume/DeleteVolume through
	// logical volumes on lvmVG instead of flat ext4 image files.
	lvmBackend *lvm.LVM
	lvmVG      string
}

// Config holds volume manager configuration
type Config struct {
	VolumeDir string

	// LVMBackend and LVMVolumeGroup enable the LVM-backed volume path.
	// When LVMBackend is nil, volumes are always flat ext4 image files.
	LVMBackend     *lvm.LVM
	LVMVolumeGroup string
}

// DefaultConfig returns default volume manager configuration
func DefaultConfig() *Config {
	volumeDir := os.Getenv("NOVA_VOLUME_DIR")
	if volumeDir == "" {
		volumeDir = "/opt/nova/volumes"
	}
	return &Config{
		VolumeDir: volumeDir,
	}
}

// NewManager creates a new volume manager
func NewManager(s *store.Store, cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := os.MkdirAll(cfg.VolumeDir, 0755); err != nil {
		return nil, fmt.Errorf("create volume directory: %w", err)
	}

	return &Manager{
		store:      s,
		volumeDir:  cfg.VolumeDir,
		lvmBackend: cfg.LVMBackend,
		lvmVG:      cfg.LVMVolumeGroup,
	}, nil
}

// CreateVolume creates a new persistent volume, backed by a logical volume
// when the manager has an LVM backend configured, or a flat ext4 image
// file otherwise.
func (m *Manager) CreateVolume(ctx context.Context, vol *domain.Volume) error {
	if m.lvmBackend != nil {
		return m.createVolumeOnLVM(ctx, vol)
	}
	return m.createVolumeOnFile(ctx, vol)
}

func (m *Manager) createVolumeOnFile(ctx context.Context, vol *domain.Volume) error {
	imageName := fmt.Sprintf("%s-%s.ext4", vol.TenantID, vol.Name)
	imagePath := filepath.Join(m.volumeDir, imageName)

	if _, err := os.Stat(imagePath); err == nil {
		return fmt.Errorf("volume image already exists: %s", imagePath)
	}

	if err := m.createExt4Image(imagePath, vol.SizeMB); err != nil {
		return fmt.Errorf("create ext4 image: %w", err)
	}

	vol.ImagePath = imagePath

	if err := m.store.CreateVolume(ctx, vol); err != nil {
		os.Remove(imagePath)
		return fmt.Errorf("save volume metadata: %w", err)
	}

	logging.Op().Info("volume created", "name", vol.Name, "size_mb", vol.SizeMB, "path", imagePath)
	return nil
}

// createVolumeOnLVM creates a logical volume sized to vol.SizeMB, formats
// it with ext4, and records the (vg, lv) pair on vol instead of a flat
// image path. The LV name is derived from the tenant and volume name the
// same way the file-backed path derives its image filename.
func (m *Manager) createVolumeOnLVM(ctx context.Context, vol *domain.Volume) error {
	lvName := lvNameFor(vol.TenantID, vol.Name)

	if err := m.lvmBackend.Mutator().CreateLV(ctx, m.lvmVG, lvName, int64(vol.SizeMB), false, nil, "", true); err != nil {
		return fmt.Errorf("create logical volume: %w", err)
	}

	lv, err := m.lvmBackend.Cache().GetLV(ctx, m.lvmVG, lvName)
	if err != nil {
		_ = m.lvmBackend.Mutator().RemoveLVs(ctx, m.lvmVG, []string{lvName})
		return fmt.Errorf("reload created logical volume: %w", err)
	}

	devicePath := "/dev/" + m.lvmVG + "/" + lv.Name
	cmd := exec.CommandContext(ctx, "mkfs.ext4", "-F", "-q", devicePath)
	if output, err := cmd.CombinedOutput(); err != nil {
		_ = m.lvmBackend.Mutator().RemoveLVs(ctx, m.lvmVG, []string{lvName})
		return fmt.Errorf("mkfs.ext4 failed: %w, output: %s", err, output)
	}

	vol.VGName = m.lvmVG
	vol.LVName = lv.Name

	if err := m.store.CreateVolume(ctx, vol); err != nil {
		_ = m.lvmBackend.Mutator().RemoveLVs(ctx, m.lvmVG, []string{lvName})
		return fmt.Errorf("save volume metadata: %w", err)
	}

	logging.Op().Info("volume created on LVM", "name", vol.Name, "size_mb", vol.SizeMB, "vg", m.lvmVG, "lv", lv.Name)
	return nil
}

func lvNameFor(tenantID, volumeName string) string {
	return fmt.Sprintf("%s-%s", tenantID, volumeName)
}

func (m *Manager) createExt4Image(path string, sizeMB int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	if err := f.Truncate(int64(sizeMB) * 1024 * 1024); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("truncate file: %w", err)
	}
	f.Close()

	cmd := exec.Command("mkfs.ext4", "-F", "-q", path)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.Remove(path)
		return fmt.Errorf("mkfs.ext4 failed: %w, output: %s", err, output)
	}

	return nil
}

// DeleteVolume deletes a volume and its backing storage, whether a flat
// image file or a logical volume.
func (m *Manager) DeleteVolume(ctx context.Context, volumeID string) error {
	vol, err := m.store.GetVolume(ctx, volumeID)
	if err != nil {
		return fmt.Errorf("get volume: %w", err)
	}

	if err := m.store.DeleteVolume(ctx, volumeID); err != nil {
		return fmt.Errorf("delete volume metadata: %w", err)
	}

	if vol.VGName != "" && vol.LVName != "" {
		if m.lvmBackend != nil {
			if err := m.lvmBackend.Mutator().RemoveLVs(ctx, vol.VGName, []string{vol.LVName}); err != nil {
				logging.Op().Warn("failed to remove logical volume", "vg", vol.VGName, "lv", vol.LVName, "error", err)
			}
		}
	} else if vol.ImagePath != "" {
		if err := os.Remove(vol.ImagePath); err != nil && !os.IsNotExist(err) {
			logging.Op().Warn("failed to remove volume image", "path", vol.ImagePath, "error", err)
		}
	}

	logging.Op().Info("volume deleted", "id", volumeID, "name", vol.Name)
	return nil
}
