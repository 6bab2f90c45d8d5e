package lvm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/oriys/nova/internal/logging"
)

// This file implements the external interfaces: the collaborators the
// cache consumes but does not own. Each interface has a default
// exec.CommandContext-based or syscall-based production implementation,
// grounded on internal/executor/local.go's subprocess conventions
// (CommandContext, CombinedOutput, *exec.ExitError inspection).

// DeviceEnumerator supplies the current set of backing block-device paths
// used to build the LVM filter.
type DeviceEnumerator interface {
	CurrentDevicePaths(ctx context.Context) ([]string, error)
}

// ProcUser describes a process holding a device open, used for the
// "deactivate busy LV" warning.
type ProcUser struct {
	PID     int
	Command string
}

// ProcessInfoLookup enumerates processes currently using a device path.
type ProcessInfoLookup interface {
	ProcInfo(ctx context.Context, devicePath string) ([]ProcUser, error)
}

// DeviceMapperAdmin manages device-mapper mappings,
// used when deactivating a VG whose storage has become unreachable.
type DeviceMapperAdmin interface {
	ListMappedDevices(ctx context.Context) ([]string, error)
	RemoveMapping(ctx context.Context, name string) error
	RemoveMappingsHolding(ctx context.Context, device string) error
}

// BlockSizeProbe reports a device's logical/physical sector sizes.
type BlockSizeProbe interface {
	BlockSizes(device string) (logical, physical int, err error)
}

// OwnershipAdmin changes a device node's owning user:group, used after activating a newly created LV.
type OwnershipAdmin interface {
	Chown(path, userName, group string) error
}

// CommandBuilder produces argument vectors for the mutating LVM commands
// and canonicalizes a short device name to its full path.
type CommandBuilder interface {
	LVChange(vg string, lvs []string, attrs [][2]string, autobackup bool) []string
	LVCreate(vg, lv string, sizeMB int64, contiguous bool, tags []string, device string) []string
	LVRemove(vg string, lvs []string) []string
	LVExtend(vg, lv string, sizeMB int64, refresh bool) []string
	LVReduce(vg, lv string, sizeMB int64, force bool) []string
	FQPVName(device string) string
}

// CommandExecutor is the seam CommandRunner calls through to actually
// invoke the LVM toolchain.
type CommandExecutor interface {
	Run(ctx context.Context, argv []string, devices []string, usePolld bool) ([]string, error)
}

// --- production implementations -------------------------------------------

// execCommandExecutor runs LVM commands via os/exec, building a
// --config devices filter from the supplied device list for every
// invocation.
type execCommandExecutor struct {
	binDir string // optional override, e.g. for test fixtures
}

// NewExecCommandExecutor returns a CommandExecutor backed by the real
// host LVM toolchain.
func NewExecCommandExecutor() CommandExecutor {
	return &execCommandExecutor{}
}

func (e *execCommandExecutor) Run(ctx context.Context, argv []string, devices []string, usePolld bool) ([]string, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("lvm: empty command")
	}
	name := argv[0]
	if e.binDir != "" {
		name = filepath.Join(e.binDir, name)
	}
	args := append([]string{}, argv[1:]...)
	args = append(args, buildFilterArgs(devices, usePolld)...)

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	lines := splitOutputLines(stdout.String())

	if runErr != nil {
		rc := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			rc = exitErr.ExitCode()
		}
		return lines, &CommandError{
			Cmd:    append([]string{argv[0]}, args...),
			RC:     rc,
			Stdout: lines,
			Stderr: splitOutputLines(stderr.String()),
		}
	}
	return lines, nil
}

// buildFilterArgs renders the --config devices filter LVM uses to scan
// only devices this host manages. usePolld selects between the
// background-polling daemon and the synchronous variant of the toolchain.
func buildFilterArgs(devices []string, usePolld bool) []string {
	args := make([]string, 0, len(devices)+2)
	if len(devices) > 0 {
		patterns := make([]string, 0, len(devices))
		for _, d := range devices {
			patterns = append(patterns, fmt.Sprintf(`"a|^%s$|"`, d))
		}
		patterns = append(patterns, `"r|.*|"`)
		filter := "devices { filter = [" + strings.Join(patterns, ", ") + "] }"
		args = append(args, "--config", filter)
	}
	if !usePolld {
		args = append(args, "--config", "global { use_lvmpolld = 0 }")
	}
	return args
}

func splitOutputLines(s string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// sysDeviceEnumerator walks /dev/mapper, returning the device-mapper
// entries this host currently exposes.
type sysDeviceEnumerator struct {
	root string // default "/dev/mapper"
}

// NewSysDeviceEnumerator returns a DeviceEnumerator backed by /dev/mapper.
func NewSysDeviceEnumerator() DeviceEnumerator {
	return &sysDeviceEnumerator{root: "/dev/mapper"}
}

func (e *sysDeviceEnumerator) CurrentDevicePaths(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", e.root, err)
	}
	paths := make([]string, 0, len(entries))
	for _, ent := range entries {
		if ent.Name() == "control" {
			continue
		}
		paths = append(paths, filepath.Join(e.root, ent.Name()))
	}
	return paths, nil
}

// fuserProcessInfo shells out to `fuser -v` to list processes holding a
// device open.
type fuserProcessInfo struct{}

// NewFuserProcessInfo returns a ProcessInfoLookup backed by `fuser`.
func NewFuserProcessInfo() ProcessInfoLookup { return fuserProcessInfo{} }

func (fuserProcessInfo) ProcInfo(ctx context.Context, devicePath string) ([]ProcUser, error) {
	cmd := exec.CommandContext(ctx, "fuser", "-v", devicePath)
	out, err := cmd.Output()
	if err != nil {
		// fuser exits non-zero when nobody holds the device; that's not
		// an error we need to propagate.
		if len(out) == 0 {
			return nil, nil
		}
	}
	var users []ProcUser
	for _, line := range splitOutputLines(string(out)) {
		fields := strings.Fields(line)
		for _, f := range fields {
			if pid, err := strconv.Atoi(f); err == nil {
				users = append(users, ProcUser{PID: pid, Command: line})
			}
		}
	}
	return users, nil
}

// dmDeviceMapperAdmin shells out to dmsetup directly.
type dmDeviceMapperAdmin struct{}

// NewDMDeviceMapperAdmin returns a DeviceMapperAdmin backed by dmsetup.
func NewDMDeviceMapperAdmin() DeviceMapperAdmin { return dmDeviceMapperAdmin{} }

func (dmDeviceMapperAdmin) ListMappedDevices(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "dmsetup", "ls", "--target", "linear").Output()
	if err != nil {
		return nil, fmt.Errorf("dmsetup ls: %w", err)
	}
	var names []string
	for _, line := range splitOutputLines(string(out)) {
		fields := strings.Fields(line)
		if len(fields) > 0 {
			names = append(names, fields[0])
		}
	}
	return names, nil
}

func (dmDeviceMapperAdmin) RemoveMapping(ctx context.Context, name string) error {
	if err := exec.CommandContext(ctx, "dmsetup", "remove", name).Run(); err != nil {
		return fmt.Errorf("dmsetup remove %s: %w", name, err)
	}
	return nil
}

func (a dmDeviceMapperAdmin) RemoveMappingsHolding(ctx context.Context, device string) error {
	names, err := a.ListMappedDevices(ctx)
	if err != nil {
		return err
	}
	base := filepath.Base(device)
	for _, n := range names {
		if strings.Contains(n, base) {
			_ = a.RemoveMapping(ctx, n)
		}
	}
	return nil
}

// ioctlBlockSizeProbe queries sector sizes via the BLKSSZGET/BLKPBSZGET
// ioctls, the idiomatic Go replacement for shelling out to `blockdev`.
type ioctlBlockSizeProbe struct{}

// NewIoctlBlockSizeProbe returns a BlockSizeProbe backed by block-device
// ioctls.
func NewIoctlBlockSizeProbe() BlockSizeProbe { return ioctlBlockSizeProbe{} }

func (ioctlBlockSizeProbe) BlockSizes(device string) (int, int, error) {
	f, err := os.Open(device)
	if err != nil {
		return 0, 0, fmt.Errorf("open %s: %w", device, err)
	}
	defer f.Close()

	logical, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		return 0, 0, fmt.Errorf("BLKSSZGET %s: %w", device, err)
	}
	physical, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKPBSZGET)
	if err != nil {
		// Not all kernels/drivers support BLKPBSZGET; fall back to the
		// logical size rather than failing the whole probe.
		physical = logical
	}
	return logical, physical, nil
}

// chownOwnershipAdmin changes device-node ownership via os.Chown,
// resolving the configured owner/group names with os/user.
type chownOwnershipAdmin struct{}

// NewChownOwnershipAdmin returns an OwnershipAdmin backed by os.Chown.
func NewChownOwnershipAdmin() OwnershipAdmin { return chownOwnershipAdmin{} }

func (chownOwnershipAdmin) Chown(path, userName, group string) error {
	u, err := user.Lookup(userName)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", userName, err)
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return fmt.Errorf("lookup group %s: %w", group, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parse uid %s: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("parse gid %s: %w", g.Gid, err)
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("chown %s to %s:%s: %w", path, userName, group, err)
	}
	return nil
}

// argBuilder is the default CommandBuilder.
type argBuilder struct {
	pvPrefix string // default "/dev/mapper"
}

// NewCommandBuilder returns the default LVM argv builder.
func NewCommandBuilder() CommandBuilder { return argBuilder{pvPrefix: "/dev/mapper"} }

func (b argBuilder) FQPVName(device string) string {
	if strings.HasPrefix(device, "/") {
		return device
	}
	return filepath.Join(b.pvPrefix, device)
}

func (argBuilder) LVChange(vg string, lvs []string, attrs [][2]string, autobackup bool) []string {
	cmd := []string{"lvchange"}
	for _, a := range attrs {
		cmd = append(cmd, a[0])
		if a[1] != "" {
			cmd = append(cmd, a[1])
		}
	}
	if autobackup {
		cmd = append(cmd, "--autobackup", "y")
	}
	for _, lv := range lvs {
		cmd = append(cmd, vg+"/"+lv)
	}
	return cmd
}

func (argBuilder) LVCreate(vg, lv string, sizeMB int64, contiguous bool, tags []string, device string) []string {
	cmd := []string{"lvcreate", "--name", lv, "--size", fmt.Sprintf("%dm", sizeMB)}
	if contiguous {
		cmd = append(cmd, "--contiguous", "y")
	}
	for _, t := range tags {
		cmd = append(cmd, "--addtag", t)
	}
	cmd = append(cmd, vg)
	if device != "" {
		cmd = append(cmd, device)
	}
	return cmd
}

func (argBuilder) LVRemove(vg string, lvs []string) []string {
	cmd := []string{"lvremove", "-f"}
	for _, lv := range lvs {
		cmd = append(cmd, vg+"/"+lv)
	}
	return cmd
}

func (argBuilder) LVExtend(vg, lv string, sizeMB int64, refresh bool) []string {
	cmd := []string{"lvextend", "--size", fmt.Sprintf("%dm", sizeMB)}
	if refresh {
		cmd = append(cmd, "--resizefs")
	}
	cmd = append(cmd, vg+"/"+lv)
	return cmd
}

func (argBuilder) LVReduce(vg, lv string, sizeMB int64, force bool) []string {
	cmd := []string{"lvreduce", "--size", fmt.Sprintf("%dm", sizeMB)}
	if force {
		cmd = append(cmd, "--force")
	}
	cmd = append(cmd, vg+"/"+lv)
	return cmd
}

// logWarnf is a tiny convenience wrapper around the shared operational
// logger, following internal/volume.Manager's logging.Op() usage.
func logWarnf(msg string, args ...any) {
	logging.Op().Warn(msg, args...)
}
