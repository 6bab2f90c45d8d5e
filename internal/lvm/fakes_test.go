package lvm

import (
	"context"
	"sync"
)

// fakeExecutor is a scriptable CommandExecutor: each call consumes the
// next queued response, recording the argv it was invoked with so tests
// can assert on exactly what the cache asked for.
type fakeExecutor struct {
	mu    sync.Mutex
	calls [][]string
	resp  []fakeResponse
}

type fakeResponse struct {
	lines []string
	err   error
}

func (f *fakeExecutor) queue(lines []string, err error) {
	f.resp = append(f.resp, fakeResponse{lines: lines, err: err})
}

func (f *fakeExecutor) Run(_ context.Context, argv []string, _ []string, _ bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{}, argv...))
	if len(f.resp) == 0 {
		return nil, nil
	}
	r := f.resp[0]
	f.resp = f.resp[1:]
	return r.lines, r.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeEnumerator returns a fixed device list.
type fakeEnumerator struct{ devices []string }

func (f fakeEnumerator) CurrentDevicePaths(context.Context) ([]string, error) {
	return f.devices, nil
}

// fakeBuilder implements CommandBuilder with simple argv shapes good
// enough to assert structure in tests.
type fakeBuilder struct{}

func (fakeBuilder) LVChange(vg string, lvs []string, attrs [][2]string, autobackup bool) []string {
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

func (fakeBuilder) LVCreate(vg, lv string, sizeMB int64, contiguous bool, tags []string, device string) []string {
	cmd := []string{"lvcreate", "--name", lv, vg}
	if device != "" {
		cmd = append(cmd, device)
	}
	return cmd
}

func (fakeBuilder) LVRemove(vg string, lvs []string) []string {
	cmd := []string{"lvremove"}
	for _, lv := range lvs {
		cmd = append(cmd, vg+"/"+lv)
	}
	return cmd
}

func (fakeBuilder) LVExtend(vg, lv string, sizeMB int64, refresh bool) []string {
	return []string{"lvextend", vg + "/" + lv}
}

func (fakeBuilder) LVReduce(vg, lv string, sizeMB int64, force bool) []string {
	return []string{"lvreduce", vg + "/" + lv}
}

func (fakeBuilder) FQPVName(device string) string { return device }

// fakeProcessInfo returns a fixed set of busy users for any device.
type fakeProcessInfo struct{ users []ProcUser }

func (f fakeProcessInfo) ProcInfo(context.Context, string) ([]ProcUser, error) {
	return f.users, nil
}

func newTestRunner(exec CommandExecutor, devs []string) *CommandRunner {
	resolver := NewDeviceResolver(fakeEnumerator{devices: devs})
	return NewCommandRunner(exec, resolver, 4, nil)
}

// fakeBlockProbe returns a fixed logical block size per device, or an
// error for devices listed in errs.
type fakeBlockProbe struct {
	sizes map[string]int
	errs  map[string]error
}

func (f fakeBlockProbe) BlockSizes(device string) (int, int, error) {
	if err, ok := f.errs[device]; ok {
		return 0, 0, err
	}
	return f.sizes[device], f.sizes[device], nil
}
