package config_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugvm/plugvm/config"
	"github.com/plugvm/plugvm/memory"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return l
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
memory:
  boot_ram_mib: 1024
memory_devices:
  - id: m0
    requested_size_mib: 128
    capacity_mib: 256
vsock:
  enabled: true
  guest_cid: 42
`)

	vm, err := config.Load(path, testLogger())
	require.NoError(t, err)

	// Overridden fields.
	assert.Equal(t, uint64(1024), vm.Memory.BootRAMMiB)
	assert.True(t, vm.Vsock.Enabled)
	assert.Equal(t, uint64(42), vm.Vsock.GuestCID)

	require.Len(t, vm.MemoryDevices, 1)
	assert.Equal(t, "m0", vm.MemoryDevices[0].ID)
	assert.Equal(t, uint64(128), vm.MemoryDevices[0].RequestedSizeMiB)

	// Untouched fields keep their defaults.
	assert.Equal(t, "/dev/kvm", vm.KVMPath)
	assert.Equal(t, "anonymous", vm.Memory.Backing)
	assert.Equal(t, uint16(256), vm.Vsock.QueueSize)
	assert.Equal(t, 2, vm.EventWorkers)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"), testLogger())
	assert.Error(t, err)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "memory: [not: a: mapping")

	_, err := config.Load(path, testLogger())
	assert.Error(t, err)
}

func TestPolicyResolution(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name    string
		in      config.MemoryPolicy
		want    memory.BackingKind
		wantErr bool
	}{
		{name: "empty means anonymous", in: config.MemoryPolicy{}, want: memory.Anonymous},
		{name: "anonymous", in: config.MemoryPolicy{Backing: "anonymous"}, want: memory.Anonymous},
		{name: "huge pages", in: config.MemoryPolicy{Backing: "huge-page"}, want: memory.HugePage},
		{
			name: "shared file",
			in:   config.MemoryPolicy{Backing: "shared-file", BackingDir: "/tmp"},
			want: memory.SharedFile,
		},
		{
			name:    "shared file without dir",
			in:      config.MemoryPolicy{Backing: "shared-file"},
			wantErr: true,
		},
		{name: "unknown kind", in: config.MemoryPolicy{Backing: "tmpfs"}, wantErr: true},
	} {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pol, err := tt.in.Policy()
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, pol.Backing)
		})
	}
}
