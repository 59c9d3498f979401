package container

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/emufleet/emufleet/api/pkg/config"
	"github.com/emufleet/emufleet/api/pkg/types"
)

type failingRuntime struct {
	stops, removes int
}

func (f *failingRuntime) Create(context.Context, CreateSpec) (string, error) {
	return "", errors.New("daemon unavailable")
}

func (f *failingRuntime) Stop(context.Context, string, time.Duration) error {
	f.stops++
	return errors.New("already stopped")
}

func (f *failingRuntime) Remove(context.Context, string) error {
	f.removes++
	return errors.New("no such container")
}

func (f *failingRuntime) Inspect(context.Context, string) (Info, error) {
	return Info{}, errors.New("no such container")
}

func (f *failingRuntime) List(context.Context) ([]Info, error) { return nil, nil }

func TestEmulatorSpec(t *testing.T) {
	runtime := config.Runtime{
		Images:          map[string]string{"11": "qemu-emulator", "14": "qemu-emulator-android14"},
		DefaultPlatform: "11",
		Privileged:      true,
		ExtraOpts:       "-gpu swiftshader_indirect",
	}
	sessionPorts := types.SessionPorts{
		Console:      10000,
		BridgeDevice: 10020,
		BridgeServer: 10030,
		ScreenShare:  10010,
	}

	spec := EmulatorSpec(runtime, "14", "emu-abc12345", "emu_emu-abc12345_abc12345", sessionPorts)

	assert.Equal(t, "qemu-emulator-android14", spec.Image)
	assert.Equal(t, "emu_emu-abc12345_abc12345", spec.Name)
	assert.True(t, spec.Privileged)

	assert.Contains(t, spec.Env, "DEVICE_ID=emu-abc12345")
	assert.Contains(t, spec.Env, "ANDROID_EXTRA_OPTS=-gpu swiftshader_indirect -avd emu-abc12345")
	assert.Contains(t, spec.Env, "ENABLE_VNC=true")

	assert.Equal(t, map[int]int{
		InternalConsolePort:      10000,
		InternalBridgeDevicePort: 10020,
		InternalBridgeServerPort: 10030,
		InternalScreenSharePort:  10010,
	}, spec.PortBindings)
}

func TestEmulatorSpecUnknownPlatform(t *testing.T) {
	runtime := config.Runtime{
		Images:          map[string]string{"11": "qemu-emulator"},
		DefaultPlatform: "11",
	}

	spec := EmulatorSpec(runtime, "99", "emu-x", "emu_x", types.SessionPorts{})
	assert.Equal(t, "qemu-emulator", spec.Image)
}

func TestCreateWrapsProvisionError(t *testing.T) {
	controller := NewController(&failingRuntime{}, config.Lifecycle{})

	_, err := controller.Create(context.Background(), CreateSpec{Name: "emu_x"})
	assert.ErrorIs(t, err, types.ErrProvision)
}

func TestDestroySwallowsRuntimeFailures(t *testing.T) {
	runtime := &failingRuntime{}
	controller := NewController(runtime, config.Lifecycle{DestroyTimeout: time.Second})

	// a vanished container must never make teardown fail
	controller.Destroy(context.Background(), "gone-ref")
	assert.Equal(t, 1, runtime.stops)
	assert.Equal(t, 1, runtime.removes)

	controller.Destroy(context.Background(), "")
	assert.Equal(t, 1, runtime.stops)
}
