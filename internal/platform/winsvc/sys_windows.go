//go:build windows

package winsvc

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const environmentKey = `SYSTEM\CurrentControlSet\Control\Session Manager\Environment`

func buildNumber() (uint32, error) {
	return windows.RtlGetVersion().BuildNumber, nil
}

type systemSCM struct{}

func (systemSCM) open(name string) (*mgr.Mgr, *mgr.Service, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, nil, fmt.Errorf("connect to service manager: %w", err)
	}
	s, err := m.OpenService(name)
	if err != nil {
		m.Disconnect()
		return nil, nil, err
	}
	return m, s, nil
}

func (c systemSCM) Exists(name string) (bool, error) {
	m, s, err := c.open(name)
	if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.Close()
	m.Disconnect()
	return true, nil
}

func (c systemSCM) Running(name string) (bool, error) {
	m, s, err := c.open(name)
	if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer m.Disconnect()
	defer s.Close()
	status, err := s.Query()
	if err != nil {
		return false, fmt.Errorf("query %s: %w", name, err)
	}
	return status.State != svc.Stopped, nil
}

// machinePathStore reads and writes HKLM's Path, mirrors it into the process
// environment and broadcasts WM_SETTINGCHANGE so new shells pick it up.
type machinePathStore struct{}

func (machinePathStore) Get() (string, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, environmentKey, registry.QUERY_VALUE)
	if err != nil {
		return "", fmt.Errorf("open environment key: %w", err)
	}
	defer k.Close()
	v, _, err := k.GetStringValue("Path")
	if errors.Is(err, registry.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read machine Path: %w", err)
	}
	return v, nil
}

func (machinePathStore) Set(value string) error {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, environmentKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open environment key: %w", err)
	}
	defer k.Close()
	if err := k.SetExpandStringValue("Path", value); err != nil {
		return fmt.Errorf("write machine Path: %w", err)
	}
	broadcastEnvironmentChange()
	return nil
}

var (
	user32                 = windows.NewLazySystemDLL("user32.dll")
	procSendMessageTimeout = user32.NewProc("SendMessageTimeoutW")
)

const (
	hwndBroadcast   = 0xffff
	wmSettingChange = 0x001a
	smtoAbortIfHung = 0x0002
)

func broadcastEnvironmentChange() {
	env, _ := windows.UTF16PtrFromString("Environment")
	var result uintptr
	r, _, err := procSendMessageTimeout.Call(
		hwndBroadcast,
		wmSettingChange,
		0,
		uintptr(unsafe.Pointer(env)),
		smtoAbortIfHung,
		5000,
		uintptr(unsafe.Pointer(&result)),
	)
	if r == 0 {
		log.Warn().Err(err).Msg("broadcast environment change")
	}
}
