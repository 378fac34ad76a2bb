//go:build !windows

package winsvc

import "errors"

var errUnsupported = errors.New("windows service manager is only available on windows")

func buildNumber() (uint32, error) { return 0, errUnsupported }

type systemSCM struct{}

func (systemSCM) Exists(string) (bool, error)  { return false, errUnsupported }
func (systemSCM) Running(string) (bool, error) { return false, errUnsupported }

type machinePathStore struct{}

func (machinePathStore) Get() (string, error) { return "", errUnsupported }
func (machinePathStore) Set(string) error     { return errUnsupported }
