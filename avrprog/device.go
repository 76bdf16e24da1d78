package avrprog

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

const (
	Adapter_FTDI   = "FTDI FT232R"
	Adapter_FT231X = "FTDI FT231X"
	Adapter_CH340  = "WCH CH340"
	Adapter_CP210x = "Silicon Labs CP210x"
	Adapter_PL2303 = "Prolific PL2303"
)

// USB serial bridges commonly found on (or cabled to) AVR bootloader boards.
// The x0xb0x itself ships with an FT232R.
var VidPidTable = map[string]string{
	"VID:PID=0403:6001": Adapter_FTDI,
	"VID:PID=0403:6015": Adapter_FT231X,
	"VID:PID=1A86:7523": Adapter_CH340,
	"VID:PID=10C4:EA60": Adapter_CP210x,
	"VID:PID=067B:2303": Adapter_PL2303,
}

type BasicDeviceInfo struct {
	VidPid  string
	Port    string
	Serial  string
	Adapter string
}

func (d *BasicDeviceInfo) SmallString() string {
	if d.Adapter == "" {
		return d.Port
	}
	return fmt.Sprintf("%s(%s)", d.Port, d.Adapter)
}

// Make the "VID:PID=XXXX:XXXX" key used by VidPidTable
func VidPidString(vid string, pid string) string {
	return fmt.Sprintf("VID:PID=%s:%s", strings.ToUpper(vid), strings.ToUpper(pid))
}

// Scan the system for serial ports without opening them. Known USB serial
// adapters come first in the result, since they're most likely to be the
// board. Non-USB ports are still listed (real RS232 works fine).
func GetBasicDevices() ([]*BasicDeviceInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	known := make([]*BasicDeviceInfo, 0)
	rest := make([]*BasicDeviceInfo, 0)
	for _, port := range ports {
		info := &BasicDeviceInfo{Port: port.Name}
		if port.IsUSB {
			info.VidPid = VidPidString(port.VID, port.PID)
			info.Serial = port.SerialNumber
			info.Adapter = VidPidTable[info.VidPid]
		}
		if info.Adapter != "" {
			known = append(known, info)
		} else {
			rest = append(rest, info)
		}
	}
	return append(known, rest...), nil
}
