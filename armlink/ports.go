package armlink

import (
	"sort"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// allow tests to override the host enumeration
var (
	getPortsList         = serial.GetPortsList
	getDetailedPortsList = enumerator.GetDetailedPortsList
)

// ListOptions controls port enumeration.
type ListOptions struct {
	// USBOnly keeps only USB-class endpoints, which is where Arduino-style
	// boards show up. By default every enumerable endpoint is returned.
	USBOnly bool
}

// PortInfo describes an enumerable serial endpoint.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListPorts returns the names of the serial endpoints visible to the host,
// sorted. Names are only meaningful until the next enumeration. Either the
// full list or an EnumerationError is returned.
func ListPorts(opts ListOptions) ([]string, error) {
	if opts.USBOnly {
		details, err := ListPortDetails()
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(details))
		for _, d := range details {
			if d.IsUSB {
				names = append(names, d.Name)
			}
		}
		return names, nil
	}

	names, err := getPortsList()
	if err != nil {
		return nil, &EnumerationError{Err: err}
	}
	if names == nil {
		names = []string{}
	}
	sort.Strings(names)
	return names, nil
}

// ListPortDetails returns USB and product details for every endpoint, sorted by name.
func ListPortDetails() ([]PortInfo, error) {
	details, err := getDetailedPortsList()
	if err != nil {
		return nil, &EnumerationError{Err: err}
	}

	infos := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil {
			continue
		}
		infos = append(infos, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}
