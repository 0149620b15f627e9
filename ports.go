package main

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// NoSerialPortFound 找不到序列埠時寫入配置的佔位值
const NoSerialPortFound = "NO-SERIAL-PORT-SPECIFIED-OR-FOUND"

// usbSerialMarker macOS 上 FTDI 轉接器的裝置名稱特徵
const usbSerialMarker = "tty.usbserial"

// FindUSBSerialPort 尋找第一個 USB 序列埠
func FindUSBSerialPort() string {
	if port := scanDevDir("/dev"); port != "" {
		return port
	}

	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		for _, d := range details {
			if d.IsUSB {
				return d.Name
			}
		}
	}

	return NoSerialPortFound
}

// scanDevDir 在目錄中尋找名稱含 tty.usbserial 的項目
func scanDevDir(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), usbSerialMarker) {
			return filepath.Join(dir, e.Name())
		}
	}
	return ""
}

// SerialPortInfo 序列埠資訊
type SerialPortInfo struct {
	Name    string
	USB     bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// ListSerialPorts 列出系統序列埠，優先使用詳細列舉
func ListSerialPorts() ([]SerialPortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		ports := make([]SerialPortInfo, 0, len(details))
		for _, d := range details {
			ports = append(ports, SerialPortInfo{
				Name:    d.Name,
				USB:     d.IsUSB,
				VID:     d.VID,
				PID:     d.PID,
				Serial:  d.SerialNumber,
				Product: d.Product,
			})
		}
		return ports, nil
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	ports := make([]SerialPortInfo, 0, len(names))
	for _, name := range names {
		ports = append(ports, SerialPortInfo{Name: name})
	}
	return ports, nil
}
