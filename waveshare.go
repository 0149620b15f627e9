package main

import (
	"context"
	"fmt"
	"strings"
)

// Waveshare 繼電器 Slave ID 與線圈配置
const (
	WaveshareRelayDeviceIDFactory = 1
	WaveshareRelayDeviceID        = 3

	WaveshareRelayCount       = 8
	WaveshareReadRelaysOffset = 0x0000
	WaveshareAllRelaysIndex   = 0xFF
)

// RelayMode 線圈寫入值
type RelayMode uint16

const (
	RelayClose RelayMode = 0xFF00
	RelayOpen  RelayMode = 0x0000
	RelayFlip  RelayMode = 0x5500
)

func (m RelayMode) String() string {
	switch m {
	case RelayClose:
		return "close"
	case RelayOpen:
		return "open"
	case RelayFlip:
		return "flip"
	default:
		return fmt.Sprintf("0x%04X", uint16(m))
	}
}

// RelayModeFromBool true 為閉合
func RelayModeFromBool(closed bool) RelayMode {
	if closed {
		return RelayClose
	}
	return RelayOpen
}

// RelayStates 繼電器狀態位元遮罩 (bit i = 第 i 路閉合)
type RelayStates uint8

// RelayStatesFromBits 由線圈讀值組出位元遮罩
func RelayStatesFromBits(bits []bool) RelayStates {
	var states RelayStates
	for i, on := range bits {
		if on && i < 8 {
			states |= 1 << i
		}
	}
	return states
}

// Closed 第 idx 路是否閉合
func (s RelayStates) Closed(idx int) bool {
	return idx >= 0 && idx < 8 && s&(1<<idx) != 0
}

// WaveshareRelays Waveshare Modbus RTU 繼電器板
type WaveshareRelays struct {
	Device
}

// NewWaveshareRelays 建立繼電器設備
func NewWaveshareRelays(transport Transport, id int, opts ...DeviceOption) (*WaveshareRelays, error) {
	if err := checkDeviceID(id); err != nil {
		return nil, err
	}
	return &WaveshareRelays{Device: newDevice(transport, id, opts...)}, nil
}

// WriteRelay 設定單路繼電器
func (r *WaveshareRelays) WriteRelay(ctx context.Context, idx int, mode RelayMode) error {
	if (idx < 0 || idx >= WaveshareRelayCount) && idx != WaveshareAllRelaysIndex {
		return fmt.Errorf("無效的繼電器編號: %d", idx)
	}
	if err := r.pause(ctx); err != nil {
		return err
	}
	if err := r.transport.WriteSingleCoil(ctx, r.id, uint16(idx), uint16(mode)); err != nil {
		return fmt.Errorf("寫入繼電器 %d (%s) 失敗: %w", idx, mode, err)
	}
	return nil
}

// WriteAllRelays 一次設定全部繼電器
func (r *WaveshareRelays) WriteAllRelays(ctx context.Context, mode RelayMode) error {
	return r.WriteRelay(ctx, WaveshareAllRelaysIndex, mode)
}

// ReadAllRelays 讀取並輸出全部繼電器狀態
func (r *WaveshareRelays) ReadAllRelays(ctx context.Context) (RelayStates, error) {
	printHeading(r.out, "WaveShare Relays")

	if err := r.pause(ctx); err != nil {
		return 0, err
	}
	bits, err := r.transport.ReadCoils(ctx, r.id, WaveshareReadRelaysOffset, WaveshareRelayCount)
	if err != nil {
		return 0, fmt.Errorf("讀取繼電器狀態失敗: %w", err)
	}

	var relays, states strings.Builder
	relays.WriteString("Relay  ")
	states.WriteString("State  ")
	for i, on := range bits {
		fmt.Fprintf(&relays, " %d", i)
		if on {
			states.WriteString(" 1")
		} else {
			states.WriteString(" 0")
		}
	}

	mask := RelayStatesFromBits(bits)
	fmt.Fprintf(r.out, "Relay states: 0x%02X\n", uint8(mask))
	fmt.Fprintln(r.out, relays.String())
	fmt.Fprintln(r.out, states.String())
	return mask, nil
}

// ReadRegisters 讀取並輸出設定暫存器
func (r *WaveshareRelays) ReadRegisters(ctx context.Context) error {
	return r.PrintRegisters(ctx, WaveshareReadRegisters)
}

// WriteRegister 依名稱寫入設定暫存器
func (r *WaveshareRelays) WriteRegister(ctx context.Context, name string, value int) error {
	def, ok := WaveshareWriteRegisters.Lookup(name)
	if !ok {
		return fmt.Errorf("未知的暫存器 %q (可用: %s)", name, strings.Join(WaveshareWriteRegisters.Names(), ", "))
	}
	return r.Device.WriteRegister(ctx, def.Address, value, def.Name)
}

// SetDeviceID 變更 Slave ID
func (r *WaveshareRelays) SetDeviceID(ctx context.Context, newID int) error {
	def, _ := WaveshareReadRegisters.Lookup("DeviceAddress")
	return r.SetAddress(ctx, def.Address, newID)
}
