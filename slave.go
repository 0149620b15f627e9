package main

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DeviceKind 模擬設備種類
type DeviceKind int

const (
	KindTaidecent DeviceKind = iota
	KindWaveshare
	KindSchneider
)

func (k DeviceKind) String() string {
	switch k {
	case KindTaidecent:
		return "taidecent"
	case KindWaveshare:
		return "waveshare"
	case KindSchneider:
		return "schneider"
	default:
		return "unknown"
	}
}

// SimDevice 單一模擬設備
type SimDevice struct {
	mu sync.RWMutex

	Kind   DeviceKind
	unitID uint8

	// 存放 Slave ID 的暫存器位址
	addressRegister uint16

	// 暫存器
	registers *RegisterMap

	// Taidecent 量測基準 (攝氏)
	ambient  float64
	humidity float64

	// 統計
	stats SlaveStats

	// 日誌
	logger *zap.Logger
}

// SlaveStats 模擬設備統計資訊
type SlaveStats struct {
	RequestCount    atomic.Uint64
	ErrorCount      atomic.Uint64
	LastRequestTime atomic.Int64
}

// NewSimDevice 建立並填入預設值的模擬設備
func NewSimDevice(kind DeviceKind, unitID uint8, logger *zap.Logger) *SimDevice {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &SimDevice{
		Kind:      kind,
		unitID:    unitID,
		registers: NewRegisterMap(),
		logger:    logger,
	}

	switch kind {
	case KindTaidecent:
		d.seedTaidecent()
	case KindWaveshare:
		d.seedWaveshare()
	case KindSchneider:
		d.seedSchneider()
	}

	return d
}

func (d *SimDevice) seedTaidecent() {
	rm := d.registers
	rm.DefineTable(TaidecentRegisters, false)
	writable, _ := subset(TaidecentRegisters, "DeviceAddress", "BaudRate", "TempCorrection", "HumidityCorrection")
	rm.DefineTable(writable, true)

	def, _ := TaidecentRegisters.Lookup("DeviceAddress")
	d.addressRegister = def.Address

	d.ambient = 21.5
	d.humidity = 45.0
	rm.WriteHoldingRegister(0x0064, 0x0BB8) // ModelCode
	rm.WriteHoldingRegister(0x0065, 1)      // MeasuringPoints
	rm.WriteHoldingRegister(0x0066, uint16(d.unitID))
	rm.WriteHoldingRegister(0x0067, 2) // 9600
	rm.WriteHoldingRegister(0x0068, 0) // RS-485
	rm.WriteHoldingRegister(0x0069, 0) // Modbus RTU
	d.refreshTaidecent()
}

// refreshTaidecent 依量測基準與校正值更新溫濕度暫存器
func (d *SimDevice) refreshTaidecent() {
	d.mu.RLock()
	ambient, humidity := d.ambient, d.humidity
	d.mu.RUnlock()

	rm := d.registers
	tempCorrection := int16(rm.ReadHoldingRegister(0x006B))
	humCorrection := int16(rm.ReadHoldingRegister(0x006C))

	temp := int16(math.Round(ambient*100)) + tempCorrection
	hum := int16(math.Round(humidity*10)) + humCorrection

	rm.WriteHoldingRegister(0x0000, uint16(temp))
	rm.WriteHoldingRegister(0x0001, uint16(hum))
}

func (d *SimDevice) seedWaveshare() {
	rm := d.registers
	rm.DefineTable(WaveshareReadRegisters, false)
	rm.DefineTable(WaveshareWriteRegisters, true)

	def, _ := WaveshareReadRegisters.Lookup("DeviceAddress")
	d.addressRegister = def.Address

	rm.WriteHoldingRegister(0x4000, uint16(d.unitID))
	rm.WriteHoldingRegister(0x8000, 0x0100) // V1.00
	rm.WriteHoldingRegister(0x2000, 0x0001) // 9600
}

func (d *SimDevice) seedSchneider() {
	rm := d.registers
	rm.DefineTable(SchneiderRegisters, false)
	writable, _ := subset(SchneiderRegisters, "Protocol", "Address", "BaudRate", "Parity")
	rm.DefineTable(writable, true)

	def, _ := SchneiderRegisters.Lookup("Address")
	d.addressRegister = def.Address

	_ = rm.SetString(0x001D, 20, "Bench Meter")
	_ = rm.SetString(0x0031, 20, "PM5560")
	_ = rm.SetString(0x0045, 20, "Schneider Electric")
	_ = rm.SetUint32(0x0081, 11223344)
	rm.WriteHoldingRegister(0x1963, 0) // Modbus
	rm.WriteHoldingRegister(0x1964, uint16(d.unitID))
	rm.WriteHoldingRegister(0x1965, 1) // 9600
	rm.WriteHoldingRegister(0x1966, 1) // Even
	_ = rm.SetFloat32(0x0BB7, 4.2)
	_ = rm.SetFloat32(0x0BD3, 230.0)
	_ = rm.SetFloat32(0x0C25, 50.0)
}

// subset 依名稱挑出暫存器子集
func subset(table RegisterTable, names ...string) (RegisterTable, error) {
	out := make(RegisterTable, 0, len(names))
	for _, name := range names {
		def, ok := table.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("未知的暫存器: %s", name)
		}
		out = append(out, def)
	}
	return out, nil
}

// UnitID 目前的 Slave ID
func (d *SimDevice) UnitID() uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.unitID
}

func (d *SimDevice) setUnitID(id uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unitID = id
}

// Registers 取得暫存器映射
func (d *SimDevice) Registers() *RegisterMap {
	return d.registers
}

// GetStats 取得統計資訊
func (d *SimDevice) GetStats() *SlaveStats {
	return &d.stats
}

// Ambient 目前的溫度基準
func (d *SimDevice) Ambient() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ambient
}

// SetAmbient 設定溫度基準並更新暫存器
func (d *SimDevice) SetAmbient(celsius float64) {
	d.mu.Lock()
	d.ambient = celsius
	d.mu.Unlock()
	if d.Kind == KindTaidecent {
		d.refreshTaidecent()
	}
}

// recordRequest 記錄請求
func (d *SimDevice) recordRequest(hasError bool) {
	d.stats.RequestCount.Add(1)
	d.stats.LastRequestTime.Store(time.Now().UnixNano())
	if hasError {
		d.stats.ErrorCount.Add(1)
	}
}
