package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// RegisterDef 設備暫存器定義
type RegisterDef struct {
	Name     string
	Address  uint16
	Count    uint16
	DataType DataType
}

// RegisterTable 有序的暫存器表 (輸出順序即表格順序)
type RegisterTable []RegisterDef

// Lookup 依名稱查找暫存器
func (t RegisterTable) Lookup(name string) (RegisterDef, bool) {
	for _, def := range t {
		if def.Name == name {
			return def, true
		}
	}
	return RegisterDef{}, false
}

// Names 列出所有暫存器名稱
func (t RegisterTable) Names() []string {
	names := make([]string, 0, len(t))
	for _, def := range t {
		names = append(names, def.Name)
	}
	return names
}

func reg(name string, address uint16) RegisterDef {
	return RegisterDef{Name: name, Address: address, Count: 1, DataType: DataTypeUint16}
}

// TaidecentRegisters Taidecent 溫濕度計暫存器
var TaidecentRegisters = RegisterTable{
	reg("Temperature", 0x0000),
	reg("Humidity", 0x0001),
	reg("ModelCode", 0x0064),
	reg("MeasuringPoints", 0x0065),
	reg("DeviceAddress", 0x0066),
	reg("BaudRate", 0x0067),
	reg("CommunicationMode", 0x0068),
	reg("ProtocolType", 0x0069),
	reg("TempCorrection", 0x006B),
	reg("HumidityCorrection", 0x006C),
}

// WaveshareReadRegisters Waveshare 繼電器可讀暫存器
var WaveshareReadRegisters = RegisterTable{
	reg("DeviceAddress", 0x4000),
	reg("SoftwareVersion", 0x8000),
}

// WaveshareWriteRegisters Waveshare 繼電器可寫暫存器
var WaveshareWriteRegisters = RegisterTable{
	reg("DeviceAddress", 0x4000),
	reg("BaudRate", 0x2000),
}

// SchneiderRegisters Schneider 電表暫存器
var SchneiderRegisters = RegisterTable{
	{Name: "Name", Address: 0x001D, Count: 20, DataType: DataTypeString},
	{Name: "Model", Address: 0x0031, Count: 20, DataType: DataTypeString},
	{Name: "Manufacturer", Address: 0x0045, Count: 20, DataType: DataTypeString},
	{Name: "SerialNumber", Address: 0x0081, Count: 2, DataType: DataTypeUint32},
	reg("Protocol", 0x1963),
	reg("Address", 0x1964),
	reg("BaudRate", 0x1965),
	reg("Parity", 0x1966),
	{Name: "I1_Phase1Current", Address: 0x0BB7, Count: 2, DataType: DataTypeFloat32},
	{Name: "Voltage_LN_1", Address: 0x0BD3, Count: 2, DataType: DataTypeFloat32},
	{Name: "Frequency", Address: 0x0C25, Count: 2, DataType: DataTypeFloat32},
}

// DecodeValue 依資料類型解碼暫存器內容
func DecodeValue(dt DataType, regs []uint16) (string, error) {
	if len(regs) < dt.RegisterCount() {
		return "", fmt.Errorf("%w: %s 需要 %d 個暫存器，收到 %d 個",
			ErrUnexpectedResponse, dt, dt.RegisterCount(), len(regs))
	}

	switch dt {
	case DataTypeUint16:
		return strconv.Itoa(int(regs[0])), nil
	case DataTypeInt16:
		return strconv.Itoa(int(int16(regs[0]))), nil
	case DataTypeUint32:
		return strconv.FormatUint(uint64(uint32(regs[0])<<16|uint32(regs[1])), 10), nil
	case DataTypeFloat32:
		bits := uint32(regs[0])<<16 | uint32(regs[1])
		return strconv.FormatFloat(float64(math.Float32frombits(bits)), 'f', 2, 32), nil
	case DataTypeString:
		return strconv.Quote(RegistersToString(regs)), nil
	default:
		return "", fmt.Errorf("未知的資料類型: %d", dt)
	}
}

// RegistersToString 將暫存器解碼為 ASCII 字串 (高位元組在前，去除結尾的 NUL 與空白)
func RegistersToString(regs []uint16) string {
	return strings.TrimRight(string(RegistersToBytes(regs)), "\x00 ")
}

// StringToRegisters 將字串編碼為固定長度的暫存器
func StringToRegisters(s string, count int) []uint16 {
	buf := make([]byte, count*2)
	copy(buf, s)
	return BytesToRegisters(buf)
}

// RegisterMap 線程安全的暫存器映射表 (模擬設備使用)
type RegisterMap struct {
	mu sync.RWMutex

	coils            []bool   // 0x - Coils
	holdingRegisters []uint16 // 4x - Holding Registers

	// 暫存器元資料
	definitions map[uint16]*RegisterMeta
}

// RegisterMeta 暫存器元資料
type RegisterMeta struct {
	Address  uint16
	Name     string
	DataType DataType
	Writable bool
}

// NewRegisterMap 建立涵蓋完整 16 位元位址空間的暫存器映射表
func NewRegisterMap() *RegisterMap {
	return &RegisterMap{
		coils:            make([]bool, math.MaxUint16+1),
		holdingRegisters: make([]uint16, math.MaxUint16+1),
		definitions:      make(map[uint16]*RegisterMeta),
	}
}

// DefineTable 定義整張暫存器表
func (rm *RegisterMap) DefineTable(table RegisterTable, writable bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for _, def := range table {
		meta, ok := rm.definitions[def.Address]
		if ok {
			meta.Writable = meta.Writable || writable
			continue
		}
		rm.definitions[def.Address] = &RegisterMeta{
			Address:  def.Address,
			Name:     def.Name,
			DataType: def.DataType,
			Writable: writable,
		}
	}
}

// GetDefinition 取得暫存器定義
func (rm *RegisterMap) GetDefinition(address uint16) (*RegisterMeta, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	meta, ok := rm.definitions[address]
	return meta, ok
}

// --- Coils (0x) ---

// ReadCoils 讀取多個線圈
func (rm *RegisterMap) ReadCoils(address uint16, quantity uint16) ([]bool, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	end := int(address) + int(quantity)
	if end > len(rm.coils) {
		return nil, fmt.Errorf("線圈位址超出範圍: %d-%d", address, end-1)
	}

	result := make([]bool, quantity)
	copy(result, rm.coils[address:end])
	return result, nil
}

// WriteCoil 寫入單一線圈
func (rm *RegisterMap) WriteCoil(address uint16, value bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.coils[address] = value
}

// FlipCoil 反轉單一線圈
func (rm *RegisterMap) FlipCoil(address uint16) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.coils[address] = !rm.coils[address]
}

// WriteCoils 寫入多個線圈
func (rm *RegisterMap) WriteCoils(address uint16, values []bool) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	end := int(address) + len(values)
	if end > len(rm.coils) {
		return fmt.Errorf("線圈位址超出範圍: %d-%d", address, end-1)
	}

	copy(rm.coils[address:end], values)
	return nil
}

// --- Holding Registers (4x) ---

// ReadHoldingRegister 讀取單一保持暫存器
func (rm *RegisterMap) ReadHoldingRegister(address uint16) uint16 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.holdingRegisters[address]
}

// ReadHoldingRegisters 讀取多個保持暫存器
func (rm *RegisterMap) ReadHoldingRegisters(address uint16, quantity uint16) ([]uint16, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	end := int(address) + int(quantity)
	if end > len(rm.holdingRegisters) {
		return nil, fmt.Errorf("保持暫存器位址超出範圍: %d-%d", address, end-1)
	}

	result := make([]uint16, quantity)
	copy(result, rm.holdingRegisters[address:end])
	return result, nil
}

// WriteHoldingRegister 寫入單一保持暫存器
func (rm *RegisterMap) WriteHoldingRegister(address uint16, value uint16) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.holdingRegisters[address] = value
}

// WriteHoldingRegisters 寫入多個保持暫存器
func (rm *RegisterMap) WriteHoldingRegisters(address uint16, values []uint16) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	end := int(address) + len(values)
	if end > len(rm.holdingRegisters) {
		return fmt.Errorf("保持暫存器位址超出範圍: %d-%d", address, end-1)
	}

	copy(rm.holdingRegisters[address:end], values)
	return nil
}

// SetFloat32 以兩個暫存器寫入 float32 (High word 在前)
func (rm *RegisterMap) SetFloat32(address uint16, value float64) error {
	bits := math.Float32bits(float32(value))
	return rm.WriteHoldingRegisters(address, []uint16{uint16(bits >> 16), uint16(bits)})
}

// GetFloat32 讀取兩個暫存器組成的 float32
func (rm *RegisterMap) GetFloat32(address uint16) (float64, error) {
	regs, err := rm.ReadHoldingRegisters(address, 2)
	if err != nil {
		return 0, err
	}
	return float64(math.Float32frombits(uint32(regs[0])<<16 | uint32(regs[1]))), nil
}

// SetUint32 以兩個暫存器寫入 uint32 (High word 在前)
func (rm *RegisterMap) SetUint32(address uint16, value uint32) error {
	return rm.WriteHoldingRegisters(address, []uint16{uint16(value >> 16), uint16(value)})
}

// SetString 寫入固定長度的 ASCII 字串
func (rm *RegisterMap) SetString(address uint16, count int, value string) error {
	return rm.WriteHoldingRegisters(address, StringToRegisters(value, count))
}

// RegistersToBytes 將暫存器值轉換為位元組陣列 (Big Endian)
func RegistersToBytes(registers []uint16) []byte {
	bytes := make([]byte, len(registers)*2)
	for i, reg := range registers {
		binary.BigEndian.PutUint16(bytes[i*2:], reg)
	}
	return bytes
}

// BytesToRegisters 將位元組陣列轉換為暫存器值 (Big Endian)
func BytesToRegisters(data []byte) []uint16 {
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return registers
}

// CoilsToByte 將線圈值轉換為位元組
func CoilsToByte(coils []bool) []byte {
	byteCount := (len(coils) + 7) / 8
	bytes := make([]byte, byteCount)
	for i, coil := range coils {
		if coil {
			bytes[i/8] |= 1 << (i % 8)
		}
	}
	return bytes
}

// ByteToCoils 將位元組轉換為線圈值
func ByteToCoils(data []byte, count int) []bool {
	if limit := len(data) * 8; count > limit {
		count = limit
	}
	coils := make([]bool, count)
	for i := 0; i < count; i++ {
		coils[i] = (data[i/8] & (1 << (i % 8))) != 0
	}
	return coils
}
