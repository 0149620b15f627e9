package main

// Modbus 協議常數
const (
	// Modbus 功能碼
	FuncCodeReadCoils              = 0x01
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10

	// Modbus 異常碼
	ExceptionCodeIllegalFunction    = 0x01
	ExceptionCodeIllegalDataAddress = 0x02
	ExceptionCodeIllegalDataValue   = 0x03
	ExceptionCodeSlaveDeviceFailure = 0x04

	// Modbus TCP 常數
	ModbusTCPDefaultPort = 502

	// 暫存器限制
	MaxCoilsPerRead      = 2000
	MaxRegistersPerRead  = 125
	MaxCoilsPerWrite     = 1968
	MaxRegistersPerWrite = 123

	// 線圈寫入值
	CoilValueOn  = 0xFF00
	CoilValueOff = 0x0000

	// 合法的 Slave ID 範圍 (0 為廣播位址)
	MinDeviceID = 1
	MaxDeviceID = 247
)

// DataType 資料類型 (用於暫存器解碼)
type DataType int

const (
	DataTypeUint16 DataType = iota
	DataTypeInt16
	DataTypeUint32
	DataTypeFloat32
	DataTypeString
)

func (dt DataType) String() string {
	switch dt {
	case DataTypeUint16:
		return "uint16"
	case DataTypeInt16:
		return "int16"
	case DataTypeUint32:
		return "uint32"
	case DataTypeFloat32:
		return "float32"
	case DataTypeString:
		return "string"
	default:
		return "unknown"
	}
}

// RegisterCount 返回該資料類型佔用的暫存器數量 (字串由定義決定長度)
func (dt DataType) RegisterCount() int {
	switch dt {
	case DataTypeUint32, DataTypeFloat32:
		return 2
	default:
		return 1
	}
}

// validDeviceID 檢查 Slave ID 是否在合法範圍內
func validDeviceID(id int) bool {
	return id >= MinDeviceID && id <= MaxDeviceID
}
