package main

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RequestHandler 模擬設備的 Modbus 請求處理器
type RequestHandler struct {
	mu     sync.RWMutex
	device *SimDevice
	logger *zap.Logger

	// 場景相關
	jitterEnabled bool
	jitterMin     time.Duration
	jitterMax     time.Duration
}

// NewRequestHandler 建立請求處理器
func NewRequestHandler(device *SimDevice, logger *zap.Logger) *RequestHandler {
	return &RequestHandler{
		device: device,
		logger: logger,
	}
}

// SetJitter 設定延遲抖動
func (h *RequestHandler) SetJitter(enabled bool, min, max time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jitterEnabled = enabled
	h.jitterMin = min
	h.jitterMax = max
}

// applyJitter 套用延遲抖動
func (h *RequestHandler) applyJitter() {
	h.mu.RLock()
	enabled, min, max := h.jitterEnabled, h.jitterMin, h.jitterMax
	h.mu.RUnlock()

	if !enabled || max <= 0 {
		return
	}

	jitter := min
	if span := max - min; span > 0 {
		jitter += time.Duration(rand.Int63n(int64(span)))
	}
	time.Sleep(jitter)
}

func (h *RequestHandler) fail(code uint8, msg string, fields ...zap.Field) error {
	h.device.recordRequest(true)
	h.logger.Debug(msg, fields...)
	return &ModbusError{Code: code}
}

// HandleReadCoils 處理讀取線圈請求 (FC 01)
func (h *RequestHandler) HandleReadCoils(address, quantity uint16) ([]bool, error) {
	h.applyJitter()

	if quantity == 0 || quantity > MaxCoilsPerRead {
		return nil, h.fail(ExceptionCodeIllegalDataValue, "線圈數量無效", zap.Uint16("quantity", quantity))
	}

	coils, err := h.device.registers.ReadCoils(address, quantity)
	if err != nil {
		return nil, h.fail(ExceptionCodeIllegalDataAddress, "讀取線圈失敗",
			zap.Uint16("address", address),
			zap.Uint16("quantity", quantity),
			zap.Error(err),
		)
	}

	h.device.recordRequest(false)
	return coils, nil
}

// HandleReadHoldingRegisters 處理讀取保持暫存器請求 (FC 03)
func (h *RequestHandler) HandleReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	h.applyJitter()

	if quantity == 0 || quantity > MaxRegistersPerRead {
		return nil, h.fail(ExceptionCodeIllegalDataValue, "暫存器數量無效", zap.Uint16("quantity", quantity))
	}

	registers, err := h.device.registers.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return nil, h.fail(ExceptionCodeIllegalDataAddress, "讀取保持暫存器失敗",
			zap.Uint16("address", address),
			zap.Uint16("quantity", quantity),
			zap.Error(err),
		)
	}

	h.device.recordRequest(false)
	return registers, nil
}

// HandleWriteSingleCoil 處理寫入單一線圈請求 (FC 05)
//
// 只有繼電器板接受線圈寫入；0x5500 為翻轉，位址 0xFF 代表全部繼電器。
func (h *RequestHandler) HandleWriteSingleCoil(address, value uint16) error {
	h.applyJitter()

	if h.device.Kind != KindWaveshare {
		return h.fail(ExceptionCodeIllegalFunction, "設備不支援線圈寫入", zap.Stringer("kind", h.device.Kind))
	}

	var targets []uint16
	switch {
	case address == WaveshareAllRelaysIndex:
		for i := uint16(0); i < WaveshareRelayCount; i++ {
			targets = append(targets, i)
		}
	case address < WaveshareRelayCount:
		targets = []uint16{address}
	default:
		return h.fail(ExceptionCodeIllegalDataAddress, "線圈位址無效", zap.Uint16("address", address))
	}

	rm := h.device.registers
	for _, idx := range targets {
		switch RelayMode(value) {
		case RelayClose:
			rm.WriteCoil(idx, true)
		case RelayOpen:
			rm.WriteCoil(idx, false)
		case RelayFlip:
			rm.FlipCoil(idx)
		default:
			return h.fail(ExceptionCodeIllegalDataValue, "線圈值無效", zap.Uint16("value", value))
		}
	}

	h.logger.Debug("寫入線圈",
		zap.Uint16("address", address),
		zap.Stringer("mode", RelayMode(value)),
	)
	h.device.recordRequest(false)
	return nil
}

// HandleWriteSingleRegister 處理寫入單一暫存器請求 (FC 06)
func (h *RequestHandler) HandleWriteSingleRegister(address, value uint16) error {
	h.applyJitter()

	meta, ok := h.device.registers.GetDefinition(address)
	if !ok || !meta.Writable {
		return h.fail(ExceptionCodeIllegalDataAddress, "暫存器不可寫入", zap.Uint16("address", address))
	}

	if address == h.device.addressRegister && !validDeviceID(int(value)) {
		return h.fail(ExceptionCodeIllegalDataValue, "設備位址無效", zap.Uint16("value", value))
	}

	h.device.registers.WriteHoldingRegister(address, value)
	if h.device.Kind == KindTaidecent {
		h.device.refreshTaidecent()
	}

	h.logger.Debug("寫入暫存器",
		zap.String("name", meta.Name),
		zap.Uint16("address", address),
		zap.Uint16("value", value),
	)
	h.device.recordRequest(false)
	return nil
}

// HandleWriteMultipleCoils 處理寫入多個線圈請求 (FC 15)
func (h *RequestHandler) HandleWriteMultipleCoils(address uint16, values []bool) error {
	h.applyJitter()

	if h.device.Kind != KindWaveshare {
		return h.fail(ExceptionCodeIllegalFunction, "設備不支援線圈寫入", zap.Stringer("kind", h.device.Kind))
	}
	if int(address)+len(values) > WaveshareRelayCount {
		return h.fail(ExceptionCodeIllegalDataAddress, "線圈位址超出範圍",
			zap.Uint16("address", address),
			zap.Int("count", len(values)),
		)
	}

	if err := h.device.registers.WriteCoils(address, values); err != nil {
		return h.fail(ExceptionCodeIllegalDataAddress, "寫入多個線圈失敗", zap.Error(err))
	}

	h.device.recordRequest(false)
	return nil
}

// HandleWriteMultipleRegisters 處理寫入多個暫存器請求 (FC 16)
func (h *RequestHandler) HandleWriteMultipleRegisters(address uint16, values []uint16) error {
	h.applyJitter()

	for i := range values {
		addr := address + uint16(i)
		meta, ok := h.device.registers.GetDefinition(addr)
		if !ok || !meta.Writable {
			return h.fail(ExceptionCodeIllegalDataAddress, "暫存器不可寫入", zap.Uint16("address", addr))
		}
		if addr == h.device.addressRegister && !validDeviceID(int(values[i])) {
			return h.fail(ExceptionCodeIllegalDataValue, "設備位址無效", zap.Uint16("value", values[i]))
		}
	}

	if err := h.device.registers.WriteHoldingRegisters(address, values); err != nil {
		return h.fail(ExceptionCodeIllegalDataAddress, "寫入多個暫存器失敗", zap.Error(err))
	}
	if h.device.Kind == KindTaidecent {
		h.device.refreshTaidecent()
	}

	h.device.recordRequest(false)
	return nil
}

// ModbusError Modbus 異常錯誤
type ModbusError struct {
	Code uint8
}

func (e *ModbusError) Error() string {
	switch e.Code {
	case ExceptionCodeIllegalFunction:
		return "非法功能碼"
	case ExceptionCodeIllegalDataAddress:
		return "非法資料位址"
	case ExceptionCodeIllegalDataValue:
		return "非法資料值"
	case ExceptionCodeSlaveDeviceFailure:
		return "從站設備故障"
	default:
		return "未知錯誤"
	}
}
