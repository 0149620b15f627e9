package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// EngineState 模擬器狀態
type EngineState int32

const (
	EngineStateStopped EngineState = iota
	EngineStateStarting
	EngineStateRunning
	EngineStateStopping
)

func (s EngineState) String() string {
	switch s {
	case EngineStateStopped:
		return "stopped"
	case EngineStateStarting:
		return "starting"
	case EngineStateRunning:
		return "running"
	case EngineStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// simSlave 模擬設備與其請求處理器
type simSlave struct {
	device  *SimDevice
	handler *RequestHandler
}

// Bench 在同一個 Modbus 端點上模擬三台設備，依 Unit ID 分派請求
type Bench struct {
	mu sync.RWMutex

	// 配置
	config *Config

	// 狀態
	state atomic.Int32

	// 以 Unit ID 為鍵的模擬設備
	slaves map[uint8]*simSlave

	// Modbus Server
	server *mbserver.Server

	// 統計
	startTime      time.Time
	unknownUnitErr atomic.Uint64

	// 場景
	currentScenario ScenarioType
	scenarioStop    context.CancelFunc

	// 日誌
	logger *zap.Logger
}

// BenchStats 模擬器統計資訊
type BenchStats struct {
	StartTime     time.Time
	DeviceCount   int
	TotalRequests uint64
	TotalErrors   uint64
}

// NewBench 依配置建立模擬器 (Taidecent、Waveshare、Schneider 各一台)
func NewBench(config *Config, logger *zap.Logger) (*Bench, error) {
	b := &Bench{
		config:          config,
		slaves:          make(map[uint8]*simSlave),
		currentScenario: ParseScenarioType(config.Sim.Scenario),
		logger:          logger,
	}

	devices := []struct {
		kind DeviceKind
		id   int
	}{
		{KindTaidecent, config.TaidecentDeviceID},
		{KindWaveshare, config.WaveshareRelayDeviceID},
		{KindSchneider, config.SchneiderDeviceID},
	}
	for _, d := range devices {
		if !validDeviceID(d.id) {
			return nil, fmt.Errorf("無效的 %s 設備 ID: %d", d.kind, d.id)
		}
		unit := uint8(d.id)
		if _, exists := b.slaves[unit]; exists {
			return nil, fmt.Errorf("設備 ID 重複: %d", unit)
		}
		devLogger := logger.With(zap.String("device", d.kind.String()))
		dev := NewSimDevice(d.kind, unit, devLogger)
		b.slaves[unit] = &simSlave{device: dev, handler: NewRequestHandler(dev, devLogger)}
	}

	b.applyJitter(b.currentScenario)
	return b, nil
}

// Start 啟動模擬器；listen 為空時不開 TCP，rtu 為 nil 時不開序列埠
func (b *Bench) Start(ctx context.Context, listen string, rtu *serial.Config) error {
	if !b.state.CompareAndSwap(int32(EngineStateStopped), int32(EngineStateStarting)) {
		return fmt.Errorf("模擬器已經在運行中")
	}
	if listen == "" && rtu == nil {
		b.state.Store(int32(EngineStateStopped))
		return errors.New("未指定 TCP 或序列埠監聽位址")
	}

	b.server = mbserver.NewServer()
	b.server.RegisterFunctionHandler(FuncCodeReadCoils, b.readCoils)
	b.server.RegisterFunctionHandler(FuncCodeReadHoldingRegisters, b.readHoldingRegisters)
	b.server.RegisterFunctionHandler(FuncCodeWriteSingleCoil, b.writeSingleCoil)
	b.server.RegisterFunctionHandler(FuncCodeWriteSingleRegister, b.writeSingleRegister)
	b.server.RegisterFunctionHandler(FuncCodeWriteMultipleCoils, b.writeMultipleCoils)
	b.server.RegisterFunctionHandler(FuncCodeWriteMultipleRegisters, b.writeMultipleRegisters)

	b.startTime = time.Now()

	if listen != "" {
		if err := b.server.ListenTCP(listen); err != nil {
			b.server.Close()
			b.state.Store(int32(EngineStateStopped))
			return fmt.Errorf("監聽 %s 失敗: %w", listen, err)
		}
		b.logger.Info("TCP 監聽中", zap.String("addr", listen))
	}

	if rtu != nil {
		if err := b.server.ListenRTU(rtu); err != nil {
			b.server.Close()
			b.state.Store(int32(EngineStateStopped))
			return fmt.Errorf("開啟序列埠 %s 失敗: %w", rtu.Address, err)
		}
		b.logger.Info("RTU 監聽中",
			zap.String("port", rtu.Address),
			zap.Int("baud", rtu.BaudRate),
		)
	}

	scenarioCtx, cancel := context.WithCancel(ctx)
	b.scenarioStop = cancel
	go b.runScenarioUpdater(scenarioCtx)

	b.state.Store(int32(EngineStateRunning))

	for _, dev := range b.Devices() {
		b.logger.Info("模擬設備已啟動",
			zap.String("kind", dev.Kind.String()),
			zap.Uint8("unitID", dev.UnitID()),
		)
	}
	return nil
}

// Stop 停止模擬器
func (b *Bench) Stop(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(EngineStateRunning), int32(EngineStateStopping)) {
		return nil
	}

	if b.scenarioStop != nil {
		b.scenarioStop()
	}

	done := make(chan struct{})
	go func() {
		b.server.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("停止模擬器超時")
	}

	b.state.Store(int32(EngineStateStopped))

	stats := b.Stats()
	b.logger.Info("模擬器已停止",
		zap.Duration("uptime", time.Since(b.startTime)),
		zap.Uint64("requests", stats.TotalRequests),
		zap.Uint64("errors", stats.TotalErrors),
	)
	return nil
}

// State 取得狀態
func (b *Bench) State() EngineState {
	return EngineState(b.state.Load())
}

// Device 依 Unit ID 取得模擬設備
func (b *Bench) Device(unit uint8) (*SimDevice, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.slaves[unit]
	if !ok {
		return nil, false
	}
	return s.device, true
}

// Devices 依 Unit ID 排序列出模擬設備
func (b *Bench) Devices() []*SimDevice {
	b.mu.RLock()
	defer b.mu.RUnlock()

	units := make([]int, 0, len(b.slaves))
	for unit := range b.slaves {
		units = append(units, int(unit))
	}
	sort.Ints(units)

	devices := make([]*SimDevice, 0, len(units))
	for _, unit := range units {
		devices = append(devices, b.slaves[uint8(unit)].device)
	}
	return devices
}

// Stats 取得統計資訊
func (b *Bench) Stats() BenchStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BenchStats{
		StartTime:   b.startTime,
		DeviceCount: len(b.slaves),
		TotalErrors: b.unknownUnitErr.Load(),
	}
	for _, s := range b.slaves {
		st := s.device.GetStats()
		stats.TotalRequests += st.RequestCount.Load()
		stats.TotalErrors += st.ErrorCount.Load()
	}
	stats.TotalRequests += b.unknownUnitErr.Load()
	return stats
}

// ApplyScenario 套用場景
func (b *Bench) ApplyScenario(scenario ScenarioType) {
	b.mu.Lock()
	b.currentScenario = scenario
	b.mu.Unlock()

	b.applyJitter(scenario)
	b.logger.Info("套用場景", zap.String("scenario", scenario.String()))
}

// GetScenario 取得當前場景
func (b *Bench) GetScenario() ScenarioType {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentScenario
}

func (b *Bench) applyJitter(scenario ScenarioType) {
	handler := GetScenarioHandler(scenario)
	enabled := handler != nil && handler.Jitter()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.slaves {
		s.handler.SetJitter(enabled, b.config.Sim.JitterMin, b.config.Sim.JitterMax)
	}
}

// runScenarioUpdater 運行場景更新器
func (b *Bench) runScenarioUpdater(ctx context.Context) {
	interval := b.config.Sim.UpdateInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.updateByScenario()
		}
	}
}

// updateByScenario 根據場景更新暫存器值
func (b *Bench) updateByScenario() {
	handler := GetScenarioHandler(b.GetScenario())
	if handler == nil {
		return
	}
	for _, dev := range b.Devices() {
		handler.Update(dev)
	}
}

// readdress 設備位址暫存器被寫入後以新 ID 重新登記
func (b *Bench) readdress(oldID, newID uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if oldID == newID {
		return nil
	}
	if _, taken := b.slaves[newID]; taken {
		return fmt.Errorf("設備 ID %d 已被使用", newID)
	}
	s, ok := b.slaves[oldID]
	if !ok {
		return fmt.Errorf("找不到設備 %d", oldID)
	}
	delete(b.slaves, oldID)
	s.device.setUnitID(newID)
	b.slaves[newID] = s

	b.logger.Info("模擬設備位址已變更",
		zap.String("kind", s.device.Kind.String()),
		zap.Uint8("from", oldID),
		zap.Uint8("to", newID),
	)
	return nil
}

// unitTaken 新的 Unit ID 是否已被其他模擬設備使用
func (b *Bench) unitTaken(s *simSlave, value uint16) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	other, ok := b.slaves[uint8(value)]
	return ok && other != s
}

// --- mbserver 功能碼處理 ---

// unitOf 取得請求的 Unit ID
func unitOf(frame mbserver.Framer) uint8 {
	switch f := frame.(type) {
	case *mbserver.TCPFrame:
		return f.Device
	case *mbserver.RTUFrame:
		return f.Address
	default:
		return 0
	}
}

// lookup 依 Unit ID 找到處理器
func (b *Bench) lookup(frame mbserver.Framer) (*simSlave, *mbserver.Exception) {
	unit := unitOf(frame)

	b.mu.RLock()
	s, ok := b.slaves[unit]
	b.mu.RUnlock()

	if !ok {
		b.unknownUnitErr.Add(1)
		b.logger.Debug("未知的 Unit ID",
			zap.Uint8("unit", unit),
			zap.Uint8("function", frame.GetFunction()),
		)
		return nil, &mbserver.SlaveDeviceFailure
	}
	return s, nil
}

// toException 將處理器錯誤轉為 mbserver 異常
func toException(err error) *mbserver.Exception {
	var mbErr *ModbusError
	if errors.As(err, &mbErr) {
		switch mbErr.Code {
		case ExceptionCodeIllegalFunction:
			return &mbserver.IllegalFunction
		case ExceptionCodeIllegalDataAddress:
			return &mbserver.IllegalDataAddress
		case ExceptionCodeIllegalDataValue:
			return &mbserver.IllegalDataValue
		}
	}
	return &mbserver.SlaveDeviceFailure
}

// addressAndValue 解析請求中的位址與第二個 16 位元欄位 (數量或值)
func addressAndValue(frame mbserver.Framer) (uint16, uint16, bool) {
	data := frame.GetData()
	if len(data) < 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(data[0:2]), binary.BigEndian.Uint16(data[2:4]), true
}

func (b *Bench) readCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	s, exc := b.lookup(frame)
	if exc != nil {
		return []byte{}, exc
	}
	address, quantity, ok := addressAndValue(frame)
	if !ok {
		return []byte{}, &mbserver.IllegalDataValue
	}

	coils, err := s.handler.HandleReadCoils(address, quantity)
	if err != nil {
		return []byte{}, toException(err)
	}
	data := CoilsToByte(coils)
	return append([]byte{byte(len(data))}, data...), &mbserver.Success
}

func (b *Bench) readHoldingRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	s, exc := b.lookup(frame)
	if exc != nil {
		return []byte{}, exc
	}
	address, quantity, ok := addressAndValue(frame)
	if !ok {
		return []byte{}, &mbserver.IllegalDataValue
	}

	regs, err := s.handler.HandleReadHoldingRegisters(address, quantity)
	if err != nil {
		return []byte{}, toException(err)
	}
	data := RegistersToBytes(regs)
	return append([]byte{byte(len(data))}, data...), &mbserver.Success
}

func (b *Bench) writeSingleCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	s, exc := b.lookup(frame)
	if exc != nil {
		return []byte{}, exc
	}
	address, value, ok := addressAndValue(frame)
	if !ok {
		return []byte{}, &mbserver.IllegalDataValue
	}

	if err := s.handler.HandleWriteSingleCoil(address, value); err != nil {
		return []byte{}, toException(err)
	}
	return frame.GetData()[0:4], &mbserver.Success
}

func (b *Bench) writeSingleRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	s, exc := b.lookup(frame)
	if exc != nil {
		return []byte{}, exc
	}
	address, value, ok := addressAndValue(frame)
	if !ok {
		return []byte{}, &mbserver.IllegalDataValue
	}

	if address == s.device.addressRegister && b.unitTaken(s, value) {
		return []byte{}, &mbserver.IllegalDataValue
	}

	if err := s.handler.HandleWriteSingleRegister(address, value); err != nil {
		return []byte{}, toException(err)
	}

	if address == s.device.addressRegister {
		if err := b.readdress(unitOf(frame), uint8(value)); err != nil {
			b.logger.Warn("變更模擬設備位址失敗", zap.Error(err))
		}
	}
	return frame.GetData()[0:4], &mbserver.Success
}

func (b *Bench) writeMultipleCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	s, exc := b.lookup(frame)
	if exc != nil {
		return []byte{}, exc
	}
	address, quantity, ok := addressAndValue(frame)
	data := frame.GetData()
	if !ok || len(data) < 5 || int(data[4]) != (int(quantity)+7)/8 || len(data) < 5+int(data[4]) {
		return []byte{}, &mbserver.IllegalDataValue
	}

	values := ByteToCoils(data[5:5+int(data[4])], int(quantity))
	if err := s.handler.HandleWriteMultipleCoils(address, values); err != nil {
		return []byte{}, toException(err)
	}
	return data[0:4], &mbserver.Success
}

func (b *Bench) writeMultipleRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	s, exc := b.lookup(frame)
	if exc != nil {
		return []byte{}, exc
	}
	address, quantity, ok := addressAndValue(frame)
	data := frame.GetData()
	if !ok || len(data) < 5 || int(data[4]) != int(quantity)*2 || len(data) < 5+int(data[4]) {
		return []byte{}, &mbserver.IllegalDataValue
	}

	values := BytesToRegisters(data[5 : 5+int(data[4])])
	for i, v := range values {
		if address+uint16(i) == s.device.addressRegister && b.unitTaken(s, v) {
			return []byte{}, &mbserver.IllegalDataValue
		}
	}
	if err := s.handler.HandleWriteMultipleRegisters(address, values); err != nil {
		return []byte{}, toException(err)
	}

	for i, v := range values {
		if address+uint16(i) == s.device.addressRegister {
			if err := b.readdress(unitOf(frame), uint8(v)); err != nil {
				b.logger.Warn("變更模擬設備位址失敗", zap.Error(err))
			}
		}
	}
	return data[0:4], &mbserver.Success
}
