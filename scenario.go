package main

import (
	"math/rand"
	"sync"
)

// ScenarioType 場景類型
type ScenarioType int

const (
	ScenarioNormal ScenarioType = iota
	ScenarioHeat
	ScenarioJitter
)

func (s ScenarioType) String() string {
	switch s {
	case ScenarioNormal:
		return "normal"
	case ScenarioHeat:
		return "heat"
	case ScenarioJitter:
		return "jitter"
	default:
		return "unknown"
	}
}

// ParseScenarioType 解析場景類型
func ParseScenarioType(s string) ScenarioType {
	switch s {
	case "normal":
		return ScenarioNormal
	case "heat":
		return ScenarioHeat
	case "jitter":
		return ScenarioJitter
	default:
		return ScenarioNormal
	}
}

// ScenarioDescriptions 場景說明
var ScenarioDescriptions = map[ScenarioType]string{
	ScenarioNormal: "正常波動 (溫度 ±0.1°C, 電壓 ±0.5%, 頻率 ±0.05%)",
	ScenarioHeat:   "溫度每次更新上升 0.25°C，至 45°C 為止",
	ScenarioJitter: "正常波動並加上回應延遲",
}

// ScenarioHandler 場景處理介面
type ScenarioHandler interface {
	Type() ScenarioType
	Update(device *SimDevice)
	Jitter() bool
}

// 場景處理器註冊表
var (
	scenarioHandlers   = make(map[ScenarioType]ScenarioHandler)
	scenarioHandlersMu sync.RWMutex
)

func init() {
	RegisterScenarioHandler(&NormalScenario{})
	RegisterScenarioHandler(&HeatScenario{})
	RegisterScenarioHandler(&JitterScenario{})
}

// RegisterScenarioHandler 註冊場景處理器
func RegisterScenarioHandler(handler ScenarioHandler) {
	scenarioHandlersMu.Lock()
	defer scenarioHandlersMu.Unlock()
	scenarioHandlers[handler.Type()] = handler
}

// GetScenarioHandler 取得場景處理器
func GetScenarioHandler(scenarioType ScenarioType) ScenarioHandler {
	scenarioHandlersMu.RLock()
	defer scenarioHandlersMu.RUnlock()
	return scenarioHandlers[scenarioType]
}

// ListScenarioTypes 列出所有場景類型
func ListScenarioTypes() []ScenarioType {
	return []ScenarioType{
		ScenarioNormal,
		ScenarioHeat,
		ScenarioJitter,
	}
}

// vary 在 base 附近 ±variance 比例內隨機取值
func vary(base, variance float64) float64 {
	return base * (1 + (rand.Float64()*2-1)*variance)
}

// --- Normal Scenario ---

// NormalScenario 正常場景 - 小幅波動
type NormalScenario struct{}

func (s *NormalScenario) Type() ScenarioType { return ScenarioNormal }

func (s *NormalScenario) Jitter() bool { return false }

func (s *NormalScenario) Update(device *SimDevice) {
	switch device.Kind {
	case KindTaidecent:
		ambient := device.Ambient() + (rand.Float64()*2-1)*0.1
		if ambient < 15 || ambient > 30 {
			ambient = 21.5
		}
		device.SetAmbient(ambient)

	case KindSchneider:
		rm := device.Registers()
		_ = rm.SetFloat32(0x0BB7, vary(4.2, 0.02))
		_ = rm.SetFloat32(0x0BD3, vary(230.0, 0.005))
		_ = rm.SetFloat32(0x0C25, vary(50.0, 0.0005))
	}
}

// --- Heat Scenario ---

// HeatScenario 升溫場景
type HeatScenario struct {
	normal NormalScenario
}

func (s *HeatScenario) Type() ScenarioType { return ScenarioHeat }

func (s *HeatScenario) Jitter() bool { return false }

func (s *HeatScenario) Update(device *SimDevice) {
	if device.Kind != KindTaidecent {
		s.normal.Update(device)
		return
	}
	ambient := device.Ambient() + 0.25
	if ambient > 45 {
		ambient = 45
	}
	device.SetAmbient(ambient)
}

// --- Jitter Scenario ---

// JitterScenario 網路延遲場景
type JitterScenario struct {
	normal NormalScenario
}

func (s *JitterScenario) Type() ScenarioType { return ScenarioJitter }

func (s *JitterScenario) Jitter() bool { return true }

func (s *JitterScenario) Update(device *SimDevice) {
	s.normal.Update(device)
}
