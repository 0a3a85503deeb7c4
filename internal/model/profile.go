package model

import "fmt"

// Operation selects what the provisioning pipeline does in its transfer stage.
const (
	OperationFlash = "flash"
	OperationDump  = "dump"
)

// Parity values accepted by SerialProfile.
const (
	ParityNone = "none"
	ParityEven = "even"
	ParityOdd  = "odd"
)

// SerialProfile describes the serial line configuration applied with stty.
type SerialProfile struct {
	Device   string `json:"device"`
	BaudRate int    `json:"baudRate"`
	DataBits int    `json:"dataBits"` // 7 or 8
	Parity   string `json:"parity"`   // none | even | odd
	StopBits int    `json:"stopBits"` // 1 or 2
	RawMode  bool   `json:"rawMode"`
}

// BridgeProfile describes the socat serial<->TCP bridge subprocess.
type BridgeProfile struct {
	TCPHost      string `json:"tcpHost"`
	TCPPort      int    `json:"tcpPort"`
	AllowFork    bool   `json:"allowFork"`
	Verbose      bool   `json:"verbose"`
	HexDump      bool   `json:"hexDump"`
	BlockSize    int    `json:"blockSize"`
	ReuseAddress bool   `json:"reuseAddress"`
	RawMode      bool   `json:"rawMode"`
	NoEcho       bool   `json:"noEcho"`
}

// Endpoint returns the host:port the bridge listens on.
func (b BridgeProfile) Endpoint() string {
	return fmt.Sprintf("%s:%d", b.TCPHost, b.TCPPort)
}

// PowerProfile describes the Modbus-TCP switched power supply.
type PowerProfile struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	UnitID     byte   `json:"unitId"`
	OnCoil     uint16 `json:"onCoil"`
	OffCoil    uint16 `json:"offCoil"`
	StateInput uint16 `json:"stateInput"`
}

// MemoryProfile describes the region read by a dump operation.
type MemoryProfile struct {
	StartAddress uint32 `json:"startAddress"`
	Length       uint32 `json:"length"`
}

// PayloadProfile points at the payload image streamed by a flash operation.
type PayloadProfile struct {
	SourcePath string `json:"sourcePath"`
}

// ProfileSet bundles all configuration one job needs. It is captured by
// value when the job is created, later edits of a named template never
// reach a job that already snapshotted it.
type ProfileSet struct {
	Serial     SerialProfile  `json:"serial"`
	Bridge     BridgeProfile  `json:"bridge"`
	Power      PowerProfile   `json:"power"`
	Memory     MemoryProfile  `json:"memory"`
	Payload    PayloadProfile `json:"payload"`
	OutputPath string         `json:"outputPath,omitempty"`
}

// ResourceKeys derives the exclusive resources a job built from this set
// will hold. Called once at job creation, never recomputed.
func (p ProfileSet) ResourceKeys() []ResourceKey {
	return []ResourceKey{
		SerialKey(p.Serial.Device),
		TCPKey(p.Bridge.TCPHost, p.Bridge.TCPPort),
		PowerKey(p.Power.Host, p.Power.Port, p.Power.UnitID),
	}
}

// Validate checks the fields the pipeline depends on. Failures wrap ErrConfig.
func (p ProfileSet) Validate(operation string) error {
	if p.Serial.Device == "" {
		return fmt.Errorf("serial.device is empty: %w", ErrConfig)
	}
	switch p.Serial.DataBits {
	case 7, 8:
	default:
		return fmt.Errorf("serial.dataBits %d not supported: %w", p.Serial.DataBits, ErrConfig)
	}
	switch p.Serial.Parity {
	case ParityNone, ParityEven, ParityOdd:
	default:
		return fmt.Errorf("serial.parity %q not supported: %w", p.Serial.Parity, ErrConfig)
	}
	switch p.Serial.StopBits {
	case 1, 2:
	default:
		return fmt.Errorf("serial.stopBits %d not supported: %w", p.Serial.StopBits, ErrConfig)
	}
	if p.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baudRate %d not supported: %w", p.Serial.BaudRate, ErrConfig)
	}
	if p.Bridge.TCPPort <= 0 || p.Bridge.TCPPort > 65535 {
		return fmt.Errorf("bridge.tcpPort %d out of range: %w", p.Bridge.TCPPort, ErrConfig)
	}
	if p.Power.Host == "" {
		return fmt.Errorf("power.host is empty: %w", ErrConfig)
	}
	switch operation {
	case OperationFlash:
		if p.Payload.SourcePath == "" {
			return fmt.Errorf("payload.sourcePath is empty: %w", ErrConfig)
		}
	case OperationDump:
		if p.Memory.Length == 0 {
			return fmt.Errorf("memory.length is zero: %w", ErrConfig)
		}
		if p.OutputPath == "" {
			return fmt.Errorf("outputPath is empty: %w", ErrConfig)
		}
	default:
		return fmt.Errorf("operation %q not supported: %w", operation, ErrConfig)
	}
	return nil
}
