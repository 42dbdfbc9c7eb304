package instrument

import (
	"context"
	"math"
	"sync"

	"github.com/rjboer/pabench/internal/calibration"
)

// MockConfig shapes the simulated amplifier.
type MockConfig struct {
	// GainDB is the small-signal gain at CenterHz.
	GainDB float64
	// GainSlopeDBPerGHz tilts the gain across frequency.
	GainSlopeDBPerGHz float64
	CenterHz          float64
	// CompressionDBm is the output power above which each input dB yields
	// only 0.9 dB more output.
	CompressionDBm float64
	// BaselineEVMDB is the uncorrected EVM at compression.
	BaselineEVMDB float64
	// AnalyzerOffsetDB is added to the analyzer power reading relative to
	// the external meter.
	AnalyzerOffsetDB float64
}

// DefaultMockConfig is a 28 dB amplifier centred at 3.5 GHz.
func DefaultMockConfig() MockConfig {
	return MockConfig{
		GainDB:            28,
		GainSlopeDBPerGHz: -0.5,
		CenterHz:          3.5e9,
		CompressionDBm:    20,
		BaselineEVMDB:     -30,
		AnalyzerOffsetDB:  0.05,
	}
}

// MockAmplifier is a deterministic bench simulation. It is safe for
// concurrent use.
type MockAmplifier struct {
	mu  sync.RWMutex
	cfg MockConfig

	freqHz    float64
	inputDBm  float64
	offset    calibration.Offset
	model     Model
	round     int
	corrected bool
	etOn      bool
	etDelay   float64

	// Fault, when set, is consulted before every operation; a non-nil return
	// fails that operation.
	Fault func(op string) error

	calls map[string]int
}

func NewMockAmplifier(cfg MockConfig) *MockAmplifier {
	return &MockAmplifier{cfg: cfg, calls: map[string]int{}}
}

var _ Facade = (*MockAmplifier)(nil)

func (m *MockAmplifier) enter(op string) error {
	m.mu.Lock()
	m.calls[op]++
	fault := m.Fault
	m.mu.Unlock()
	if fault != nil {
		return fault(op)
	}
	return nil
}

// Calls returns how many times op was invoked.
func (m *MockAmplifier) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// EnvelopeDelay reports the ET state and last delay applied.
func (m *MockAmplifier) EnvelopeDelay() (bool, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.etOn, m.etDelay
}

// GeneratorPower returns the commanded generator level.
func (m *MockAmplifier) GeneratorPower() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inputDBm
}

// Configure tunes the simulated bench. Like the real instruments it leaves a
// loaded correction in place; only ResetCorrection removes it.
func (m *MockAmplifier) Configure(_ context.Context, freqHz, initialDBm float64, off calibration.Offset) error {
	if err := m.enter("Configure"); err != nil {
		return err
	}
	m.mu.Lock()
	m.freqHz = freqHz
	m.inputDBm = initialDBm
	m.offset = off
	m.mu.Unlock()
	return nil
}

func (m *MockAmplifier) SetGeneratorPower(_ context.Context, dbm float64) error {
	if err := m.enter("SetGeneratorPower"); err != nil {
		return err
	}
	m.mu.Lock()
	m.inputDBm = dbm
	m.mu.Unlock()
	return nil
}

func (m *MockAmplifier) LoadWaveform(_ context.Context, model Model, p Params) error {
	if err := m.enter("LoadWaveform"); err != nil {
		return err
	}
	m.mu.Lock()
	m.model = model
	m.round = p.Round
	m.corrected = true
	m.mu.Unlock()
	return nil
}

func (m *MockAmplifier) SyncCapture(context.Context) error {
	return m.enter("SyncCapture")
}

func (m *MockAmplifier) ResetCorrection(context.Context) error {
	if err := m.enter("ResetCorrection"); err != nil {
		return err
	}
	m.mu.Lock()
	m.corrected = false
	m.round = 0
	m.mu.Unlock()
	return nil
}

func (m *MockAmplifier) ReadAnalyzer(context.Context) (Reading, error) {
	if err := m.enter("ReadAnalyzer"); err != nil {
		return Reading{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.outputLocked()
	evm := m.evmLocked(out)
	lower := evm - 15
	return Reading{
		PowerDBm: out + m.cfg.AnalyzerOffsetDB,
		EVMDB:    evm,
		ACLR: ACLR{
			ChannelPowerDBm: out + m.cfg.AnalyzerOffsetDB,
			LowerDB:         lower,
			UpperDB:         lower - 1,
		},
	}, nil
}

func (m *MockAmplifier) ReadAnalyzerPower(context.Context) (float64, error) {
	if err := m.enter("ReadAnalyzerPower"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.outputLocked() + m.cfg.AnalyzerOffsetDB, nil
}

func (m *MockAmplifier) ReadExternalPowerMeter(context.Context) (float64, error) {
	if err := m.enter("ReadExternalPowerMeter"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.outputLocked(), nil
}

func (m *MockAmplifier) ReadInputPower(context.Context) (float64, error) {
	if err := m.enter("ReadInputPower"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inputDBm, nil
}

func (m *MockAmplifier) EnableEnvelopeTracking(context.Context) error {
	if err := m.enter("EnableEnvelopeTracking"); err != nil {
		return err
	}
	m.mu.Lock()
	m.etOn = true
	m.etDelay = 0
	m.mu.Unlock()
	return nil
}

func (m *MockAmplifier) SetEnvelopeDelay(_ context.Context, seconds float64) error {
	if err := m.enter("SetEnvelopeDelay"); err != nil {
		return err
	}
	m.mu.Lock()
	m.etDelay = seconds
	m.mu.Unlock()
	return nil
}

func (m *MockAmplifier) DisableEnvelopeTracking(context.Context) error {
	if err := m.enter("DisableEnvelopeTracking"); err != nil {
		return err
	}
	m.mu.Lock()
	m.etOn = false
	m.mu.Unlock()
	return nil
}

func (m *MockAmplifier) Close() error { return nil }

func (m *MockAmplifier) outputLocked() float64 {
	gain := m.cfg.GainDB + m.cfg.GainSlopeDBPerGHz*(m.freqHz-m.cfg.CenterHz)/1e9
	out := m.inputDBm + gain
	if out > m.cfg.CompressionDBm {
		out = m.cfg.CompressionDBm + 0.9*(out-m.cfg.CompressionDBm)
	}
	return out
}

func (m *MockAmplifier) evmLocked(out float64) float64 {
	evm := m.cfg.BaselineEVMDB + 0.8*(out-m.cfg.CompressionDBm)
	if m.corrected {
		switch m.model {
		case Polynomial:
			evm -= 6
		case Direct:
			evm -= math.Min(3*float64(m.round), 12)
		case GMP:
			evm -= 10
		}
	}
	if m.etOn {
		evm += 0.5 * math.Abs(m.etDelay) * 1e9
	}
	return evm
}
