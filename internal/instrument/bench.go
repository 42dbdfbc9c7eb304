package instrument

import (
	"context"
	"fmt"

	"github.com/rjboer/pabench/internal/calibration"
	"github.com/rjboer/pabench/internal/errs"
	"github.com/rjboer/pabench/internal/logging"
	"github.com/rjboer/pabench/internal/scpi"
)

// Signal describes the 5G NR uplink test signal loaded on both ends.
type Signal struct {
	Bandwidth string // "10MHz" or "100MHz"
	FrameType string // "full_frame" or "first_slot"
}

type numerology struct {
	scs, rb string
}

var numerologies = map[string]numerology{
	"10MHz":  {scs: "30kHz", rb: "24"},
	"100MHz": {scs: "60kHz", rb: "135"},
}

var frameSuffixes = map[string]string{
	"full_frame": "fullframe",
	"first_slot": "1slot",
}

func (s Signal) parts() (numerology, string, error) {
	n, ok := numerologies[s.Bandwidth]
	if !ok {
		return numerology{}, "", fmt.Errorf("unsupported signal bandwidth %q", s.Bandwidth)
	}
	suffix, ok := frameSuffixes[s.FrameType]
	if !ok {
		return numerology{}, "", fmt.Errorf("unsupported frame type %q", s.FrameType)
	}
	return n, suffix, nil
}

// WaveformFile returns the generator ARB file for the signal.
func (s Signal) WaveformFile() (string, error) {
	n, suffix, err := s.parts()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/var/user/Qorvo/NR5G_%s_UL_%sSCS_256QAM_%srb_0rbo_%s.wv", s.Bandwidth, n.scs, n.rb, suffix), nil
}

// AnalyzerSetupFile returns the analyzer recall file for the signal.
func (s Signal) AnalyzerSetupFile() (string, error) {
	n, suffix, err := s.parts()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`C:\R_S\instr\user\Qorvo\5GNR_UL_%s_256QAM_%s_%sRB_0RBO_%s`, s.Bandwidth, n.scs, n.rb, suffix), nil
}

// Bench drives real instruments over SCPI sockets.
type Bench struct {
	gen    *scpi.Conn
	vsa    *scpi.Conn
	pm     *scpi.Conn
	signal Signal
	logger logging.Logger

	waveform string
}

// NewBench wires three sessions into a Facade. The sessions are owned by the
// Bench afterwards and closed by Close.
func NewBench(gen, vsa, pm *scpi.Conn, signal Signal, logger logging.Logger) *Bench {
	if logger == nil {
		logger = logging.Default()
	}
	return &Bench{
		gen:    gen,
		vsa:    vsa,
		pm:     pm,
		signal: signal,
		logger: logger.With(logging.F("subsystem", "bench")),
	}
}

var _ Facade = (*Bench)(nil)

// Init connects all sessions, resets the instruments and loads the test
// signal. Any failure here aborts the run.
func (b *Bench) Init(ctx context.Context) error {
	for _, c := range []*scpi.Conn{b.gen, b.vsa, b.pm} {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}
	wv, err := b.signal.WaveformFile()
	if err != nil {
		return err
	}
	setup, err := b.signal.AnalyzerSetupFile()
	if err != nil {
		return err
	}
	b.waveform = wv

	genSteps := []string{
		"*RST",
		"SOURce1:CORRection:OPTimize:RF:CHARacteristics EVM",
		"OUTPut1:AMODe AUTO",
		"SOURce1:POWer:LIM:AMPL 20",
		fmt.Sprintf(`SOURce1:BB:ARBitrary:WAVeform:SELect "%s"`, wv),
		"SOURce1:BB:ARBitrary:STATe 1",
		"OUTPut1:STATe ON",
	}
	if err := syncAll(ctx, b.gen, genSteps); err != nil {
		return fmt.Errorf("generator init: %w", err)
	}

	vsaSteps := []string{
		"*RST",
		fmt.Sprintf(`MMEM:LOAD:STAT 1,"%s"`, setup),
		"CONF:NR5G:DL:CC1:RFUC:STAT OFF",
		":SENS:SWE:TIME 0.0101",
		"INIT:CONT OFF",
		`INST:SEL "Amplifier"`,
		"CONF:GEN:CONN:STAT ON",
		"CONF:GEN:CONT:STAT ON",
		"CONF:SETT",
		":CONF:REFS:CGW:READ",
		":CONF:DDPD:STAT OFF",
		":SENS:ADJ:LEV",
		"CONF:DPD:METH GEN",
		"CONF:DPD:SHAP:MODE POLY",
		":CONF:DPD:TRAD 100",
		"INIT:IMM",
	}
	if err := syncAll(ctx, b.vsa, vsaSteps); err != nil {
		return fmt.Errorf("analyzer init: %w", err)
	}
	b.logger.Info("bench initialized",
		logging.F("generator", b.gen.IDN()),
		logging.F("analyzer", b.vsa.IDN()),
		logging.F("power_meter", b.pm.IDN()),
		logging.F("waveform", wv))
	return nil
}

func syncAll(ctx context.Context, c *scpi.Conn, cmds []string) error {
	for _, cmd := range cmds {
		if err := c.Sync(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bench) Configure(ctx context.Context, freqHz, initialDBm float64, off calibration.Offset) error {
	meter := fmt.Sprintf(":SENS1:FREQ %.0f;:SENS2:FREQ %.0f;"+
		":CALCulate1:CHANnel1:CORRection:OFFSet:MAGNitude %.3f;:CALCulate1:CHANnel1:CORRection:OFFSet:STATe ON;"+
		":CALCulate2:CHANnel1:CORRection:OFFSet:MAGNitude %.3f;:CALCulate2:CHANnel1:CORRection:OFFSet:STATe ON",
		freqHz, freqHz, off.InputDB, off.OutputDB)
	if err := b.pm.Sync(ctx, meter); err != nil {
		return err
	}

	if b.waveform != "" {
		if err := b.gen.Sync(ctx, fmt.Sprintf(`SOURce1:BB:ARBitrary:WAVeform:SELect "%s"`, b.waveform)); err != nil {
			return err
		}
	}
	if err := b.gen.Write(ctx, fmt.Sprintf(":SOUR1:POW:LEV:IMM:OFFS %.3f", off.GeneratorDB)); err != nil {
		return err
	}
	if err := syncAll(ctx, b.gen, []string{
		fmt.Sprintf(":SOUR1:FREQ:CW %.0f", freqHz),
		fmt.Sprintf(":SOUR1:POW:LEV:IMM:AMPL %.3f", initialDBm),
	}); err != nil {
		return err
	}

	if err := syncAll(ctx, b.vsa, []string{`INST:SEL "5G NR"`, fmt.Sprintf(":SENS:FREQ:CENT %.0f", freqHz)}); err != nil {
		return err
	}
	if err := b.vsa.Write(ctx, fmt.Sprintf(":DISP:WIND:TRAC:Y:SCAL:RLEV:OFFS %.2f", off.AnalyzerDB)); err != nil {
		return err
	}
	return b.vsa.Sync(ctx, ":CONF:NR5G:MEAS EVM")
}

func (b *Bench) SetGeneratorPower(ctx context.Context, dbm float64) error {
	return b.gen.Sync(ctx, fmt.Sprintf(":SOUR1:POW:LEV:IMM:AMPL %.3f", dbm))
}

var amplifierApp = []string{
	`INST:SEL "Amplifier"`,
	"CONF:GEN:CONN:STAT ON",
	"CONF:GEN:CONT:STAT ON",
	"CONF:SETT",
	":CONF:REFS:CGW:READ",
}

func (b *Bench) LoadWaveform(ctx context.Context, model Model, p Params) error {
	var cmds []string
	switch model {
	case Polynomial:
		cmds = []string{
			`INST:SEL "Amplifier"`,
			"CONF:DPD:SHAP:MODE POLY",
			"INIT:IMM",
			"CONF:DPD:UPD",
			":CONF:DPD:AMAM:STAT ON",
			":CONF:DPD:AMPM:STAT ON",
		}
	case Direct:
		// Each round runs one direct DPD iteration on top of the correction
		// left by the previous round.
		if p.Round <= 1 {
			cmds = append(cmds, amplifierApp...)
			cmds = append(cmds, "CONF:DDPD:STAT ON", "CONF:DDPD:TRAD 100")
		} else {
			cmds = append(cmds, `INST:SEL "Amplifier"`)
		}
		cmds = append(cmds, ":CONF:DDPD:COUN 1", ":CONF:DDPD:STAR")
	case GMP:
		cmds = append(cmds,
			`INST:SEL "Amplifier"`,
			"CONF:DDPD:STAT ON",
			"CONF:DDPD:TRAD 100",
			":CONF:DDPD:STAR",
			"CONF:MDPD:STAT ON",
			"CONF:GMP:LAG:ORD:XTER 1",
			"CONF:GMP:LEAD:ORD:XTER 1",
			"CONF:MDPD:ITER 5",
			":CALC:MDPD:MOD",
			":CONF:MDPD:WAV:UPD",
			"CONF:MDPD:WAV:SEL MDPD",
		)
	default:
		return fmt.Errorf("unknown DPD model %v", model)
	}
	return syncAll(ctx, b.vsa, cmds)
}

func (b *Bench) SyncCapture(ctx context.Context) error {
	return syncAll(ctx, b.vsa, amplifierApp)
}

func (b *Bench) ResetCorrection(ctx context.Context) error {
	return syncAll(ctx, b.vsa, []string{
		`:INST:SEL "Amplifier"`,
		":CONF:MDPD:WAV:SEL REF",
		":CONF:DDPD:APPL:STAT OFF",
		":CONF:DDPD:STAT OFF",
		":CONF:DPD:AMAM:STAT OFF",
		":CONF:DPD:AMPM:STAT OFF",
		`INST:SEL "5G NR"`,
		":CONF:NR5G:MEAS EVM",
		"CONF:GEN:CONT:STAT OFF",
		"CONF:GEN:CONN:STAT OFF",
	})
}

func (b *Bench) ReadAnalyzer(ctx context.Context) (Reading, error) {
	var r Reading
	if err := syncAll(ctx, b.vsa, []string{`INST:SEL "5G NR"`, "CONF:NR5G:MEAS EVM", "INIT:IMM"}); err != nil {
		return r, err
	}
	var err error
	if r.PowerDBm, err = b.vsa.QueryFloat(ctx, "FETC:CC1:ISRC:FRAM:SUMM:POW:AVER?"); err != nil {
		return r, err
	}
	if r.EVMDB, err = b.vsa.QueryFloat(ctx, "FETC:CC1:ISRC:FRAM:SUMM:EVM:ALL:AVER?"); err != nil {
		return r, err
	}
	if err := syncAll(ctx, b.vsa, []string{"CONF:NR5G:MEAS ACLR", "INIT:IMM"}); err != nil {
		return r, err
	}
	acp, err := b.vsa.QueryFloats(ctx, "CALC:MARK:FUNC:POW:RES? ACP")
	if err != nil {
		return r, err
	}
	if len(acp) < 3 {
		return r, fmt.Errorf("%w: ACLR result has %d values, want 3", errs.ErrInstrumentUnavailable, len(acp))
	}
	r.ACLR = ACLR{ChannelPowerDBm: acp[0], LowerDB: acp[1], UpperDB: acp[2]}
	return r, b.vsa.Sync(ctx, "CONF:NR5G:MEAS EVM")
}

func (b *Bench) ReadAnalyzerPower(ctx context.Context) (float64, error) {
	if err := b.vsa.Sync(ctx, "INIT:IMM"); err != nil {
		return 0, err
	}
	return b.vsa.QueryFloat(ctx, "FETC:CC1:ISRC:FRAM:SUMM:POW:AVER?")
}

func (b *Bench) ReadExternalPowerMeter(ctx context.Context) (float64, error) {
	return b.pm.QueryFloat(ctx, ":MEAS2?")
}

func (b *Bench) ReadInputPower(ctx context.Context) (float64, error) {
	return b.pm.QueryFloat(ctx, ":MEAS1?")
}

func (b *Bench) EnableEnvelopeTracking(ctx context.Context) error {
	return syncAll(ctx, b.gen, []string{
		"SOURce1:IQ:OUTPut:ANALog:ENVelope:STATe 1",
		"SOURce1:IQ:OUTPut:ANALog:TYPE DIFF",
		"SOURce1:IQ:OUTPut:ANALog:ENVelope:DELay 0",
		"SOURce1:IQ:OUTPut:ANALog:ENVelope:SHAPing:MODE DETR",
	})
}

func (b *Bench) SetEnvelopeDelay(ctx context.Context, seconds float64) error {
	return b.gen.Sync(ctx, fmt.Sprintf("SOURce1:IQ:OUTPut:ANALog:ENVelope:DELay %g", seconds))
}

func (b *Bench) DisableEnvelopeTracking(ctx context.Context) error {
	return b.gen.Sync(ctx, "SOURce1:IQ:OUTPut:ANALog:ENVelope:STATe 0")
}

// Close closes all three sessions and reports the first error.
func (b *Bench) Close() error {
	var first error
	for _, c := range []*scpi.Conn{b.gen, b.vsa, b.pm} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
