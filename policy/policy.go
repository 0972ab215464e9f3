// MODUL: policy
// ZWECK: Receding-Horizon-Policy: Beobachtungen puffern, Aktionsfolgen generieren, trainieren
// INPUT: Observation pro Regelschritt bzw. TrainingBatch
// OUTPUT: Aktion [B, A] pro Regelschritt, TrainInfo pro Trainingsschritt
// NEBENEFFEKTE: Logging, Dateizugriff bei Save/Load
// ABHAENGIGKEITEN: ema, optim, checkpoint, envconfig
// HINWEISE: Nicht nebenlaeufig nutzbar; Aufrufer serialisieren den Zugriff

package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ollama/diffpolicy/checkpoint"
	"github.com/ollama/diffpolicy/ema"
	"github.com/ollama/diffpolicy/envconfig"
	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/ml/nn"
	"github.com/ollama/diffpolicy/ml/optim"
)

// EMAPrefix steht vor den Schattengewichten im State-Dict
const EMAPrefix = "ema."

var ErrStateDictMismatch = errors.New("policy: state dict does not match model")

// StateDictError listet fehlende und unerwartete Schluessel
type StateDictError struct {
	Missing    []string
	Unexpected []string
}

func (e *StateDictError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrStateDictMismatch.Error())
	if len(e.Missing) > 0 {
		fmt.Fprintf(&sb, ", missing %v", e.Missing)
	}
	if len(e.Unexpected) > 0 {
		fmt.Fprintf(&sb, ", unexpected %v", e.Unexpected)
	}
	return sb.String()
}

func (e *StateDictError) Unwrap() error { return ErrStateDictMismatch }

// TrainInfo beschreibt einen Trainingsschritt
type TrainInfo struct {
	Step     int     `json:"step"`
	Loss     float64 `json:"loss"`
	GradNorm float64 `json:"grad_norm"`
	LR       float64 `json:"lr"`
	UpdateS  float64 `json:"update_s"`
}

// Policy verbindet Live-Modell, Schattenmodell, Optimierer und Regelschleifen-Puffer.
type Policy struct {
	cfg Config
	gen *ml.Generator

	model  *DiffusionModel
	shadow *DiffusionModel
	ema    *ema.EMA

	opt      *optim.Adam
	schedule optim.Schedule

	queues   *Queues
	training bool
	step     int
	replans  int
}

// New baut eine Policy mit frisch initialisierten Gewichten.
// Die Schattengewichte starten als Kopie der Live-Gewichte.
func New(cfg Config, seed uint64) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	schedule, err := optim.NewSchedule(cfg.LRScheduler, cfg.LRWarmupSteps, cfg.OfflineSteps)
	if err != nil {
		return nil, &ConfigError{Field: "lr_scheduler", Err: err}
	}

	model, err := NewDiffusionModel(cfg, ml.NewGenerator(seed))
	if err != nil {
		return nil, err
	}

	p := &Policy{
		cfg:      cfg,
		gen:      ml.NewGenerator(seed + 1),
		model:    model,
		opt:      optim.NewAdam(cfg.LR, cfg.AdamBetas[0], cfg.AdamBetas[1], cfg.AdamEps, cfg.AdamWeightDecay),
		schedule: schedule,
		queues:   NewQueues(cfg.NObsSteps, cfg.NActionSteps),
	}

	if cfg.UseEMA {
		if p.shadow, err = NewDiffusionModel(cfg, ml.NewGenerator(seed)); err != nil {
			return nil, err
		}
		if err := copyParams(p.shadow.Parameters(), model.Parameters()); err != nil {
			return nil, err
		}
		p.ema = ema.New(cfg.emaConfig(), p.shadow)
	}

	slog.Debug("policy created", "parameters", nn.CountTrainable(model.Parameters()), "ema", cfg.UseEMA)
	return p, nil
}

func copyParams(dst, src []*nn.Param) error {
	for i, p := range src {
		if err := nn.Assign(dst[i], p.Value); err != nil {
			return err
		}
	}
	return nil
}

func (p *Policy) Config() Config { return p.cfg }

// Model ist das Live-Modell
func (p *Policy) Model() *DiffusionModel { return p.model }

// HasEMA meldet, ob Schattengewichte gefuehrt werden
func (p *Policy) HasEMA() bool { return p.shadow != nil }

// Train schaltet in den Trainingsmodus (Zufalls-Crops, Live-Gewichte)
func (p *Policy) Train() { p.training = true }

// Eval schaltet in den Inferenzmodus
func (p *Policy) Eval() { p.training = false }

func (p *Policy) Training() bool { return p.training }

// Step ist die Anzahl ausgefuehrter Trainingsschritte
func (p *Policy) Step() int { return p.step }

// Replans zaehlt die Generierungen seit dem Erstellen der Policy
func (p *Policy) Replans() int { return p.replans }

// Reset leert Beobachtungsfenster und Aktionspuffer. Bei jedem Episodenstart aufrufen.
func (p *Policy) Reset() {
	p.queues.Reset()
}

// Queues gibt die Puffer der Regelschleife zurueck
func (p *Policy) Queues() *Queues { return p.queues }

// inference waehlt das Modell fuer die Generierung
func (p *Policy) inference() *DiffusionModel {
	if !p.training && p.shadow != nil && envconfig.EMAWeights(true) {
		return p.shadow
	}
	return p.model
}

// Update nimmt eine Beobachtung ins Fenster auf
func (p *Policy) Update(obs Observation) error {
	if err := obs.validate(&p.cfg); err != nil {
		return err
	}
	if p.queues.Len() > 0 {
		img, _ := p.queues.images.list.Get(0)
		if img.Dim(0) != obs[KeyImage].Dim(0) {
			return fmt.Errorf("%w: batch size changed from %d to %d, call Reset first", ErrObservationShape, img.Dim(0), obs[KeyImage].Dim(0))
		}
	}
	p.queues.Update(obs)
	return nil
}

// NextAction gibt die naechste Aktion [B, A] zurueck. Ist der Puffer leer, wird
// aus dem aktuellen Fenster eine neue Aktionsfolge generiert.
func (p *Policy) NextAction(ctx context.Context) (*ml.Tensor, error) {
	if action, ok := p.queues.PopAction(); ok {
		return action, nil
	}
	if p.queues.Len() == 0 {
		return nil, fmt.Errorf("policy: no observation, call Update first")
	}

	images, states := p.queues.Window()
	start := time.Now()
	actions, err := p.inference().GenerateActions(ctx, images, states, p.training, p.gen)
	if err != nil {
		return nil, fmt.Errorf("generate actions: %w", err)
	}
	p.replans++
	slog.Debug("generated action sequence", "steps", actions.Dim(1), "duration", time.Since(start))

	p.queues.PushActions(actions)
	action, _ := p.queues.PopAction()
	return action, nil
}

// SelectAction ist Update gefolgt von NextAction
func (p *Policy) SelectAction(ctx context.Context, obs Observation) (*ml.Tensor, error) {
	if err := p.Update(obs); err != nil {
		return nil, err
	}
	return p.NextAction(ctx)
}

// TrainStep fuehrt einen Optimierungsschritt aus: Verlust, Backward, Clipping,
// Adam, Lernratenplan und EMA.
func (p *Policy) TrainStep(ctx context.Context, batch *TrainingBatch) (TrainInfo, error) {
	start := time.Now()
	params := p.model.Parameters()
	nn.ZeroGrad(params)

	loss, err := p.model.ComputeLoss(ctx, batch, p.gen)
	if err != nil {
		return TrainInfo{}, err
	}
	if err := p.model.Backward(); err != nil {
		return TrainInfo{}, err
	}

	gradNorm := optim.ClipGradNorm(params, p.cfg.GradClipNorm)
	if math.IsNaN(gradNorm) || math.IsInf(gradNorm, 0) {
		slog.Warn("non-finite gradient norm", "step", p.step, "grad_norm", gradNorm)
	}

	p.opt.LR = p.cfg.LR * p.schedule.Factor(p.step)
	p.opt.Step(params)
	p.step++
	lr := p.cfg.LR * p.schedule.Factor(p.step)

	if p.ema != nil {
		if err := p.ema.Step(p.model); err != nil {
			return TrainInfo{}, err
		}
	}

	return TrainInfo{
		Step:     p.step,
		Loss:     loss,
		GradNorm: gradNorm,
		LR:       lr,
		UpdateS:  time.Since(start).Seconds(),
	}, nil
}

// StateDict liefert alle Gewichte: Live-Gewichte unter ihrem Namen,
// Schattengewichte mit EMAPrefix.
func (p *Policy) StateDict() *nn.StateDict {
	sd := nn.NewStateDict()
	nn.Collect(sd, "", p.model.Parameters())
	if p.shadow != nil {
		nn.Collect(sd, EMAPrefix, p.shadow.Parameters())
	}
	return sd
}

// LoadStateDict uebernimmt die Gewichte aus sd. Fehlen alle Schattengewichte,
// werden sie mit einer Warnung aus den Live-Gewichten initialisiert. Jede andere
// Abweichung ist ein Fehler. Schluessel und Formen werden vollstaendig geprueft,
// bevor ein Gewicht ueberschrieben wird.
func (p *Policy) LoadStateDict(sd *nn.StateDict) error {
	type pair struct {
		param *nn.Param
		value *ml.Tensor
	}

	used := make(map[string]bool, sd.Len())
	var pairs []pair
	var missing, missingShadow []string

	match := func(name string, param *nn.Param) (bool, error) {
		t, ok := sd.Get(name)
		if !ok {
			return false, nil
		}
		used[name] = true
		if !ml.SameShape(param.Value, t) {
			return true, fmt.Errorf("load %s: shape %v does not match %v", name, t.Shape(), param.Value.Shape())
		}
		pairs = append(pairs, pair{param, t})
		return true, nil
	}

	for _, param := range p.model.Parameters() {
		ok, err := match(param.Name, param)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, param.Name)
		}
	}

	var shadowParams []*nn.Param
	if p.shadow != nil {
		shadowParams = p.shadow.Parameters()
		for _, param := range shadowParams {
			name := EMAPrefix + param.Name
			ok, err := match(name, param)
			if err != nil {
				return err
			}
			if !ok {
				missingShadow = append(missingShadow, name)
			}
		}
	}

	var unexpected []string
	for _, name := range sd.Keys() {
		if !used[name] {
			unexpected = append(unexpected, name)
		}
	}

	if len(missingShadow) > 0 && len(missingShadow) < len(shadowParams) {
		missing = append(missing, missingShadow...)
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		return &StateDictError{Missing: missing, Unexpected: unexpected}
	}

	for _, pr := range pairs {
		pr.param.Value.CopyFrom(pr.value)
	}

	if len(missingShadow) > 0 {
		slog.Warn("state dict has no ema weights, initializing them from the live weights")
		if err := copyParams(shadowParams, p.model.Parameters()); err != nil {
			return err
		}
	}
	return nil
}

// Save schreibt Gewichte und Konfiguration in eine safetensors-Datei
func (p *Policy) Save(path string) error {
	dtype, err := checkpoint.ParseDType(envconfig.CheckpointDType())
	if err != nil {
		return err
	}
	cfg, err := json.Marshal(p.cfg)
	if err != nil {
		return err
	}
	return checkpoint.Save(path, p.StateDict(), checkpoint.Metadata{
		DType:  dtype,
		Config: cfg,
		Extra:  map[string]string{"step": strconv.Itoa(p.step)},
	})
}

// Load baut eine Policy aus einer mit Save geschriebenen Datei.
// seed 0 nimmt den Seed aus der gespeicherten Konfiguration.
func Load(path string, seed uint64) (*Policy, error) {
	sd, meta, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	if len(meta.Config) == 0 {
		return nil, fmt.Errorf("load %s: checkpoint has no policy config", path)
	}
	cfg, err := ParseConfig(meta.Config)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if seed == 0 {
		seed = cfg.Seed
	}

	p, err := New(cfg, seed)
	if err != nil {
		return nil, err
	}
	if err := p.LoadStateDict(sd); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if s, ok := meta.Extra["step"]; ok {
		if p.step, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("load %s: step %q: %w", path, s, err)
		}
	}
	if p.ema != nil {
		p.ema.SetSteps(p.step)
	}
	return p, nil
}

// ParameterNames listet die Namen aller Gewichte in State-Dict-Reihenfolge
func (p *Policy) ParameterNames() []string {
	return p.StateDict().Keys()
}
