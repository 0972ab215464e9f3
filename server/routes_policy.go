// routes_policy.go - Handler fuer Policy-Abfrage, Reset und Regelschritte
// Enthaelt: PolicyHandler, ResetHandler, ActHandler, RunsHandler, StepsHandler

package server

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/ml/nn"
	"github.com/ollama/diffpolicy/policy"
	"github.com/ollama/diffpolicy/store"
	"github.com/ollama/diffpolicy/vision"
)

// PolicyHandler liefert Konfiguration, Parameterzahl und EMA-Verfuegbarkeit
func (s *Server) PolicyHandler(c *gin.Context) {
	if s.policy == nil {
		writeError(c, ErrPolicyNotLoaded)
		return
	}
	if err := s.sem.Acquire(c.Request.Context(), 1); err != nil {
		writeError(c, err)
		return
	}
	defer s.sem.Release(1)

	cfg := s.policy.Config()
	c.JSON(http.StatusOK, PolicyInfo{
		NObsSteps:    cfg.NObsSteps,
		Horizon:      cfg.Horizon,
		NActionSteps: cfg.NActionSteps,
		StateDim:     cfg.EffectiveStateDim(),
		ActionDim:    cfg.ActionDim,
		ImageShape:   cfg.ImageShape,
		Backbone:     cfg.VisionBackbone,
		Prediction:   cfg.PredictionType,
		Parameters:   nn.CountTrainable(s.policy.Model().Parameters()),
		EMA:          s.policy.HasEMA(),
		Step:         s.policy.Step(),
		Session:      s.session,
	})
}

// ResetHandler leert die Queues und vergibt eine neue Session
func (s *Server) ResetHandler(c *gin.Context) {
	if s.policy == nil {
		writeError(c, ErrPolicyNotLoaded)
		return
	}
	if err := s.sem.Acquire(c.Request.Context(), 1); err != nil {
		writeError(c, err)
		return
	}
	defer s.sem.Release(1)

	s.policy.Reset()
	s.session = uuid.New().String()
	c.JSON(http.StatusOK, ResetResponse{Session: s.session})
}

// ActHandler nimmt eine Beobachtung entgegen und liefert die naechste Aktion
func (s *Server) ActHandler(c *gin.Context) {
	if s.policy == nil {
		writeError(c, ErrPolicyNotLoaded)
		return
	}

	var req ActRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, APIError{Code: "INVALID_REQUEST", Message: err.Error()})
		return
	}

	cfg := s.policy.Config()
	obs, err := observationFromRequest(&req, &cfg)
	if err != nil {
		writeError(c, err)
		return
	}

	if err := s.sem.Acquire(c.Request.Context(), 1); err != nil {
		writeError(c, err)
		return
	}
	defer s.sem.Release(1)

	if req.Session != "" && req.Session != s.session {
		writeError(c, fmt.Errorf("%w: %s", ErrSessionMismatch, req.Session))
		return
	}

	before := s.policy.Replans()
	action, err := s.policy.SelectAction(c.Request.Context(), obs)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ActResponse{
		Action:    slices.Clone(action.Data()),
		Replanned: s.policy.Replans() != before,
		Pending:   s.policy.Queues().Pending(),
		Session:   s.session,
	})
}

// observationFromRequest baut eine Beobachtung mit Batch-Groesse 1
func observationFromRequest(req *ActRequest, cfg *policy.Config) (policy.Observation, error) {
	c, h, w := cfg.ImageShape[0], cfg.ImageShape[1], cfg.ImageShape[2]

	var img *ml.Tensor
	switch {
	case req.Image != "" && req.Pixels != nil:
		return nil, fmt.Errorf("%w: set either image or pixels, not both", ErrInvalidImage)
	case req.Image != "":
		data, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
		}
		decoded, err := vision.LoadImageFromBytes(data)
		if err != nil {
			return nil, err
		}
		if img, err = vision.Batch([]*vision.ImageInput{decoded}, h, w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
	case req.Pixels != nil:
		if len(req.Pixels) != c*h*w {
			return nil, fmt.Errorf("%w: got %d pixel values, expected %d (%dx%dx%d)", ErrInvalidImage, len(req.Pixels), c*h*w, c, h, w)
		}
		img = ml.FromSlice(slices.Clone(req.Pixels), 1, c, h, w)
	default:
		return nil, fmt.Errorf("%w: image or pixels required", ErrInvalidImage)
	}

	if len(req.State) != cfg.EffectiveStateDim() {
		return nil, fmt.Errorf("%w: got %d values, expected %d", ErrInvalidState, len(req.State), cfg.EffectiveStateDim())
	}
	state := ml.FromSlice(slices.Clone(req.State), 1, len(req.State))

	return policy.NewObservation(img, state), nil
}

// RunsHandler listet die aufgezeichneten Trainingslaeufe
func (s *Server) RunsHandler(c *gin.Context) {
	if s.store == nil {
		writeError(c, ErrStoreNotConfigured)
		return
	}

	runs, err := s.store.Runs()
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		rr := RunResponse{
			ID:         r.ID,
			StartedAt:  r.StartedAt.UTC().Format(time.RFC3339),
			Steps:      r.Steps,
			LastLoss:   r.LastLoss,
			Checkpoint: r.Checkpoint,
		}
		if r.FinishedAt != nil {
			rr.FinishedAt = r.FinishedAt.UTC().Format(time.RFC3339)
		}
		resp = append(resp, rr)
	}
	c.JSON(http.StatusOK, gin.H{"runs": resp})
}

// StepsHandler liefert die Schritt-Metriken eines Laufs
func (s *Server) StepsHandler(c *gin.Context) {
	if s.store == nil {
		writeError(c, ErrStoreNotConfigured)
		return
	}

	steps, err := s.store.Steps(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if steps == nil {
		steps = []store.Step{}
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps})
}
