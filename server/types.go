package server

// PolicyInfo beschreibt die geladene Policy
type PolicyInfo struct {
	NObsSteps    int    `json:"n_obs_steps"`
	Horizon      int    `json:"horizon"`
	NActionSteps int    `json:"n_action_steps"`
	StateDim     int    `json:"state_dim"`
	ActionDim    int    `json:"action_dim"`
	ImageShape   [3]int `json:"image_shape"`
	Backbone     string `json:"vision_backbone"`
	Prediction   string `json:"prediction_type"`
	Parameters   int    `json:"parameters"`
	EMA          bool   `json:"ema"`
	Step         int    `json:"step"`
	Session      string `json:"session"`
}

type ResetResponse struct {
	Session string `json:"session"`
}

// ActRequest ist eine Beobachtung. Genau eines von Image und Pixels muss gesetzt sein.
type ActRequest struct {
	Session string `json:"session,omitempty"`
	// Image ist ein base64-kodiertes Bild (JPEG, PNG, WebP, BMP, TIFF)
	Image string `json:"image,omitempty"`
	// Pixels ist das Bild als [3, H, W] in Zeilenreihenfolge mit Werten in [0, 1]
	Pixels []float64 `json:"pixels,omitempty"`
	State  []float64 `json:"state"`
}

type ActResponse struct {
	Action    []float64 `json:"action"`
	Replanned bool      `json:"replanned"`
	Pending   int       `json:"pending"`
	Session   string    `json:"session"`
}

type RunResponse struct {
	ID         string  `json:"id"`
	StartedAt  string  `json:"started_at"`
	FinishedAt string  `json:"finished_at,omitempty"`
	Steps      int     `json:"steps"`
	LastLoss   float64 `json:"last_loss"`
	Checkpoint string  `json:"checkpoint,omitempty"`
}
