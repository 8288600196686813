package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clay-spfmlp/agile-hub/internal/engine"
	"github.com/clay-spfmlp/agile-hub/internal/hub"
)

type createRequest struct {
	Name          string        `json:"name,omitempty"`
	Scale         string        `json:"scale,omitempty"`
	ScaleValues   []engine.Card `json:"scaleValues,omitempty"`
	AutoReveal    bool          `json:"autoReveal"`
	AllowRevoting bool          `json:"allowRevoting"`
	TimerSeconds  int           `json:"timerSeconds,omitempty"`
	Items         []itemRequest `json:"items,omitempty"`
}

type itemRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type createResponse struct {
	Code string `json:"code"`
}

func CreateSession(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		// An empty body is fine; malformed json is not.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}

		items := make([]*engine.Item, 0, len(req.Items))
		for _, it := range req.Items {
			items = append(items, &engine.Item{
				ID:          uuid.NewString(),
				Title:       it.Title,
				Description: it.Description,
			})
		}

		reply := make(chan hub.CreateResult, 1)
		h.Inbox() <- hub.Create{
			Params: hub.CreateParams{
				Name:        req.Name,
				ScaleName:   req.Scale,
				ScaleValues: req.ScaleValues,
				Settings: engine.Settings{
					AutoReveal:    req.AutoReveal,
					AllowRevoting: req.AllowRevoting,
					TimerDuration: time.Duration(req.TimerSeconds) * time.Second,
				},
				Items: items,
			},
			Reply: reply,
		}
		res := <-reply
		if res.Err != nil {
			status := http.StatusBadRequest
			if errors.Is(res.Err, hub.ErrTooManySessions) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, res.Err.Error(), status)
			return
		}

		log.Info("session created over http", zap.String("code", res.Code))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(createResponse{Code: res.Code})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
