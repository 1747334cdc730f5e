package offline0

import (
	"encoding/json"
	"io"
	"net/http"

	perrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog/hlog"
)

const controlPrefix = "/.offline0"

const maxMessageBytes = 64 << 10

type statusResponse struct {
	Lifecycle LifecycleStatus `json:"lifecycle"`
	Serving   string          `json:"serving"`
	Strategy  Strategy        `json:"strategy"`
	Storage   storageStatus   `json:"storage"`
	Clients   int             `json:"clients"`
	Responses statsSnapshot   `json:"responses"`
}

type storageStatus struct {
	Driver string `json:"driver"`
	Bytes  int64  `json:"bytes,omitempty"`
	Max    int64  `json:"max,omitempty"`
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, perrors.Wrap(err, perrors.CodeInvalidInput, "read message"))
		return
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, perrors.Wrap(err, perrors.CodeInvalidInput, "malformed message"))
		return
	}
	hlog.FromRequest(r).Debug().Str("type", msg.Type).Msg("Control message")
	s.lifecycle.HandleMessage(msg)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := statusResponse{
		Lifecycle: s.lifecycle.Status(),
		Serving:   s.engine.Current(),
		Strategy:  s.engine.Strategy(),
		Storage: storageStatus{
			Driver: s.cfg.Storage.Driver,
			Max:    int64(s.cfg.Storage.Max),
		},
		Responses: s.engine.snapshot(),
	}
	if n, ok := s.storageBytes(); ok {
		st.Storage.Bytes = n
	}
	if cs, err := s.clients.Clients(r.Context()); err == nil {
		st.Clients = len(cs)
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, perrors.ToJSON(err))
}
