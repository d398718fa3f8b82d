// services/gateway/rest.go
package gateway

import (
	"net/http"

	"benchlab-go/errcode"
	"benchlab-go/types"
)

// ---- devices ----

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": s.sessions.Count(),
	})
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	sums := s.sessions.Summaries()
	aliases := s.library.Aliases()
	for i := range sums {
		sums[i].Alias = aliases[sums[i].ID]
	}
	writeJSON(w, http.StatusOK, sums)
}

func (s *Server) handleDeviceState(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.State(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.sessions.History(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode types.Mode `json:"mode"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.sessions.SetMode(r.Context(), r.PathValue("id"), body.Mode); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleSetOutput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.sessions.SetOutput(r.Context(), r.PathValue("id"), body.Enabled); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleSetValue writes one setpoint. Writes are debounced unless the
// body asks for an immediate write.
func (s *Server) handleSetValue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value     *float64 `json:"value"`
		Immediate bool     `json:"immediate"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if body.Value == nil {
		s.writeErr(w, r, &errcode.E{C: errcode.BadRequest, Op: "gateway.setValue",
			Msg: "body must carry a numeric value field"})
		return
	}
	err := s.sessions.SetValue(r.Context(), r.PathValue("id"), r.PathValue("name"),
		*body.Value, body.Immediate)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// ---- sequence runs ----

func (s *Server) handleRunState(w http.ResponseWriter, r *http.Request) {
	st, ok := s.sequences.Active(r.PathValue("id"))
	if !ok {
		s.writeErr(w, r, &errcode.E{C: errcode.SequenceNotFound, Op: "gateway.runState",
			Msg: "no active sequence run on this device"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRunAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.sequences.Abort(r.PathValue("id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRunPause(w http.ResponseWriter, r *http.Request) {
	if err := s.sequences.Pause(r.PathValue("id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRunResume(w http.ResponseWriter, r *http.Request) {
	if err := s.sequences.Resume(r.PathValue("id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleSequenceRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sequences.States())
}

func (s *Server) handleSequenceRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID    string           `json:"deviceId"`
		Parameter   string           `json:"parameter"`
		Repeat      types.RepeatMode `json:"repeat"`
		RepeatCount int              `json:"repeatCount"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}
	cfg := types.SequenceRunConfig{
		SequenceID:  r.PathValue("id"),
		DeviceID:    body.DeviceID,
		Parameter:   body.Parameter,
		Repeat:      body.Repeat,
		RepeatCount: body.RepeatCount,
	}
	if cfg.Repeat == "" {
		cfg.Repeat = types.RepeatOnce
	}
	st, err := s.sequences.Run(r.Context(), cfg)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ---- sequence library ----

func (s *Server) handleSequenceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.library.Sequences())
}

func (s *Server) handleSequenceGet(w http.ResponseWriter, r *http.Request) {
	def, ok := s.library.Sequence(r.PathValue("id"))
	if !ok {
		s.writeErr(w, r, &errcode.E{C: errcode.SequenceNotFound, Op: "gateway.sequenceGet",
			Msg: "no such sequence"})
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleSequenceCreate(w http.ResponseWriter, r *http.Request) {
	var def types.SequenceDefinition
	if err := decodeJSON(r, &def); err != nil {
		s.writeErr(w, r, err)
		return
	}
	def.ID = "" // POST always creates
	stored, err := s.library.SaveSequence(def)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleSequenceUpdate(w http.ResponseWriter, r *http.Request) {
	var def types.SequenceDefinition
	if err := decodeJSON(r, &def); err != nil {
		s.writeErr(w, r, err)
		return
	}
	def.ID = r.PathValue("id")
	stored, err := s.library.SaveSequence(def)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleSequenceDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.library.DeleteSequence(r.PathValue("id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// ---- trigger library ----

func (s *Server) handleTriggerList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.library.TriggerScripts())
}

func (s *Server) handleTriggerGet(w http.ResponseWriter, r *http.Request) {
	script, ok := s.library.TriggerScript(r.PathValue("id"))
	if !ok {
		s.writeErr(w, r, &errcode.E{C: errcode.ScriptNotFound, Op: "gateway.triggerGet",
			Msg: "no such trigger script"})
		return
	}
	writeJSON(w, http.StatusOK, script)
}

func (s *Server) handleTriggerCreate(w http.ResponseWriter, r *http.Request) {
	var script types.TriggerScript
	if err := decodeJSON(r, &script); err != nil {
		s.writeErr(w, r, err)
		return
	}
	script.ID = ""
	stored, err := s.library.SaveTriggerScript(script)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleTriggerUpdate(w http.ResponseWriter, r *http.Request) {
	var script types.TriggerScript
	if err := decodeJSON(r, &script); err != nil {
		s.writeErr(w, r, err)
		return
	}
	script.ID = r.PathValue("id")
	stored, err := s.library.SaveTriggerScript(script)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleTriggerDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.library.DeleteTriggerScript(r.PathValue("id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// ---- trigger execution ----

func (s *Server) handleTriggerRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.triggers.States())
}

func (s *Server) handleTriggerStart(w http.ResponseWriter, r *http.Request) {
	st, err := s.triggers.Start(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTriggerStop(w http.ResponseWriter, r *http.Request) {
	if err := s.triggers.Stop(r.PathValue("id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleTriggerPause(w http.ResponseWriter, r *http.Request) {
	if err := s.triggers.Pause(r.PathValue("id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleTriggerResume(w http.ResponseWriter, r *http.Request) {
	if err := s.triggers.Resume(r.PathValue("id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// ---- aliases ----

func (s *Server) handleAliasesGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.library.Aliases())
}

func (s *Server) handleAliasesPut(w http.ResponseWriter, r *http.Request) {
	var aliases map[string]string
	if err := decodeJSON(r, &aliases); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.library.SetAliases(aliases); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
