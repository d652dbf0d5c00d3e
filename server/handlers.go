package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	dictcache "github.com/wolfeidau/dictionary-cache"
	"github.com/wolfeidau/dictionary-cache/store/dictdb"
	"github.com/wolfeidau/dictionary-cache/telemetry"
)

// writeJSON writes v as a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		telemetry.SetOutcome(r, telemetry.OutcomeError)
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		telemetry.SetOutcome(r, telemetry.OutcomeRejected)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

type totalsResponse struct {
	TotalSize  uint64 `json:"total_size"`
	TotalCount uint64 `json:"total_count"`
}

// handleTotals reports the store's running totals.
func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "totals")

	size, err := s.store.TotalSize(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	count, err := s.store.TotalCount(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	telemetry.SetOutcome(r, telemetry.OutcomeOK)
	telemetry.RecordStoreTotals(r.Context(), size, count)
	s.writeJSON(w, http.StatusOK, totalsResponse{TotalSize: size, TotalCount: count})
}

type dictionaryGroup struct {
	IsolationKey dictcache.IsolationKey  `json:"isolation_key"`
	Dictionaries []dictcache.Dictionary  `json:"dictionaries"`
}

// handleListDictionaries lists records for one isolation key when
// frame_origin and top_frame_site query parameters are given, or every
// record grouped by isolation key otherwise.
func (s *Server) handleListDictionaries(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "list")
	telemetry.SetEndpoint(r, "dictionaries")

	key := dictcache.IsolationKey{
		FrameOrigin:  r.URL.Query().Get("frame_origin"),
		TopFrameSite: r.URL.Query().Get("top_frame_site"),
	}

	if key.FrameOrigin == "" && key.TopFrameSite == "" {
		all, err := s.store.GetAllDictionaries(r.Context())
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, err)
			return
		}

		groups := make([]dictionaryGroup, 0, len(all))
		for k, dicts := range all {
			groups = append(groups, dictionaryGroup{IsolationKey: k, Dictionaries: dicts})
		}
		sort.Slice(groups, func(i, j int) bool {
			return groups[i].IsolationKey.String() < groups[j].IsolationKey.String()
		})

		telemetry.SetOutcome(r, telemetry.OutcomeOK)
		s.writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
		return
	}

	if !key.Valid() {
		s.writeError(w, r, http.StatusBadRequest,
			errors.New("frame_origin and top_frame_site are both required"))
		return
	}

	dicts, err := s.store.GetDictionaries(r.Context(), key)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if dicts == nil {
		dicts = []dictcache.Dictionary{}
	}

	telemetry.SetOutcome(r, telemetry.OutcomeOK)
	s.writeJSON(w, http.StatusOK, map[string]any{"dictionaries": dicts})
}

type registerRequest struct {
	FrameOrigin  string               `json:"frame_origin"`
	TopFrameSite string               `json:"top_frame_site"`
	Dictionary   dictcache.Dictionary `json:"dictionary"`
}

type registerResponse struct {
	RowID         int64              `json:"row_id"`
	Token         dictcache.Token    `json:"token"`
	ReplacedToken *dictcache.Token   `json:"replaced_token,omitempty"`
	EvictedTokens []dictcache.Token  `json:"evicted_tokens,omitempty"`
	TotalSize     uint64             `json:"total_size"`
	TotalCount    uint64             `json:"total_count"`
}

// handleRegister stores a dictionary record, replacing any record with the
// same identity and trimming the site back within its per-site budget.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "register")
	telemetry.SetEndpoint(r, "dictionaries")

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	key := dictcache.IsolationKey{FrameOrigin: req.FrameOrigin, TopFrameSite: req.TopFrameSite}
	if !key.Valid() {
		s.writeError(w, r, http.StatusBadRequest,
			errors.New("frame_origin and top_frame_site are both required"))
		return
	}

	dict := req.Dictionary
	if dict.URL == "" || dict.Match == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("dictionary url and match are required"))
		return
	}
	if _, err := dict.Host(); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if dict.Token.IsZero() {
		dict.Token = dictcache.NewToken()
	}
	now := time.Now()
	if dict.ResponseTime.IsZero() {
		dict.ResponseTime = now
	}
	if dict.ExpirationTime.IsZero() {
		s.writeError(w, r, http.StatusBadRequest, errors.New("dictionary expiration_time is required"))
		return
	}

	res, err := s.store.Register(r.Context(), key, dict, s.config.MaxSizePerSite, s.config.MaxCountPerSite)
	if err != nil {
		telemetry.RecordRegistration(r.Context(), telemetry.OutcomeRejected, false)
		switch {
		case errors.Is(err, dictdb.ErrDictionaryTooBig), errors.Is(err, dictdb.ErrInvalidCountLimit):
			s.writeError(w, r, http.StatusBadRequest, err)
		default:
			s.writeError(w, r, http.StatusInternalServerError, err)
		}
		return
	}

	telemetry.SetOutcome(r, telemetry.OutcomeOK)
	telemetry.RecordRegistration(r.Context(), telemetry.OutcomeOK, res.ReplacedToken != nil)
	telemetry.RecordEvictions(r.Context(), "per_site", len(res.EvictedTokens))
	telemetry.RecordStoreTotals(r.Context(), res.TotalSize, res.TotalCount)

	s.writeJSON(w, http.StatusOK, registerResponse{
		RowID:         res.RowID,
		Token:         dict.Token,
		ReplacedToken: res.ReplacedToken,
		EvictedTokens: res.EvictedTokens,
		TotalSize:     res.TotalSize,
		TotalCount:    res.TotalCount,
	})
}

type clearRequest struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Origin string    `json:"origin"`
}

type clearResponse struct {
	Deleted int               `json:"deleted"`
	Tokens  []dictcache.Token `json:"tokens,omitempty"`
}

// handleClear deletes records in a response-time window, optionally
// filtered by origin or host. An empty request body clears the whole store.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "clear")

	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if req.Start.IsZero() && req.End.IsZero() && req.Origin == "" {
		if err := s.store.ClearAll(r.Context()); err != nil {
			s.writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		telemetry.SetOutcome(r, telemetry.OutcomeOK)
		s.writeJSON(w, http.StatusOK, clearResponse{})
		return
	}

	if req.End.IsZero() {
		req.End = time.Now().Add(time.Second)
	}

	var matcher dictdb.URLMatcher
	if req.Origin != "" {
		origin := req.Origin
		matcher = func(originOrHost string) bool { return originOrHost == origin }
	}

	tokens, err := s.store.Clear(r.Context(), req.Start, req.End, matcher)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	telemetry.SetOutcome(r, telemetry.OutcomeOK)
	telemetry.RecordEvictions(r.Context(), "clear", len(tokens))
	s.writeJSON(w, http.StatusOK, clearResponse{Deleted: len(tokens), Tokens: tokens})
}

type evictResponse struct {
	Evicted int               `json:"evicted"`
	Tokens  []dictcache.Token `json:"tokens,omitempty"`
}

// handleEvict runs a maintenance pass. With a sweeper attached, this is a
// full sweep (expiry plus global budget); otherwise it runs the global
// budget against the store directly.
func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "evict")

	if s.sweeper != nil {
		res := s.sweeper.RunNow(r.Context())
		telemetry.SetOutcome(r, telemetry.OutcomeOK)
		s.writeJSON(w, http.StatusOK, res)
		return
	}

	tokens, err := s.store.ProcessEviction(r.Context(), s.config.Budget)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	telemetry.SetOutcome(r, telemetry.OutcomeOK)
	telemetry.RecordEvictions(r.Context(), "global", len(tokens))
	s.writeJSON(w, http.StatusOK, evictResponse{Evicted: len(tokens), Tokens: tokens})
}

// handleSweepStatus reports the last sweep result.
func (s *Server) handleSweepStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOperation(r, "sweep_status")

	if s.sweeper == nil {
		s.writeError(w, r, http.StatusNotFound, errors.New("sweeper not enabled"))
		return
	}

	status := s.sweeper.Status()
	if status == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "never_run"})
		return
	}

	telemetry.SetOutcome(r, telemetry.OutcomeOK)
	s.writeJSON(w, http.StatusOK, status)
}
