package api

import (
	"net/http"

	"github.com/brucemcpherson/effex-fb/internal/access"
	"github.com/brucemcpherson/effex-fb/internal/result"
)

// infoResponse answers /info and /ping.
type infoResponse struct {
	result.Result
	API     string `json:"api,omitempty"`
	Version string `json:"version,omitempty"`
	Value   string `json:"value,omitempty"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	resp := infoResponse{Result: result.Good(), API: s.name, Version: s.version}
	writeResult(w, resp.Result, resp)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	resp := infoResponse{Result: result.Good(), Value: "PONG"}
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	pack := s.access.Validate(r.Context(), p.str("key"), p.str("unlock"))
	writeResult(w, pack.Result, pack)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	resp := s.access.WriteItem(r.Context(), access.WriteParams{
		Writer:   p.str("writer"),
		Data:     p.data(),
		Lifetime: p.num("lifetime"),
		Readers:  p.list("readers"),
		Updaters: p.list("updaters"),
		Alias:    p.str("alias"),
		Session:  p.str("session"),
		Unlock:   p.str("unlock"),
	})
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	resp := s.access.ReadItem(r.Context(), access.ReadParams{
		Key:       p.str("reader"),
		ID:        p.str("id"),
		Intention: p.str("intention"),
		Session:   p.str("session"),
		Unlock:    p.str("unlock"),
	})
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	resp := s.access.UpdateItem(r.Context(), access.UpdateParams{
		Key:      p.str("updater"),
		ID:       p.str("id"),
		Data:     p.data(),
		Intent:   p.str("intent"),
		Readers:  p.list("readers"),
		Updaters: p.list("updaters"),
		Lifetime: p.num("lifetime"),
		Session:  p.str("session"),
		Unlock:   p.str("unlock"),
	})
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	resp := s.access.RemoveItem(r.Context(), access.RemoveParams{
		Key:     p.str("writer"),
		ID:      p.str("id"),
		Session: p.str("session"),
		Unlock:  p.str("unlock"),
	})
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleRegisterAlias(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	resp := s.access.RegisterAlias(r.Context(), access.AliasParams{
		Writer:  p.str("writer"),
		Key:     p.str("key"),
		Alias:   p.str("alias"),
		ID:      p.str("id"),
		Session: p.str("session"),
		Unlock:  p.str("unlock"),
	})
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleReleaseIntent(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	resp := s.access.ReleaseIntent(r.Context(), p.str("updater"), p.str("id"), p.str("intent"), p.str("session"))
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleOnRegister(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	event := p.str("event")
	if event == "all" {
		event = ""
	}
	resp := s.access.OnRegister(r.Context(), access.WatchParams{
		Key:     p.str("reader"),
		ID:      p.str("id"),
		Event:   event,
		URL:     p.str("url"),
		Session: p.str("session"),
		Unlock:  p.str("unlock"),
	})
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleOffRegister(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	resp := s.access.OffRegister(r.Context(), p.str("key"), p.str("watchable"), p.str("session"))
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleGetWatchable(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	resp := s.access.GetWatchable(r.Context(), p.str("reader"), p.str("watchable"))
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleEventLog(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	resp := s.access.GetEventLog(r.Context(), p.str("reader"), p.str("watchable"), p.num("since"))
	writeResult(w, resp.Result, resp)
}

// handlePush upgrades to a websocket streaming a watchable's event
// packets. The watchable must exist and the key must be able to see it.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	watchableID := p.str("watchable")
	state := s.access.GetWatchable(r.Context(), p.str("key"), watchableID)
	if !state.OK {
		writeResult(w, state.Result, state)
		return
	}
	s.hub.ServeWS(w, r, watchableID)
}

func (s *Server) handleGenerateKeys(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	count := int(p.num("count"))
	if count == 0 {
		count = 1
	}
	resp := s.access.GenerateKeys(r.Context(), access.GenerateParams{
		Boss:    p.str("bosskey"),
		Type:    p.str("mode"),
		Count:   count,
		Days:    int(p.num("days")),
		Seconds: p.num("seconds"),
		Lock:    p.str("lock"),
		Unlock:  p.str("unlock"),
	})
	writeResult(w, resp.Result, resp)
}

// admin handlers

type loginResponse struct {
	result.Result
	Token string `json:"token,omitempty"`
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	token, lr := s.adm.Login(p.str("adminkey"))
	writeResult(w, lr, loginResponse{Result: lr, Token: token})
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	resp := s.adm.AddAccount(r.Context(), p.str("plan"))
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	resp := s.adm.GetAccount(r.Context(), p.str("accountid"))
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	resp := s.adm.UpdateAccount(r.Context(), p.str("accountid"), p.str("active") != "false")
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	writeResult(w, s.adm.RemoveAccount(r.Context(), p.str("accountid")), nil)
}

func (s *Server) handleGenerateBoss(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	resp := s.adm.GenerateBoss(r.Context(), p.str("accountid"), int(p.num("days")))
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleGetBosses(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	resp := s.adm.GetBosses(r.Context(), p.str("accountid"))
	writeResult(w, resp.Result, resp)
}

func (s *Server) handleRemoveBosses(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	writeResult(w, s.adm.RemoveBosses(r.Context(), p.str("accountid")), nil)
}

func (s *Server) handlePruneBosses(w http.ResponseWriter, r *http.Request) {
	p := parseParams(r)
	writeResult(w, s.adm.PruneBosses(r.Context(), p.str("accountid")), nil)
}

type sweepResponse struct {
	result.Result
	Removed int64 `json:"removed"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.adm.Sweep(r.Context())
	if err != nil {
		writeResult(w, result.Fail(result.Internal, err.Error()), nil)
		return
	}
	resp := sweepResponse{Result: result.Good(), Removed: n}
	writeResult(w, resp.Result, resp)
}
