package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"mirador/internal/domain"
)

// InterfaceHeader names the caller's front-end on control-plane requests.
const InterfaceHeader = "X-Mirador-Interface"

// TokenResponse is the body of GET /session/token. Serving the token in the
// clear is acceptable only because the server binds to loopback.
type TokenResponse struct {
	Token string `json:"token"`
}

// LockStateResponse is the body of GET /session/lock-state.
type LockStateResponse struct {
	Held       bool                 `json:"held"`
	Interface  domain.LockInterface `json:"interface,omitempty"`
	Mode       domain.LockMode      `json:"mode,omitempty"`
	PID        int                  `json:"pid,omitempty"`
	AcquiredAt *time.Time           `json:"acquired_at,omitempty"`
}

// LockRequest is the body of POST /session/lock.
type LockRequest struct {
	Interface domain.LockInterface `json:"interface"`
	Mode      domain.LockMode      `json:"mode"`
}

// LockResponse is the body of POST /session/lock.
type LockResponse struct {
	Acquired bool               `json:"acquired"`
	Holder   *LockStateResponse `json:"holder,omitempty"`
}

// LockConflictResponse is the 423 body returned when the other front-end
// holds the write lock.
type LockConflictResponse struct {
	Code   domain.ErrorCode  `json:"code"`
	Error  string            `json:"error"`
	Holder LockStateResponse `json:"holder"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: s.verifier.Token()})
}

func (s *Server) handleLockState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.locks.Holder()
	if err != nil {
		http.Error(w, "lock state unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, lockState(rec))
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleLockAcquire(w, r)
	case http.MethodDelete:
		s.handleLockRelease(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acquired, err := s.locks.Acquire(req.Interface, req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := LockResponse{Acquired: acquired}
	if !acquired {
		// Denial is a normal control-flow outcome, not an error; report
		// the current holder so the caller can display it.
		if rec, herr := s.locks.Holder(); herr == nil && rec != nil {
			hs := lockState(rec)
			resp.Holder = &hs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("force") == "true" {
		if err := s.locks.ForceUnlock(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.locks.Release(req.Interface); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequireWriteLock guards a collaborator's mutating endpoint: the request is
// rejected with 423 Locked when the write lock is held by the other
// interface. The caller names its front-end in the X-Mirador-Interface
// header. Read/observation endpoints must not use this guard.
func RequireWriteLock(locks domain.SessionLocker, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		iface := domain.LockInterface(r.Header.Get(InterfaceHeader))
		if !iface.Valid() {
			http.Error(w, "missing or invalid "+InterfaceHeader+" header", http.StatusBadRequest)
			return
		}
		held, err := locks.IsWriteHeldByOther(iface)
		if err != nil {
			http.Error(w, "lock state unavailable", http.StatusInternalServerError)
			return
		}
		if held {
			rec, _ := locks.Holder()
			writeJSON(w, http.StatusLocked, LockConflictResponse{
				Code:   domain.ErrorCodeOf(domain.ErrLockConflict),
				Error:  domain.ErrLockConflict.Error(),
				Holder: lockState(rec),
			})
			return
		}
		next(w, r)
	}
}

func lockState(rec *domain.LockRecord) LockStateResponse {
	if rec == nil {
		return LockStateResponse{Held: false}
	}
	at := rec.AcquiredAt
	return LockStateResponse{
		Held:       true,
		Interface:  rec.Interface,
		Mode:       rec.Mode,
		PID:        rec.PID,
		AcquiredAt: &at,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
