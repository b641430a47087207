package keyserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/models"
	"github.com/InsulaLabs/vessel/session"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/time/rate"
)

const maxFetchBody = 1 << 20

type ServerConfig struct {
	ObjectID  models.ID
	Name      string
	MasterKey []byte // x25519 scalar, generated when empty
	Policy    chain.DryRunner
	// RatePerSecond limits fetch_key requests. Zero means unlimited.
	RatePerSecond float64
	Burst         int
	Now           func() time.Time
	Logger        *slog.Logger
}

// Server is a development key server. It derives per-policy keys from its
// master key and releases them only for sessions whose policy check passes.
type Server struct {
	objectID models.ID
	name     string
	master   []byte
	public   [32]byte
	policy   chain.DryRunner
	limiter  *rate.Limiter
	now      func() time.Time
	logger   *slog.Logger
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Policy == nil {
		return nil, &models.ValidationError{Field: "keyserver.policy", Reason: "a policy checker is required"}
	}
	if cfg.ObjectID.IsZero() {
		return nil, &models.ValidationError{Field: "keyserver.objectId", Reason: "cannot be zero"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	master := cfg.MasterKey
	if len(master) == 0 {
		master = make([]byte, curve25519.ScalarSize)
		if _, err := rand.Read(master); err != nil {
			return nil, err
		}
	}
	if len(master) != curve25519.ScalarSize {
		return nil, &models.ValidationError{Field: "keyserver.masterKey", Reason: "must be 32 bytes"}
	}
	pub, err := curve25519.X25519(master, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	s := &Server{
		objectID: cfg.ObjectID,
		name:     cfg.Name,
		master:   master,
		policy:   cfg.Policy,
		now:      cfg.Now,
		logger:   cfg.Logger.WithGroup("keyserver").With("server", cfg.ObjectID.String()),
	}
	copy(s.public[:], pub)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return s, nil
}

func (s *Server) PublicKey() [32]byte { return s.public }

// Descriptor is the on-chain registration of this server at url.
func (s *Server) Descriptor(url string) models.KeyServer {
	return models.KeyServer{ObjectID: s.objectID, Name: s.name, URL: url, PublicKey: s.public}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/service", s.serviceHandler)
	mux.HandleFunc("POST /v1/fetch_key", s.fetchKeyHandler)
	return mux
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: code, Message: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) serviceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseID(r.URL.Query().Get("service_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidParameter, err.Error())
		return
	}
	if id != s.objectID {
		s.writeError(w, http.StatusNotFound, CodeUnknownService, "this server is "+s.objectID.String())
		return
	}
	s.writeJSON(w, ServiceResponse{
		ServiceID: s.objectID,
		PublicKey: base64.StdEncoding.EncodeToString(s.public[:]),
	})
}

func decodeField(name, v string, size int) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, &models.ValidationError{Field: name, Reason: "not base64"}
	}
	if size > 0 && len(b) != size {
		return nil, &models.ValidationError{Field: name, Reason: "wrong length"}
	}
	return b, nil
}

func (s *Server) fetchKeyHandler(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.writeError(w, http.StatusTooManyRequests, CodeRateLimited, "slow down")
		return
	}
	requestID := r.Header.Get(headerRequestID)

	var req FetchKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFetchBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidParameter, "invalid request body")
		return
	}
	ptb, err := decodeField("ptb", req.PTB, 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidParameter, err.Error())
		return
	}
	encKey, err := decodeField("enc_key", req.EncKey, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidParameter, err.Error())
		return
	}
	encapsulation, err := decodeField("encapsulation", req.Encapsulation, curve25519.PointSize)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidParameter, err.Error())
		return
	}
	reqSig, err := decodeField("request_signature", req.RequestSignature, ed25519.SignatureSize)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidParameter, err.Error())
		return
	}

	tx, err := chain.Decode(ptb)
	if err != nil || len(tx.Calls) == 0 {
		s.writeError(w, http.StatusBadRequest, CodeInvalidPTB, "undecodable policy check")
		return
	}
	pkg := tx.Calls[0].Package
	policyID, err := chain.ApprovedID(ptb, pkg)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidPTB, err.Error())
		return
	}

	vk, err := req.Certificate.Verify(pkg, s.now())
	if err != nil {
		var expired *models.ExpiredSessionError
		if errors.As(err, &expired) {
			s.writeError(w, http.StatusUnauthorized, CodeExpiredSession, err.Error())
			return
		}
		s.writeError(w, http.StatusUnauthorized, CodeInvalidCertificate, err.Error())
		return
	}
	if !ed25519.Verify(vk, session.RequestMessage(ptb, encKey, encapsulation), reqSig) {
		s.writeError(w, http.StatusBadRequest, CodeInvalidSignature, "request signature does not verify")
		return
	}

	if err := s.policy.DryRun(r.Context(), ptb, req.Certificate.User); err != nil {
		s.logger.Info("Policy check denied", "request_id", requestID, "policy", policyID.String(), "user", req.Certificate.User.String(), "error", err)
		s.writeError(w, http.StatusForbidden, CodeNoAccess, err.Error())
		return
	}

	shared, err := SharedSecret(s.master, encapsulation)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidParameter, err.Error())
		return
	}
	kek, err := DeriveKEK(shared, encapsulation, pkg, policyID, s.objectID)
	if err != nil {
		s.logger.Error("Key derivation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "key derivation failed")
		return
	}
	var recipient [32]byte
	copy(recipient[:], encKey)
	sealed, err := box.SealAnonymous(nil, kek[:], &recipient, rand.Reader)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "sealing failed")
		return
	}

	s.logger.Debug("Key released", "request_id", requestID, "policy", policyID.String(), "user", req.Certificate.User.String())
	s.writeJSON(w, FetchKeyResponse{DecryptionKeys: []DecryptionKey{{
		ID:           policyID,
		EncryptedKey: base64.StdEncoding.EncodeToString(sealed),
	}}})
}
