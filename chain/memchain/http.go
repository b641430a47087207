package memchain

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/models"
)

// Handler exposes Execute and DryRun over HTTP for chain.RPC. faucet caps
// a single faucet grant; zero disables the faucet route.
func (l *Ledger) Handler(faucet uint64) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+chain.PathExecute, l.executeHandler)
	mux.HandleFunc("POST "+chain.PathDryRun, l.dryRunHandler)
	if faucet > 0 {
		mux.HandleFunc("POST "+chain.PathFaucet, func(w http.ResponseWriter, r *http.Request) {
			var req chain.FaucetRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address.IsZero() {
				writeCallError(w, http.StatusBadRequest, chain.CallErrorResponse{Message: "invalid faucet request"})
				return
			}
			amount := req.Amount
			if amount == 0 || amount > faucet {
				amount = faucet
			}
			l.Fund(req.Address, amount)
			l.logger.Info("faucet grant", "address", req.Address.String(), "amount", amount)
			w.WriteHeader(http.StatusNoContent)
		})
	}
	return mux
}

func writeCallError(w http.ResponseWriter, status int, body chain.CallErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondErr(w http.ResponseWriter, err error) {
	var ce *models.ChainCallError
	if errors.As(err, &ce) {
		writeCallError(w, http.StatusUnprocessableEntity, chain.CallErrorResponse{Kind: ce.Kind, Call: ce.Call, Abort: ce.Abort, Message: err.Error()})
		return
	}
	writeCallError(w, http.StatusBadRequest, chain.CallErrorResponse{Message: err.Error()})
}

func (l *Ledger) executeHandler(w http.ResponseWriter, r *http.Request) {
	var req chain.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, err)
		return
	}
	tx, err := base64.StdEncoding.DecodeString(req.Tx)
	if err != nil {
		respondErr(w, err)
		return
	}
	sig, err := models.ParseSignatureString(req.Signature)
	if err != nil {
		respondErr(w, err)
		return
	}
	fx, err := l.Execute(r.Context(), tx, sig)
	if err != nil {
		respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fx)
}

func (l *Ledger) dryRunHandler(w http.ResponseWriter, r *http.Request) {
	var req chain.DryRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, err)
		return
	}
	tx, err := base64.StdEncoding.DecodeString(req.Tx)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := l.DryRun(r.Context(), tx, req.Sender); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
