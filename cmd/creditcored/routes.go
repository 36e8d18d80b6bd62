package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/creditcore/corebank/internal/collateral"
	"github.com/creditcore/corebank/internal/creditfacility"
	"github.com/creditcore/corebank/internal/governance"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func mountCreditFacilityRoutes(r chi.Router, svc *creditfacility.Service) {
	r.Route("/credit-facilities", func(cr chi.Router) {
		cr.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				CustomerID     uuid.UUID             `json:"customer_id"`
				Terms          creditfacility.Terms  `json:"terms"`
				AmountUSDMinor int64                 `json:"amount_usd_minor"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			id, entity, err := svc.Create(req.Context(), subjectFromContext(req.Context()), body.CustomerID, body.Terms, body.AmountUSDMinor)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"id": id, "entity": entity})
		})

		cr.Post("/{id}/approve", func(w http.ResponseWriter, req *http.Request) {
			id, err := uuid.Parse(chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			var body struct {
				Approved             bool   `json:"approved"`
				Reason               string `json:"reason"`
				FacilityAccountID    string `json:"facility_account_id"`
				CollateralAccountID  string `json:"collateral_account_id"`
				CustodyWalletRef     string `json:"custody_wallet_ref"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			entity, err := svc.Approve(req.Context(), subjectFromContext(req.Context()), id, body.Approved, body.Reason,
				body.FacilityAccountID, body.CollateralAccountID, body.CustodyWalletRef)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, entity)
		})

		cr.Post("/{id}/collateralization", func(w http.ResponseWriter, req *http.Request) {
			id, err := uuid.Parse(chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			var body struct {
				CollateralSats int64   `json:"collateral_sats"`
				PriceUSDPerBTC float64 `json:"price_usd_per_btc"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			entity, err := svc.UpdateCollateralization(req.Context(), subjectFromContext(req.Context()), id, body.CollateralSats, body.PriceUSDPerBTC)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, entity)
		})

		cr.Post("/{id}/complete", func(w http.ResponseWriter, req *http.Request) {
			id, err := uuid.Parse(chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			var body struct {
				PriceUSDPerBTC float64 `json:"price_usd_per_btc"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			outcome, err := svc.Complete(req.Context(), subjectFromContext(req.Context()), id, body.PriceUSDPerBTC)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, outcome)
		})

		cr.Post("/{id}/activate", func(w http.ResponseWriter, req *http.Request) {
			id, err := uuid.Parse(chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			var body struct {
				MaturityAt time.Time `json:"maturity_at"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			entity, err := svc.Activate(req.Context(), subjectFromContext(req.Context()), id, body.MaturityAt)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, entity)
		})

		cr.Post("/{id}/disbursals", func(w http.ResponseWriter, req *http.Request) {
			id, err := uuid.Parse(chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			var body struct {
				AmountMinor int64 `json:"amount_minor"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			disbursalID, entity, err := svc.InitiateDisbursal(req.Context(), subjectFromContext(req.Context()), id, body.AmountMinor)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"disbursal_id": disbursalID, "entity": entity})
		})

		cr.Post("/{id}/disbursals/{disbursalID}/settle", func(w http.ResponseWriter, req *http.Request) {
			id, err := uuid.Parse(chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			disbursalID, err := uuid.Parse(chi.URLParam(req, "disbursalID"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			var body struct {
				DepositAccountID string `json:"deposit_account_id"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			entity, err := svc.SettleDisbursal(req.Context(), subjectFromContext(req.Context()), id, disbursalID, body.DepositAccountID)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, entity)
		})

		cr.Post("/{id}/payments", func(w http.ResponseWriter, req *http.Request) {
			id, err := uuid.Parse(chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			var body struct {
				AmountMinor int64  `json:"amount_minor"`
				PaymentRef  string `json:"payment_ref"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			entity, err := svc.AllocatePayment(req.Context(), subjectFromContext(req.Context()), id, body.AmountMinor, body.PaymentRef)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, entity)
		})
	})
}

func mountCollateralRoutes(r chi.Router, svc *collateral.Service) {
	r.Route("/collateral", func(cr chi.Router) {
		cr.Post("/{id}/manual-update", func(w http.ResponseWriter, req *http.Request) {
			id, err := uuid.Parse(chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			var body struct {
				NewAmountSats    int64  `json:"new_amount_sats"`
				OmnibusAccountID string `json:"omnibus_account_id"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			entity, err := svc.RecordManualUpdate(req.Context(), subjectFromContext(req.Context()), id, body.NewAmountSats, body.OmnibusAccountID)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, entity)
		})

		cr.Post("/{id}/liquidations", func(w http.ResponseWriter, req *http.Request) {
			id, err := uuid.Parse(chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			var body struct {
				OutstandingUSDMinor int64                       `json:"outstanding_usd_minor"`
				PriceUSDPerBTC      float64                      `json:"price_usd_per_btc"`
				Accounts            collateral.ProceedsAccountIDs `json:"accounts"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			liqID, entity, err := svc.StartLiquidation(req.Context(), subjectFromContext(req.Context()), id, body.OutstandingUSDMinor, body.PriceUSDPerBTC, body.Accounts)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"liquidation_id": liqID, "entity": entity})
		})
	})
}

func mountGovernanceRoutes(r chi.Router, svc *governance.Service) {
	r.Route("/approval-processes", func(cr chi.Router) {
		cr.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				ProcessType       governance.ProcessType `json:"process_type"`
				TargetRef         string                 `json:"target_ref"`
				RequiredApprovals int                    `json:"required_approvals"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			id, entity, err := svc.Open(req.Context(), subjectFromContext(req.Context()), body.ProcessType, body.TargetRef, body.RequiredApprovals)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"id": id, "entity": entity})
		})

		cr.Post("/{id}/votes", func(w http.ResponseWriter, req *http.Request) {
			id, err := uuid.Parse(chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			var body struct {
				ApproverID string `json:"approver_id"`
				Approve    bool   `json:"approve"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			entity, err := svc.CastVote(req.Context(), subjectFromContext(req.Context()), id, body.ApproverID, body.Approve)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, entity)
		})
	})
}
