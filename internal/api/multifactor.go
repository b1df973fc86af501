package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/multidirectory/multidirectory/internal/logger"
	"github.com/multidirectory/multidirectory/internal/mfa"
	"github.com/multidirectory/multidirectory/pkg/models"
)

// multifactorCallback handles POST /multifactor/create: the provider posts
// the signed access token here once the user approves the challenge. The
// token is validated against either credential set (LDAP or web scope) and
// handed to the waiter parked on the identity.
func (h *handler) multifactorCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form payload")
		return
	}
	token := r.FormValue("accessToken")
	if token == "" {
		writeError(w, http.StatusBadRequest, "accessToken is required")
		return
	}

	credentialSets := [][2]string{
		{models.SettingMFAKeyLDAP, models.SettingMFASecretLDAP},
		{models.SettingMFAKey, models.SettingMFASecret},
	}
	for _, set := range credentialSets {
		key, keyErr := h.deps.Store.GetSetting(r.Context(), set[0])
		secret, secretErr := h.deps.Store.GetSetting(r.Context(), set[1])
		if keyErr != nil || secretErr != nil || secret == "" {
			continue
		}

		validator := &mfa.TokenValidator{Secret: secret, Audience: key}
		identity, err := validator.Validate(token)
		if err != nil {
			continue
		}

		delivered := h.deps.Pool.Deliver(strings.ToLower(identity), token)
		logger.Info("multifactor callback accepted",
			logger.KeyUsername, identity, "delivered", delivered)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"delivered": delivered,
		})
		return
	}

	writeError(w, http.StatusUnauthorized, "token validation failed")
}

type multifactorSetupRequest struct {
	Key         string `json:"mfa_key"`
	Secret      string `json:"mfa_secret"`
	IsLDAPScope bool   `json:"is_ldap_scope"`
}

// multifactorSetup handles POST /multifactor/setup (authenticated): stores
// the provider tenant credentials in the catalogue settings.
func (h *handler) multifactorSetup(w http.ResponseWriter, r *http.Request) {
	var req multifactorSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "mfa_key and mfa_secret are required")
		return
	}

	keyName, secretName := models.SettingMFAKey, models.SettingMFASecret
	if req.IsLDAPScope {
		keyName, secretName = models.SettingMFAKeyLDAP, models.SettingMFASecretLDAP
	}

	if err := h.deps.Store.SetSetting(r.Context(), keyName, req.Key); err != nil {
		writeError(w, http.StatusInternalServerError, "settings update failed")
		return
	}
	if err := h.deps.Store.SetSetting(r.Context(), secretName, req.Secret); err != nil {
		writeError(w, http.StatusInternalServerError, "settings update failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// multifactorGet handles GET /multifactor/get (authenticated): returns the
// stored provider keys. Secrets are never echoed back.
func (h *handler) multifactorGet(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{}
	for name, field := range map[string]string{
		models.SettingMFAKey:     "mfa_key",
		models.SettingMFAKeyLDAP: "mfa_key_ldap",
	} {
		if value, err := h.deps.Store.GetSetting(r.Context(), name); err == nil {
			response[field] = value
		}
	}
	writeJSON(w, http.StatusOK, response)
}
