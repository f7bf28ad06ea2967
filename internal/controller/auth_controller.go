package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"CapIot.lorawan/internal/logging"
	"CapIot.lorawan/internal/metrics"
	"CapIot.lorawan/internal/middleware"
	"CapIot.lorawan/internal/models"
	"CapIot.lorawan/internal/service"
	"CapIot.lorawan/internal/ttn"
	"CapIot.lorawan/internal/utils"
)

// DownlinkSender queues a downlink for a device.
type DownlinkSender interface {
	Replace(ctx context.Context, deviceID, payloadB64 string, fPort int, confirmed bool) error
}

// AuthController handles login, logout and session-protected commands.
type AuthController struct {
	auth         *service.AuthService
	downlinks    DownlinkSender
	secureCookie bool
}

func NewAuthController(auth *service.AuthService, downlinks DownlinkSender, secureCookie bool) *AuthController {
	return &AuthController{auth: auth, downlinks: downlinks, secureCookie: secureCookie}
}

// HandleLogin sets the session cookie on valid credentials.
func (c *AuthController) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeBadRequest, "Invalid request payload", nil, http.StatusBadRequest))
		return
	}
	defer r.Body.Close()

	token, expires, err := c.auth.Login(req.User, req.Pass)
	if errors.Is(err, service.ErrInvalidCredentials) {
		logging.Info().Str("user", req.User).Msg("login rejected")
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeInvalidCredentials, "Invalid credentials", nil, http.StatusUnauthorized))
		return
	}
	if err != nil {
		logging.Error().Err(err).Msg("login failed")
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeInternalServerError, "Login failed", nil, http.StatusInternalServerError))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(c.auth.TTL().Seconds()),
		HttpOnly: true,
		Secure:   c.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	utils.RespondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleLogout clears the session cookie.
func (c *AuthController) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	utils.RespondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleDownlink forwards a downlink to TTN. Requires a session.
func (c *AuthController) HandleDownlink(w http.ResponseWriter, r *http.Request) {
	var req models.DownlinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeBadRequest, "Invalid request payload", nil, http.StatusBadRequest))
		return
	}
	defer r.Body.Close()
	if req.DeviceID == "" || req.FrmPayloadB64 == "" {
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeMissingParameter, "device_id and frm_payload_b64 are required", nil, http.StatusBadRequest))
		return
	}
	fPort := ttn.DefaultFPort
	if req.FPort != nil {
		fPort = *req.FPort
	}

	err := c.downlinks.Replace(r.Context(), req.DeviceID, req.FrmPayloadB64, fPort, req.Confirmed)
	var upstream *ttn.UpstreamError
	switch {
	case errors.Is(err, ttn.ErrNotConfigured):
		metrics.DownlinksTotal.WithLabelValues("error").Inc()
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeUnavailable, "Downlinks are not configured", nil, http.StatusServiceUnavailable))
		return
	case errors.As(err, &upstream):
		metrics.DownlinksTotal.WithLabelValues("rejected").Inc()
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeBadGateway, upstream.Error(), nil, upstream.StatusCode))
		return
	case err != nil:
		metrics.DownlinksTotal.WithLabelValues("error").Inc()
		logging.Error().Err(err).Str("device_id", req.DeviceID).Msg("downlink failed")
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeBadGateway, err.Error(), nil, http.StatusBadGateway))
		return
	}

	metrics.DownlinksTotal.WithLabelValues("sent").Inc()
	logging.Info().Str("device_id", req.DeviceID).Int("f_port", fPort).Str("user", middleware.SessionSubject(r)).Msg("downlink queued")
	utils.RespondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
