package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"CapIot.lorawan/internal/logging"
	"CapIot.lorawan/internal/models"
	"CapIot.lorawan/internal/service"
	"CapIot.lorawan/internal/stream"
	"CapIot.lorawan/internal/utils"
)

const maxUplinkBody = 1 << 20

// DataController handles device, reading and uplink requests.
type DataController struct {
	service   *service.ReadingService
	hub       *stream.Hub
	keepAlive time.Duration
}

// NewDataController creates a new DataController.
func NewDataController(service *service.ReadingService, hub *stream.Hub) *DataController {
	return &DataController{
		service:   service,
		hub:       hub,
		keepAlive: stream.KeepAliveInterval,
	}
}

// HandleUplink accepts a TTN v3 webhook uplink.
func (c *DataController) HandleUplink(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUplinkBody))
	if err != nil {
		apiErr := models.NewAPIError(models.ErrorCodeBadRequest, fmt.Sprintf("error reading request body: %v", err), nil, http.StatusBadRequest)
		utils.RespondWithError(w, apiErr)
		return
	}

	var env models.UplinkEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		apiErr := models.NewAPIError(models.ErrorCodeInvalidFormat, fmt.Sprintf("error unmarshalling JSON: %v", err), nil, http.StatusBadRequest)
		utils.RespondWithError(w, apiErr)
		return
	}

	result, err := c.service.IngestUplink(r.Context(), env, "webhook")
	switch {
	case errors.Is(err, models.ErrInvalidUplink):
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeBadRequest, err.Error(), nil, http.StatusBadRequest))
		return
	case err != nil:
		logging.Error().Err(err).Str("device_id", env.EndDeviceIDs.DeviceID).Msg("uplink ingestion failed")
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeInternalServerError, "error processing uplink", nil, http.StatusInternalServerError))
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": string(result)})
}

// HandleDevices lists devices.
func (c *DataController) HandleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := c.service.ListDevices(r.Context())
	if err != nil {
		c.internalError(w, "Error fetching devices", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, devices)
}

// HandleGateways lists gateway locations.
func (c *DataController) HandleGateways(w http.ResponseWriter, r *http.Request) {
	gateways, err := c.service.ListGateways(r.Context())
	if err != nil {
		c.internalError(w, "Error fetching gateways", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, gateways)
}

// HandleReadings returns a device's most recent readings, newest first.
func (c *DataController) HandleReadings(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := models.ReadingsQuery{DeviceID: query.Get("device_id")}
	if req.DeviceID == "" {
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeMissingParameter, "device_id is required", nil, http.StatusBadRequest))
		return
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeInvalidFormat, "limit must be a positive integer", nil, http.StatusBadRequest))
			return
		}
		req.Limit = limit
	}

	readings, err := c.service.ListReadings(r.Context(), req)
	switch {
	case errors.Is(err, service.ErrInvalidLimit):
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeInvalidFormat, err.Error(), nil, http.StatusBadRequest))
	case err != nil:
		c.internalError(w, "Error fetching readings", err)
	default:
		utils.RespondWithJSON(w, http.StatusOK, readings)
	}
}

// HandleLatest returns a device's latest reading, or null.
func (c *DataController) HandleLatest(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeMissingParameter, "device_id is required", nil, http.StatusBadRequest))
		return
	}
	latest, err := c.service.LatestReading(r.Context(), deviceID)
	if err != nil {
		c.internalError(w, "Error fetching latest reading", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, latest)
}

// HandleStream serves a device's live readings as an event stream.
func (c *DataController) HandleStream(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceID"]
	if deviceID == "" {
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeMissingParameter, "deviceID is required", nil, http.StatusBadRequest))
		return
	}
	c.hub.ServeSSE(w, r, deviceID, c.keepAlive)
}

// HandleHealth reports whether storage is reachable.
func (c *DataController) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.service.Ping(r.Context()); err != nil {
		logging.Warn().Err(err).Msg("health check failed")
		utils.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *DataController) internalError(w http.ResponseWriter, message string, err error) {
	logging.Error().Err(err).Msg(message)
	utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeInternalServerError, message, nil, http.StatusInternalServerError))
}
