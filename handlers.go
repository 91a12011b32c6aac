package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/usenocturne/panlink/bluetooth"
)

type InfoResponse struct {
	Version string `json:"version"`
}

type DeviceResponse struct {
	Path       string                     `json:"path"`
	Properties bluetooth.DeviceProperties `json:"properties"`
	Network    bluetooth.PanStatus        `json:"network"`
}

type PowerResponse struct {
	Powered bool `json:"powered"`
}

type OKResponse struct {
	Status string `json:"status"`
}

type api struct {
	manager     *bluetooth.BluetoothManager
	versionFile string
	log         logrus.FieldLogger
}

func newRouter(manager *bluetooth.BluetoothManager, events http.Handler, versionFile string, log logrus.FieldLogger) http.Handler {
	a := &api{manager: manager, versionFile: versionFile, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /info", a.info)
	mux.HandleFunc("GET /bluetooth/devices", a.listDevices)
	mux.HandleFunc("POST /bluetooth/devices/{address}/refresh", a.refreshDevice)
	mux.HandleFunc("GET /bluetooth/network/{address}", a.networkStatus)
	mux.HandleFunc("POST /bluetooth/network/{address}", a.connectNetwork)
	mux.HandleFunc("DELETE /bluetooth/network/{address}", a.disconnectNetwork)
	mux.HandleFunc("GET /bluetooth/power", a.power)
	mux.HandleFunc("POST /bluetooth/power/{state}", a.setPower)
	mux.HandleFunc("POST /bluetooth/discoverable/{state}", a.setDiscoverable)
	if events != nil {
		mux.Handle("GET /ws", events)
	}

	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.WithError(err).Warn("Error encoding response")
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	var (
		decodeErr    *bluetooth.DecodeError
		transportErr *bluetooth.TransportError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bluetooth.ErrDeviceNotFound):
		status = http.StatusNotFound
	case errors.As(err, &decodeErr), errors.As(err, &transportErr):
		status = http.StatusBadGateway
	}

	a.log.WithError(err).Warn("Request failed")
	http.Error(w, err.Error(), status)
}

func parseState(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	}
	return false, false
}

func (a *api) info(w http.ResponseWriter, r *http.Request) {
	content, err := os.ReadFile(a.versionFile)
	if err != nil {
		http.Error(w, "Error reading version file", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, InfoResponse{Version: strings.TrimSpace(string(content))})
}

func (a *api) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.manager.Devices(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}

	response := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		response = append(response, DeviceResponse{
			Path:       string(d.Path()),
			Properties: d.Properties(),
			Network:    d.PanStatus(),
		})
	}
	a.writeJSON(w, response)
}

func (a *api) refreshDevice(w http.ResponseWriter, r *http.Request) {
	props, err := a.manager.RefreshDevice(r.Context(), r.PathValue("address"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, props)
}

func (a *api) networkStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.manager.NetworkStatus(r.Context(), r.PathValue("address"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, status)
}

func (a *api) connectNetwork(w http.ResponseWriter, r *http.Request) {
	status, err := a.manager.ConnectNetwork(r.Context(), r.PathValue("address"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, status)
}

func (a *api) disconnectNetwork(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.DisconnectNetwork(r.Context(), r.PathValue("address")); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, OKResponse{Status: "success"})
}

func (a *api) power(w http.ResponseWriter, r *http.Request) {
	powered, err := a.manager.Adapter().IsPowered(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, PowerResponse{Powered: powered})
}

func (a *api) setPower(w http.ResponseWriter, r *http.Request) {
	on, ok := parseState(r.PathValue("state"))
	if !ok {
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}
	if err := a.manager.Adapter().SetPowered(r.Context(), on); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, PowerResponse{Powered: on})
}

func (a *api) setDiscoverable(w http.ResponseWriter, r *http.Request) {
	on, ok := parseState(r.PathValue("state"))
	if !ok {
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}
	if err := a.manager.Adapter().SetDiscoverable(r.Context(), on); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, OKResponse{Status: "success"})
}
