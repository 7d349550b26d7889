package daemon

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"aacpd/internal/aacp"
	"aacpd/internal/ble"
)

// Control API wire types, shared with the client half.

type BatteryJSON struct {
	Component string `json:"component"`
	Level     *uint8 `json:"level"`
	Status    string `json:"status"`
}

type ControlJSON struct {
	Identifier uint8  `json:"identifier"`
	Name       string `json:"name"`
	Value      string `json:"value"`
}

type DeviceStatus struct {
	MAC                   string        `json:"mac"`
	Name                  string        `json:"name"`
	HandshakeState        string        `json:"handshake_state"`
	Battery               []BatteryJSON `json:"battery"`
	Controls              []ControlJSON `json:"controls"`
	Ownership             bool          `json:"ownership"`
	ConversationAwareness bool          `json:"conversation_awareness"`
}

type DeviceRecord struct {
	MAC         string `json:"mac"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	HasIRK      bool   `json:"has_irk"`
	HasEncKey   bool   `json:"has_enc_key"`
	AutoConnect bool   `json:"auto_connect"`
	Connected   bool   `json:"connected"`
}

type TelemetryStatus struct {
	MAC             string      `json:"mac"`
	Address         string      `json:"address"`
	Model           uint16      `json:"model"`
	Decrypted       bool        `json:"decrypted"`
	Left            BatteryJSON `json:"left"`
	Right           BatteryJSON `json:"right"`
	Case            BatteryJSON `json:"case"`
	LeftInEar       bool        `json:"left_in_ear"`
	RightInEar      bool        `json:"right_in_ear"`
	ConnectionState string      `json:"connection_state"`
}

type CommandRequest struct {
	MAC        string `json:"mac,omitempty"`
	Identifier uint8  `json:"identifier"`
	Value      string `json:"value"`
}

type RenameRequest struct {
	MAC  string `json:"mac,omitempty"`
	Name string `json:"name"`
}

type PrefsRequest struct {
	MAC         string `json:"mac"`
	AutoConnect bool   `json:"auto_connect"`
}

func (d *Daemon) controlMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", d.handleStatus)
	mux.HandleFunc("/devices", d.handleDevices)
	mux.HandleFunc("/telemetry", d.handleTelemetry)
	mux.HandleFunc("/command", d.handleCommand)
	mux.HandleFunc("/rename", d.handleRename)
	mux.HandleFunc("/prefs", d.handlePrefs)
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// sessionFor resolves a MAC to its live session. An empty MAC is allowed
// when exactly one device is attached.
func (d *Daemon) sessionFor(mac string) (*aacp.Session, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if mac != "" {
		mac = strings.ToUpper(mac)
		ds := d.sessions[mac]
		if ds == nil || ds.session == nil {
			return nil, mac, fmt.Errorf("no active session for %s", mac)
		}
		return ds.session, mac, nil
	}

	var only *deviceSession
	for _, ds := range d.sessions {
		if ds.session == nil {
			continue
		}
		if only != nil {
			return nil, "", fmt.Errorf("multiple devices attached, pass a mac")
		}
		only = ds
	}
	if only == nil {
		return nil, "", fmt.Errorf("no device attached")
	}
	return only.session, only.mac, nil
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	d.mu.Lock()
	sessions := make([]*deviceSession, 0, len(d.sessions))
	for _, ds := range d.sessions {
		if ds.session != nil {
			sessions = append(sessions, ds)
		}
	}
	d.mu.Unlock()

	statuses := make([]DeviceStatus, 0, len(sessions))
	for _, ds := range sessions {
		snap := ds.session.State()
		status := DeviceStatus{
			MAC:                   ds.mac,
			Name:                  ds.name,
			HandshakeState:        ds.session.HandshakeState().String(),
			Battery:               make([]BatteryJSON, 0, len(snap.Battery)),
			Controls:              make([]ControlJSON, 0, len(snap.ControlStatus)),
			Ownership:             snap.Ownership,
			ConversationAwareness: snap.ConversationAwareness,
		}
		for _, reading := range snap.Battery {
			status.Battery = append(status.Battery, batteryJSON(reading))
		}
		for _, ctl := range snap.ControlStatus {
			status.Controls = append(status.Controls, ControlJSON{
				Identifier: uint8(ctl.Identifier),
				Name:       ctl.Identifier.String(),
				Value:      hex.EncodeToString(ctl.Value),
			})
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].MAC < statuses[j].MAC })
	writeJSON(w, statuses)
}

func (d *Daemon) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	d.mu.Lock()
	connected := make(map[string]bool, len(d.sessions))
	for mac, ds := range d.sessions {
		connected[mac] = ds.session != nil
	}
	d.mu.Unlock()

	records := d.store.Records()
	out := make([]DeviceRecord, 0, len(records))
	for mac, rec := range records {
		out = append(out, DeviceRecord{
			MAC:         mac,
			Name:        rec.Name,
			Type:        rec.Type,
			HasIRK:      rec.LE.IRK != "",
			HasEncKey:   rec.LE.EncKey != "",
			AutoConnect: d.store.AutoConnect(mac),
			Connected:   connected[mac],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	writeJSON(w, out)
}

func (d *Daemon) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	d.mu.Lock()
	out := make([]TelemetryStatus, 0, len(d.telemetry))
	for _, tel := range d.telemetry {
		out = append(out, telemetryJSON(tel))
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	writeJSON(w, out)
}

func (d *Daemon) handleCommand(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req CommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		value, err := hex.DecodeString(req.Value)
		if err != nil {
			http.Error(w, "value must be hex", http.StatusBadRequest)
			return
		}
		session, _, err := d.sessionFor(req.MAC)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		id := aacp.ControlCommandID(req.Identifier)
		if len(value) == 0 {
			err = session.GetControlCommand(id)
		} else {
			err = session.SetControlCommand(id, value)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		q := r.URL.Query()
		id, err := strconv.ParseUint(q.Get("id"), 0, 8)
		if err != nil {
			http.Error(w, "id must be a control identifier", http.StatusBadRequest)
			return
		}
		session, _, err := d.sessionFor(q.Get("mac"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		value, ok := session.ControlValue(aacp.ControlCommandID(id))
		if !ok {
			http.Error(w, "no cached value", http.StatusNotFound)
			return
		}
		writeJSON(w, ControlJSON{
			Identifier: uint8(id),
			Name:       aacp.ControlCommandID(id).String(),
			Value:      hex.EncodeToString(value),
		})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (d *Daemon) handleRename(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name must not be empty", http.StatusBadRequest)
		return
	}
	session, mac, err := d.sessionFor(req.MAC)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := session.Rename(req.Name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := d.store.SetName(mac, req.Name); err != nil {
		d.log.WithError(err).WithField("mac", mac).Warn("rename not persisted")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handlePrefs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req PrefsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MAC == "" {
		http.Error(w, "mac must not be empty", http.StatusBadRequest)
		return
	}
	if err := d.store.SetAutoConnect(req.MAC, req.AutoConnect); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func batteryJSON(r aacp.BatteryReading) BatteryJSON {
	out := BatteryJSON{
		Component: r.Component.String(),
		Status:    r.Status.String(),
	}
	if r.Level != nil {
		lvl := *r.Level
		out.Level = &lvl
	}
	return out
}

func telemetryJSON(tel ble.Telemetry) TelemetryStatus {
	return TelemetryStatus{
		MAC:             tel.MAC,
		Address:         tel.Address,
		Model:           tel.Model,
		Decrypted:       tel.Decrypted,
		Left:            batteryJSON(tel.Left),
		Right:           batteryJSON(tel.Right),
		Case:            batteryJSON(tel.Case),
		LeftInEar:       tel.LeftInEar,
		RightInEar:      tel.RightInEar,
		ConnectionState: ble.ConnectionStateString(tel.ConnectionState),
	}
}
