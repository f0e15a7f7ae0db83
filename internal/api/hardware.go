package api

import (
	"encoding/json"
	"net/http"
)

// Wire command identifiers accepted by the control surface.
const (
	cmdVirtualWrite = "vw"
	cmdVirtualRead  = "vr"
	cmdDigitalWrite = "dw"
	cmdDigitalRead  = "dr"
)

// hardwareRequest is the shared request shape for the hardware endpoints.
// Endpoint-specific fields are validated per handler.
type hardwareRequest struct {
	DeviceToken string `json:"deviceToken"`
	Command     string `json:"command,omitempty"`
	Pin         *int   `json:"pin"`
	Value       string `json:"value,omitempty"`
	Type        string `json:"type,omitempty"`
}

// commandResponse is the success envelope for hardware dispatches.
type commandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// decodeHardwareRequest parses the body and applies the validations shared
// by every hardware endpoint: a token and a non-negative pin.
func decodeHardwareRequest(w http.ResponseWriter, r *http.Request) (*hardwareRequest, bool) {
	var req hardwareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return nil, false
	}
	if req.DeviceToken == "" {
		writeBadRequest(w, "deviceToken is required")
		return nil, false
	}
	if req.Pin == nil {
		writeBadRequest(w, "pin is required")
		return nil, false
	}
	if *req.Pin < 0 {
		writeBadRequest(w, "pin must be non-negative")
		return nil, false
	}
	return &req, true
}

// dispatch gates the request on a live session, then hands the command to
// the gateway dispatcher. Requests for disconnected devices never reach the
// dispatcher.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, token, command string, pin int, value string) {
	if _, ok := s.sessions.Get(token); !ok {
		writeNotFound(w, "device is not connected")
		return
	}

	if err := s.commander.SendCommand(token, command, pin, value); err != nil {
		s.logger.Warn("command dispatch failed", "command", command, "pin", pin, "error", err)
		writeNotFound(w, "device is not connected")
		return
	}

	s.recordCommand(r, token, command, pin, value)

	writeJSON(w, http.StatusOK, commandResponse{
		Success: true,
		Message: "command sent",
		Data: map[string]any{
			"command": command,
			"pin":     pin,
			"value":   value,
		},
	})
}

// handleHardwareSend dispatches an arbitrary hardware command.
func (s *Server) handleHardwareSend(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeHardwareRequest(w, r)
	if !ok {
		return
	}

	switch req.Command {
	case cmdVirtualWrite, cmdDigitalWrite:
		if req.Value == "" {
			writeBadRequest(w, "value is required for write commands")
			return
		}
	case cmdVirtualRead, cmdDigitalRead:
		req.Value = ""
	default:
		writeBadRequest(w, "command must be one of vw, vr, dw, dr")
		return
	}

	s.dispatch(w, r, req.DeviceToken, req.Command, *req.Pin, req.Value)
}

// handleVirtualWrite dispatches a virtual pin write.
func (s *Server) handleVirtualWrite(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeHardwareRequest(w, r)
	if !ok {
		return
	}
	if req.Value == "" {
		writeBadRequest(w, "value is required")
		return
	}

	s.dispatch(w, r, req.DeviceToken, cmdVirtualWrite, *req.Pin, req.Value)
}

// handleDigitalWrite dispatches a digital pin write. Digital values are
// strictly 0 or 1.
func (s *Server) handleDigitalWrite(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeHardwareRequest(w, r)
	if !ok {
		return
	}
	if req.Value != "0" && req.Value != "1" {
		writeBadRequest(w, "value must be 0 or 1")
		return
	}

	s.dispatch(w, r, req.DeviceToken, cmdDigitalWrite, *req.Pin, req.Value)
}

// handleHardwareRead requests a pin read. The device answers asynchronously
// over its own connection; observers see the result as a later pin update.
func (s *Server) handleHardwareRead(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeHardwareRequest(w, r)
	if !ok {
		return
	}

	var command string
	switch req.Type {
	case "virtual":
		command = cmdVirtualRead
	case "digital":
		command = cmdDigitalRead
	default:
		writeBadRequest(w, `type must be "virtual" or "digital"`)
		return
	}

	s.dispatch(w, r, req.DeviceToken, command, *req.Pin, "")
}
