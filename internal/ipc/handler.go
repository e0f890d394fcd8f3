package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"keyreplacer/internal/expander"
	"keyreplacer/internal/mappings"
)

// Controller is what the daemon exposes over the socket.
type Controller interface {
	Status() StatusResponse
	Pause() (string, error)
	Resume() (string, error)
	Toggle() (string, error)
	Reload() (ReloadResponse, error)
	AddMapping(key, value string) error
	RemoveMapping(key string) error
	Mappings() ListMappingsResponse
	Stats(recent int) (StatsResponse, error)
}

// DaemonHandler routes control requests to a Controller.
type DaemonHandler struct {
	ctl    Controller
	logger *slog.Logger
}

// NewDaemonHandler wraps ctl.
func NewDaemonHandler(ctl Controller, logger *slog.Logger) *DaemonHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DaemonHandler{ctl: ctl, logger: logger.With("component", "ipc-handler")}
}

// HandleMessage implements Handler.
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	id := msg.Header.RequestID
	h.logger.Debug("request", "client", client.ID, "type", msg.Header.Type.String())

	switch msg.Header.Type {
	case MsgStatus:
		st := h.ctl.Status()
		return NewResponse(MsgStatusResp, id, &st)

	case MsgPause, MsgResume, MsgToggle:
		var (
			state string
			err   error
		)
		switch msg.Header.Type {
		case MsgPause:
			state, err = h.ctl.Pause()
		case MsgResume:
			state, err = h.ctl.Resume()
		default:
			state, err = h.ctl.Toggle()
		}
		if err != nil {
			return errorReply(id, err), nil
		}
		return NewResponse(MsgStateResp, id, &StateResponse{State: state})

	case MsgReload:
		resp, err := h.ctl.Reload()
		if err != nil {
			return errorReply(id, err), nil
		}
		return NewResponse(MsgReloadResp, id, &resp)

	case MsgAddMapping, MsgRemoveMapping:
		var req MappingRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(id, CodeInvalidRequest, "invalid mapping request"), nil
		}
		var err error
		if msg.Header.Type == MsgAddMapping {
			err = h.ctl.AddMapping(req.Key, req.Value)
		} else {
			err = h.ctl.RemoveMapping(req.Key)
		}
		if err != nil {
			return errorReply(id, err), nil
		}
		return NewMessage(MsgOK, id, nil), nil

	case MsgListMappings:
		resp := h.ctl.Mappings()
		return NewResponse(MsgListMappingsResp, id, &resp)

	case MsgStats:
		var req StatsRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(id, CodeInvalidRequest, "invalid stats request"), nil
		}
		resp, err := h.ctl.Stats(req.Recent)
		if err != nil {
			return errorReply(id, err), nil
		}
		return NewResponse(MsgStatsResp, id, &resp)
	}

	return NewErrorMessage(id, CodeUnknownType, fmt.Sprintf("unknown message type %s", msg.Header.Type)), nil
}

// errorReply maps an error to a MsgError with a matching code.
func errorReply(id uint32, err error) *Message {
	return NewErrorMessage(id, ErrorCode(err), err.Error())
}

// ErrorCode classifies err for the wire.
func ErrorCode(err error) int {
	switch {
	case errors.Is(err, mappings.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, mappings.ErrEmptyKey),
		errors.Is(err, mappings.ErrEmptyValue),
		errors.Is(err, mappings.ErrKeyTooLong),
		errors.Is(err, mappings.ErrValueTooLong),
		errors.Is(err, mappings.ErrInvalidDocument):
		return CodeInvalidMapping
	case errors.Is(err, expander.ErrNotRunning):
		return CodeNotRunning
	default:
		return CodeInternal
	}
}
