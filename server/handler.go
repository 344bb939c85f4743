package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/alimasry/go-canvas-sync/store"
)

const maxSnapshotSize = 16 * 1024 * 1024

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHandler creates the HTTP handler with all routes.
func NewHandler(hub *Hub) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/rooms", listRooms(hub)).Methods(http.MethodGet)
	r.HandleFunc("/room/{roomId}", getRoom(hub)).Methods(http.MethodGet)
	r.HandleFunc("/room/{roomId}", postRoom(hub)).Methods(http.MethodPost)
	r.HandleFunc("/room/{roomId}", deleteRoom(hub)).Methods(http.MethodDelete)

	// WebSocket endpoint.
	r.HandleFunc("/connect/{roomId}", connect(hub)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeBadRequest, r.Method+" not allowed on "+r.URL.Path)
	})
	return r
}

func getRoom(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["roomId"]
		snap, err := hub.Store().Get(r.Context(), roomID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "room "+roomID+" has no snapshot")
			return
		}
		if err != nil {
			glog.Errorf("[relay]get room %s: %v", roomID, err)
			writeError(w, http.StatusInternalServerError, CodeInternal, "failed to load snapshot")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(snap.Data)
	}
}

func postRoom(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["roomId"]
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSnapshotSize))
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "failed to read body: "+err.Error())
			return
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "snapshot must be a JSON object")
			return
		}
		if err := hub.Store().Put(r.Context(), roomID, body); err != nil {
			glog.Errorf("[relay]put room %s: %v", roomID, err)
			writeError(w, http.StatusInternalServerError, CodeInternal, "failed to persist snapshot")
			return
		}
		glog.V(1).Infof("[relay]room %s snapshot saved (%d bytes)", roomID, len(body))
		w.WriteHeader(http.StatusNoContent)
	}
}

func deleteRoom(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["roomId"]
		err := hub.Store().Delete(r.Context(), roomID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "room "+roomID+" has no snapshot")
			return
		}
		if err != nil {
			glog.Errorf("[relay]delete room %s: %v", roomID, err)
			writeError(w, http.StatusInternalServerError, CodeInternal, "failed to delete snapshot")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// listRooms reports stored rooms plus rooms that only have live peers.
func listRooms(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps, err := hub.Store().List(r.Context())
		if err != nil {
			glog.Errorf("[relay]list rooms: %v", err)
			writeError(w, http.StatusInternalServerError, CodeInternal, "failed to list rooms")
			return
		}
		infos := make([]RoomInfo, 0, len(snaps))
		seen := make(map[string]bool, len(snaps))
		for _, s := range snaps {
			updated := s.UpdatedAt
			info := RoomInfo{RoomID: s.RoomID, UpdatedAt: &updated}
			if room := hub.GetRoom(s.RoomID); room != nil {
				info.Peers = room.Peers()
			}
			infos = append(infos, info)
			seen[s.RoomID] = true
		}
		for _, room := range hub.Rooms() {
			if !seen[room.ID()] && room.Peers() > 0 {
				infos = append(infos, RoomInfo{RoomID: room.ID(), Peers: room.Peers()})
			}
		}
		writeJSON(w, http.StatusOK, infos)
	}
}

func connect(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["roomId"]
		q := r.URL.Query()
		sessionID := q.Get("sessionId")
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		peerID := q.Get("peerId")
		if peerID == "" {
			peerID = sessionID
		}
		var metadata json.RawMessage
		if m := q.Get("metadata"); m != "" {
			if !json.Valid([]byte(m)) {
				writeError(w, http.StatusBadRequest, CodeBadRequest, "metadata must be JSON")
				return
			}
			metadata = json.RawMessage(m)
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.Infof("[relay]websocket upgrade error = %v", err)
			return
		}
		client := newClient(conn, sessionID, peerID, metadata)
		hub.Join(client, roomID)
		go client.WritePump()
		go client.ReadPump()
	}
}
